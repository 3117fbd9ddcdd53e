package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArchiveStatus_String(t *testing.T) {
	tests := []struct {
		status ArchiveStatus
		want   string
	}{
		{ArchiveStatusUnset, "unset"},
		{ArchiveStatusPending, "pending"},
		{ArchiveStatusProcessing, "processing"},
		{ArchiveStatusCompleted, "completed"},
		{ArchiveStatusFailed, "failed"},
		{ArchiveStatusBlocked, "blocked"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestArchiveStatus_IsValid(t *testing.T) {
	tests := []struct {
		status ArchiveStatus
		want   bool
	}{
		{ArchiveStatusPending, true},
		{ArchiveStatusProcessing, true},
		{ArchiveStatusCompleted, true},
		{ArchiveStatusFailed, true},
		{ArchiveStatusBlocked, true},
		{ArchiveStatusUnset, false},
		{ArchiveStatus("arbitrary"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.IsValid(), "ArchiveStatus(%q).IsValid()", string(tt.status))
	}
}

func TestArchiveStatus_IsTerminal(t *testing.T) {
	assert.False(t, ArchiveStatusPending.IsTerminal())
	assert.False(t, ArchiveStatusProcessing.IsTerminal())
	assert.True(t, ArchiveStatusCompleted.IsTerminal())
	assert.True(t, ArchiveStatusFailed.IsTerminal())
	assert.True(t, ArchiveStatusBlocked.IsTerminal())
}

func TestArchiveStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to ArchiveStatus
		want     bool
	}{
		{ArchiveStatusPending, ArchiveStatusProcessing, true},
		{ArchiveStatusPending, ArchiveStatusBlocked, true},
		{ArchiveStatusPending, ArchiveStatusCompleted, false},
		{ArchiveStatusPending, ArchiveStatusFailed, false},
		{ArchiveStatusProcessing, ArchiveStatusProcessing, true},
		{ArchiveStatusProcessing, ArchiveStatusCompleted, true},
		{ArchiveStatusProcessing, ArchiveStatusFailed, true},
		{ArchiveStatusProcessing, ArchiveStatusBlocked, true},
		{ArchiveStatusProcessing, ArchiveStatusPending, false},
		{ArchiveStatusCompleted, ArchiveStatusProcessing, false},
		{ArchiveStatusFailed, ArchiveStatusProcessing, false},
		{ArchiveStatusBlocked, ArchiveStatusProcessing, false},
		{ArchiveStatusCompleted, ArchiveStatusFailed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}
