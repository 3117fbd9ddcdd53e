package models

// ArchiveStatus represents the lifecycle state of an Archive record
type ArchiveStatus string

const (
	ArchiveStatusUnset      ArchiveStatus = ""           // Zero value = unset/unknown
	ArchiveStatusPending    ArchiveStatus = "pending"    // Created with its Link, job not started
	ArchiveStatusProcessing ArchiveStatus = "processing" // Job running (including between timeout retries)
	ArchiveStatusCompleted  ArchiveStatus = "completed"  // Content extracted and stored
	ArchiveStatusFailed     ArchiveStatus = "failed"     // Fetch or extraction failed
	ArchiveStatusBlocked    ArchiveStatus = "blocked"    // URL rejected by SSRF/pre-flight checks
)

// String implements fmt.Stringer for logging
func (s ArchiveStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s ArchiveStatus) IsValid() bool {
	switch s {
	case ArchiveStatusPending, ArchiveStatusProcessing, ArchiveStatusCompleted, ArchiveStatusFailed, ArchiveStatusBlocked:
		return true
	}
	return false
}

// IsTerminal returns true once no further mutation of the archive is allowed
func (s ArchiveStatus) IsTerminal() bool {
	switch s {
	case ArchiveStatusCompleted, ArchiveStatusFailed, ArchiveStatusBlocked:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal step.
// processing -> processing is allowed so a timeout retry can restart the job.
func (s ArchiveStatus) CanTransitionTo(next ArchiveStatus) bool {
	switch s {
	case ArchiveStatusPending:
		return next == ArchiveStatusProcessing || next == ArchiveStatusBlocked
	case ArchiveStatusProcessing:
		return next == ArchiveStatusProcessing ||
			next == ArchiveStatusCompleted ||
			next == ArchiveStatusFailed ||
			next == ArchiveStatusBlocked
	}
	return false
}
