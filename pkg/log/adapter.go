// Package log adapts logrus to the logger interfaces of the storage libraries so
// every component writes through the same structured logger.
package log

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// BadgerLogrusAdapter implements badger.Logger interface using logrus
type BadgerLogrusAdapter struct {
	*logrus.Entry // Embed logrus Entry
}

// NewBadgerLogrusAdapter creates a new adapter
func NewBadgerLogrusAdapter(entry *logrus.Entry) *BadgerLogrusAdapter {
	return &BadgerLogrusAdapter{entry}
}

// Errorf logs an error message
func (l *BadgerLogrusAdapter) Errorf(f string, v ...interface{}) { l.Entry.Errorf(f, v...) }

// Warningf logs a warning message
func (l *BadgerLogrusAdapter) Warningf(f string, v ...interface{}) { l.Entry.Warningf(f, v...) }

// Infof logs an info message
func (l *BadgerLogrusAdapter) Infof(f string, v ...interface{}) { l.Entry.Infof(f, v...) }

// Debugf logs a debug message
func (l *BadgerLogrusAdapter) Debugf(f string, v ...interface{}) { l.Entry.Debugf(f, v...) }

// GormLogrusAdapter implements gorm's logger.Interface using logrus.
// Statements are traced at debug level; slow statements and errors are promoted.
type GormLogrusAdapter struct {
	entry         *logrus.Entry
	level         gormlogger.LogLevel
	SlowThreshold time.Duration
}

// NewGormLogrusAdapter creates an adapter at the Warn level with a 200ms slow threshold
func NewGormLogrusAdapter(entry *logrus.Entry) *GormLogrusAdapter {
	return &GormLogrusAdapter{
		entry:         entry,
		level:         gormlogger.Warn,
		SlowThreshold: 200 * time.Millisecond,
	}
}

// LogMode returns a copy of the adapter at the given level
func (l *GormLogrusAdapter) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *GormLogrusAdapter) Info(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		l.entry.Infof(msg, data...)
	}
}

func (l *GormLogrusAdapter) Warn(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.entry.Warnf(msg, data...)
	}
}

func (l *GormLogrusAdapter) Error(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		l.entry.Errorf(msg, data...)
	}
}

// Trace logs one executed statement. Record-not-found is a normal lookup miss and is not logged as an error
func (l *GormLogrusAdapter) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := logrus.Fields{
		"elapsed": elapsed.String(),
		"rows":    rows,
		"sql":     sql,
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		l.entry.WithFields(fields).WithError(err).Error("SQL statement failed")
	case l.SlowThreshold > 0 && elapsed > l.SlowThreshold && l.level >= gormlogger.Warn:
		l.entry.WithFields(fields).Warnf("Slow SQL statement (>%s)", l.SlowThreshold)
	case l.level >= gormlogger.Info:
		l.entry.WithFields(fields).Debug("SQL statement")
	}
}
