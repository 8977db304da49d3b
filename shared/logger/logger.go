// Package logger writes service events to a per-service Postgres table.
// When no database is configured every call falls through to the console
// logger, so callers never need to branch.
package logger

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
)

// LogLevel represents the severity of a log message
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Log represents a log entry in the database
type Log struct {
	ID        uint       `gorm:"primaryKey"`
	Timestamp *time.Time `gorm:"index"`
	Level     *LogLevel  `gorm:"index"`
	Message   *string
	Fields    *string // JSON string of fields
	tableName string  `gorm:"-"`
}

// TableName overrides the table name used by Log
func (l *Log) TableName() string {
	return l.tableName
}

// Logger is the main struct for the logger
type Logger struct {
	db        *gorm.DB
	tableName string
}

// New creates a new Logger instance. db may be nil; the logger then only
// mirrors to the console.
func New(db *gorm.DB, tableName string) (*Logger, error) {
	logger := &Logger{
		db:        db,
		tableName: tableName,
	}
	if db != nil {
		if err := db.Table(tableName).AutoMigrate(&Log{}); err != nil {
			return nil, fmt.Errorf("failed to migrate Log for table %s: %w", tableName, err)
		}
	}
	return logger, nil
}

// log inserts a log entry into the database
func (l *Logger) log(level LogLevel, message string, fields map[string]interface{}) error {
	if l.db == nil {
		return nil
	}

	var fieldsJSON *string
	if len(fields) > 0 {
		jsonBytes, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}
		s := string(jsonBytes)
		fieldsJSON = &s
	}

	timestamp := time.Now()
	entry := Log{
		Timestamp: &timestamp,
		Level:     &level,
		Message:   &message,
		Fields:    fieldsJSON,
		tableName: l.tableName,
	}

	if err := l.db.Table(l.tableName).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields map[string]interface{}) {
	zaplogger.Debug(l.tableName+": "+message, fields)
	if err := l.log(DEBUG, message, fields); err != nil {
		zaplogger.Error("Failed to log DEBUG message", map[string]interface{}{"error": err})
	}
}

// Info logs an info message
func (l *Logger) Info(message string, fields map[string]interface{}) {
	zaplogger.Info(l.tableName+": "+message, fields)
	if err := l.log(INFO, message, fields); err != nil {
		zaplogger.Error("Failed to log INFO message", map[string]interface{}{"error": err})
	}
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields map[string]interface{}) {
	zaplogger.Warn(l.tableName+": "+message, fields)
	if err := l.log(WARN, message, fields); err != nil {
		zaplogger.Error("Failed to log WARN message", map[string]interface{}{"error": err})
	}
}

// Error logs an error message
func (l *Logger) Error(message string, fields map[string]interface{}) {
	zaplogger.Error(l.tableName+": "+message, fields)
	if err := l.log(ERROR, message, fields); err != nil {
		zaplogger.Error("Failed to log ERROR message", map[string]interface{}{"error": err})
	}
}
