package log

import (
	"io"
	"os"
	"strings"
)

// Format represents the output format for logs
type Format int

const (
	// FormatJSON outputs one JSON object per line
	FormatJSON Format = iota
	// FormatText outputs key=value pairs
	FormatText
)

// ParseFormat parses a string into a Format. Anything but text means JSON.
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "text", "console":
		return FormatText
	default:
		return FormatJSON
	}
}

// Config holds configuration for the logger
type Config struct {
	Level     Level
	Format    Format
	Output    io.Writer
	AddSource bool

	// ServiceName and ServiceVersion are attached to every record.
	ServiceName    string
	ServiceVersion string
}

// DefaultConfig logs at info level as JSON to stdout.
func DefaultConfig() Config {
	return Config{
		Level:          LevelInfo,
		Format:         FormatJSON,
		Output:         os.Stdout,
		ServiceName:    "labgate",
		ServiceVersion: "dev",
	}
}

// DevelopmentConfig logs at debug level as text with source locations.
func DevelopmentConfig() Config {
	cfg := DefaultConfig()
	cfg.Level = LevelDebug
	cfg.Format = FormatText
	cfg.AddSource = true
	return cfg
}
