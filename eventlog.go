package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	runLogFileName = "run_log.ndjson"
	redactedValue  = "[REDACTED]"
)

var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)((?:password|passwd|pwd|token|secret|aws_secret_key|aws_key_id)\s*[=:]\s*'?)[^\s'&;,)]+`),
	regexp.MustCompile(`(://[^:/@\s]+:)[^@\s]+(@)`),
}

// redactString removes known secret values and credential-looking assignments from s.
func redactString(s string, secrets []string) string {
	if s == "" {
		return s
	}
	// longest first so a secret containing another is masked whole
	sorted := append([]string(nil), secrets...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	for _, sec := range sorted {
		if sec != "" {
			s = strings.ReplaceAll(s, sec, redactedValue)
		}
	}
	s = credentialPatterns[0].ReplaceAllString(s, "${1}"+redactedValue)
	s = credentialPatterns[1].ReplaceAllString(s, "${1}"+redactedValue+"${2}")
	return s
}

// redactingCore scrubs messages and string fields before they reach the wrapped core.
type redactingCore struct {
	zapcore.Core
	secrets []string
}

func newRedactingCore(inner zapcore.Core, secrets []string) zapcore.Core {
	return &redactingCore{Core: inner, secrets: secrets}
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(c.redactFields(fields)), secrets: c.secrets}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = redactString(ent.Message, c.secrets)
	return c.Core.Write(ent, c.redactFields(fields))
}

func (c *redactingCore) redactFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch f.Type {
		case zapcore.StringType:
			f.String = redactString(f.String, c.secrets)
		case zapcore.ErrorType:
			if err, ok := f.Interface.(error); ok {
				f = zap.String(f.Key, redactString(err.Error(), c.secrets))
			}
		case zapcore.StringerType:
			if s, ok := f.Interface.(fmt.Stringer); ok {
				f = zap.String(f.Key, redactString(s.String(), c.secrets))
			}
		}
		out[i] = f
	}
	return out
}

// runLogEncoderConfig is the NDJSON layout of run_log.ndjson.
func runLogEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
}

// openRunLog returns a logger writing to console and to the run's append-only
// event log, both redacted. The returned func closes the log file.
func openRunLog(console *zap.Logger, dir, runID string, secrets []string) (*zap.Logger, func() error, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create run dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, runLogFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open run log: %w", err)
	}

	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(runLogEncoderConfig()), zapcore.Lock(f), zapcore.InfoLevel)
	core := newRedactingCore(zapcore.NewTee(console.Core(), fileCore), secrets)
	log := zap.New(core).With(zap.String("run_id", runID))

	closeFn := func() error {
		_ = log.Sync()
		return f.Close()
	}
	return log, closeFn, nil
}

// newConsoleLogger builds the process logger in the console encoding.
func newConsoleLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
