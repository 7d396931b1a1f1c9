// Package logging wraps logrus with the formatter emberdb's managers use
// for page, lock, and log traffic.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger. Managers pull their own *logrus.Entry
// off of it via WithField so log lines can be grepped by component.
var Logger = logrus.New()

func init() {
	Logger.SetFormatter(&callerFormatter{})
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetOutput(os.Stdout)
}

// Config controls the level and destination of the process logger.
type Config struct {
	Level    string // debug|info|warn|error
	FilePath string // additional file sink; "" disables
}

// Configure applies Config to the shared logger.
func Configure(cfg Config) error {
	Logger.SetLevel(parseLevel(cfg.Level))
	if cfg.FilePath == "" {
		Logger.SetOutput(os.Stdout)
		return nil
	}
	f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		Logger.SetOutput(os.Stdout)
		Logger.Warnf("failed to open log file %s, falling back to stdout: %v", cfg.FilePath, err)
		return err
	}
	Logger.SetOutput(io.MultiWriter(os.Stdout, f))
	return nil
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// For returns a component-scoped logger, e.g. logging.For("bufferpool").
func For(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}

type callerFormatter struct{}

func (f *callerFormatter) Format(e *logrus.Entry) ([]byte, error) {
	ts := e.Time.Format("15:04:05.000")
	level := strings.ToUpper(e.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	comp, _ := e.Data["component"].(string)
	caller := findCaller()
	msg := fmt.Sprintf("[%s] [%s] (%s) %s: %s\n", ts, level, caller, comp, e.Message)
	return []byte(msg), nil
}

func findCaller() string {
	for i := 2; i < 24; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "/logrus/") || strings.Contains(file, "logging/logging.go") {
			continue
		}
		fn := runtime.FuncForPC(pc)
		name := "?"
		if fn != nil {
			name = fn.Name()
			if idx := strings.LastIndex(name, "."); idx >= 0 {
				name = name[idx+1:]
			}
		}
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), name, line)
	}
	return "unknown:unknown:0"
}
