package cview

import (
	"fmt"
	"log"

	"github.com/natefinch/lumberjack"
)

type stdLogger struct {
	*lumberjack.Logger
}

var logger stdLogger

// LogConfig configures an optional rotating log file.  If no Logfile is set,
// log messages go to stdout via the standard log package.
type LogConfig struct {
	Logfile string
	MaxSize int `toml:"max_log_size"`
	MaxAge  int `toml:"max_log_age"`
}

// SetLogger creates a logger that saves to a rotating log file.
func (c *LogConfig) SetLogger() {
	if c == nil || c.Logfile == "" {
		Infof("Sending log messages to stdout since no log file specified.")
		return
	}
	fmt.Printf("Sending log messages to: %s\n", c.Logfile)
	l := &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize, // megabytes
		MaxAge:   c.MaxAge,  // days
	}
	log.SetOutput(l)
	logger = stdLogger{l}
}

func (slog stdLogger) write(level, s string) {
	if slog.Logger != nil {
		slog.Write([]byte(level + s))
	} else {
		log.Printf("%s", level+s)
	}
}

// --- Logger implementation ----

func (slog stdLogger) Debugf(format string, args ...interface{}) {
	slog.write("   DEBUG ", fmt.Sprintf(format, args...))
}

func (slog stdLogger) Infof(format string, args ...interface{}) {
	slog.write("    INFO ", fmt.Sprintf(format, args...))
}

func (slog stdLogger) Warningf(format string, args ...interface{}) {
	slog.write(" WARNING ", fmt.Sprintf(format, args...))
}

func (slog stdLogger) Errorf(format string, args ...interface{}) {
	slog.write("   ERROR ", fmt.Sprintf(format, args...))
}

func (slog stdLogger) Criticalf(format string, args ...interface{}) {
	slog.write("CRITICAL ", fmt.Sprintf(format, args...))
}

func (slog stdLogger) Shutdown() {
	if slog.Logger != nil {
		slog.Close()
	}
}
