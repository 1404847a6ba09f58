package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// ANSI color codes used by the banner
const (
	ColorReset = "\033[0m"
	ColorCyan  = "\033[36m"
	ColorGreen = "\033[32m"
)

var log = logrus.New()

func init() {
	log.SetOutput(os.Stdout)
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
}

// SetLevel sets the minimum log level ("debug", "info", "warn", "error").
// Unknown levels fall back to info.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
}

// WithAgent returns an entry tagged with the local agent number.
// Long-running loops keep one of these instead of re-tagging every line.
func WithAgent(agent int) *logrus.Entry {
	return log.WithField("agent", agent)
}

// Debug logs a debug message
func Debug(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

// Info logs an informational message
func Info(format string, args ...interface{}) {
	log.Infof(format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	log.Warnf(format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	log.Errorf(format, args...)
}

// Fatal logs a fatal error and exits
func Fatal(format string, args ...interface{}) {
	log.Fatalf(format, args...)
}

// Section prints a section header
func Section(title string) {
	border := "═══════════════════════════════════════════════════════════"
	fmt.Printf("\n%s╔%s╗%s\n", ColorCyan, border, ColorReset)
	fmt.Printf("%s║%s %-57s %s║%s\n", ColorCyan, ColorReset, title, ColorCyan, ColorReset)
	fmt.Printf("%s╚%s╝%s\n\n", ColorCyan, border, ColorReset)
}

// Banner prints the application banner
func Banner(title, version string) {
	banner := `
╔═══════════════════════════════════════════════════════════╗
║                                                           ║
║   ██████╗ ███████╗██╗      ██████╗ ██████╗ ███╗   ███╗   ║
║   ██╔══██╗██╔════╝██║     ██╔════╝██╔═══██╗████╗ ████║   ║
║   ██████╔╝█████╗  ██║     ██║     ██║   ██║██╔████╔██║   ║
║   ██╔══██╗██╔══╝  ██║     ██║     ██║   ██║██║╚██╔╝██║   ║
║   ██║  ██║███████╗███████╗╚██████╗╚██████╔╝██║ ╚═╝ ██║   ║
║   ╚═╝  ╚═╝╚══════╝╚══════╝ ╚═════╝ ╚═════╝ ╚═╝     ╚═╝   ║
║                                                           ║
║              %s%-37s%s║
║                    %sVersion %-7s%s                      ║
║                                                           ║
╚═══════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, ColorCyan, title, ColorReset, ColorGreen, version, ColorReset)
}
