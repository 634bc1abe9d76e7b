package meshcore

import (
	"log/syslog"
	"os"

	"github.com/op/go-logging"
)

var stderrFormat = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.4s} %{shortfunc}: %{message}`,
)

var syslogFormat = logging.MustStringFormatter(
	`%{level:.4s} %{shortfunc}: %{message}`,
)

// SetupLogging wires a process-wide *logging.Logger for prefix, preferring
// a syslog backend and falling back to stderr when syslog is unavailable
// (containers, platforms without a syslog daemon, tests). defaultLevel
// applies unless overridden by the MESHCORE_LOG_LEVEL environment
// variable.
func SetupLogging(prefix string, defaultLevel logging.Level, trySyslog bool) (log *logging.Logger) {
	log = logging.MustGetLogger(prefix)
	level := defaultLevel

	if envLevel := os.Getenv("MESHCORE_LOG_LEVEL"); envLevel != "" {
		if parsed, err := logging.LogLevel(envLevel); err == nil {
			level = parsed
		}
	}

	var backend logging.Backend
	if trySyslog {
		syslogBackend, err := logging.NewSyslogBackend(prefix)
		if err == nil {
			backend = logging.NewBackendFormatter(syslogBackend, syslogFormat)
		}
	}
	if backend == nil {
		stderrBackend := logging.NewLogBackend(os.Stderr, "", 0)
		backend = logging.NewBackendFormatter(stderrBackend, stderrFormat)
	}

	leveled := logging.AddModuleLevel(backend)
	leveled.SetLevel(level, "")
	logging.SetBackend(leveled)

	return log
}

// syslogPriority maps a logging.Level to the syslog priority the teacher's
// logging_syslog.go companion file used, for code in this package that
// configures a raw log/syslog.Writer. Nothing calls it at present.
func syslogPriority(level logging.Level) syslog.Priority {
	switch level {
	case logging.CRITICAL:
		return syslog.LOG_CRIT
	case logging.ERROR:
		return syslog.LOG_ERR
	case logging.WARNING:
		return syslog.LOG_WARNING
	case logging.NOTICE:
		return syslog.LOG_NOTICE
	case logging.INFO:
		return syslog.LOG_INFO
	default:
		return syslog.LOG_DEBUG
	}
}
