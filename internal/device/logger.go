package device

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NopLogger returns a logger that discards everything. Components use it when
// no logger is injected.
func NopLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// LoggerOrNop returns logger, or a NopLogger when logger is nil.
func LoggerOrNop(logger *logrus.Logger) *logrus.Logger {
	if logger == nil {
		return NopLogger()
	}
	return logger
}
