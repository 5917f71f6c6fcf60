package tnet

import (
	"github.com/go-i2p/logger"
)

// logInstance is the process-wide structured logger backing Debug/Info/
// Warning/Error below. github.com/go-i2p/logger wraps logrus and picks its
// level up from its own environment on first use.
var logInstance = logger.GetGoI2PLogger()

// Debug logs a debug-level message. Use for per-frame, per-packet detail
// that is only useful while actively debugging a connection.
func Debug(format string, args ...interface{}) {
	if len(args) == 0 {
		logInstance.Debug(format)
		return
	}
	logInstance.Debugf(format, args...)
}

// Info logs an info-level message: connection lifecycle events, session
// issuance, reconnection outcomes.
func Info(format string, args ...interface{}) {
	if len(args) == 0 {
		logInstance.Info(format)
		return
	}
	logInstance.Infof(format, args...)
}

// Warning logs a recoverable anomaly: a handler returning an error, a
// broadcast that failed to reach one recipient, a dropped frame.
func Warning(format string, args ...interface{}) {
	if len(args) == 0 {
		logInstance.Warn(format)
		return
	}
	logInstance.Warnf(format, args...)
}

// Error logs a failure that terminated a connection or operation.
func Error(format string, args ...interface{}) {
	if len(args) == 0 {
		logInstance.Error(format)
		return
	}
	logInstance.Errorf(format, args...)
}
