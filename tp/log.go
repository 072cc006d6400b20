package tp

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LogLevel is the severity handed to a LogFunc.
type LogLevel int

const (
	LogOkay    LogLevel = 0
	LogInfo    LogLevel = 1
	LogWarning LogLevel = 3
	LogError   LogLevel = 4
	LogFatal   LogLevel = 5
	LogDebug   LogLevel = 6
)

func (l LogLevel) String() string {
	switch l {
	case LogOkay:
		return "OKAY"
	case LogInfo:
		return "INFO"
	case LogWarning:
		return "WARNING"
	case LogError:
		return "ERROR"
	case LogFatal:
		return "FATAL"
	case LogDebug:
		return "DEBUG"
	default:
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
}

// LogFunc receives diagnostic messages from a Link. It is called with the
// Link locked and must not call back into it.
type LogFunc func(level LogLevel, msg string)

func discardLog(LogLevel, string) {}

// LogrusLogger adapts a logrus entry. Fatal is logged as an error; a Link
// never terminates the process.
func LogrusLogger(entry *logrus.Entry) LogFunc {
	return func(level LogLevel, msg string) {
		switch level {
		case LogDebug:
			entry.Debug(msg)
		case LogWarning:
			entry.Warn(msg)
		case LogError:
			entry.Error(msg)
		case LogFatal:
			entry.WithField("severity", LogFatal.String()).Error(msg)
		default:
			entry.Info(msg)
		}
	}
}
