// Package definition holds the default, swappable implementations of the
// ambient capabilities every layer depends on: logging today, config/hosts
// parsing helpers alongside it.
package definition

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/dvx-labs/reliastack/pkg/stack/types"
)

// Logger is the default types.Logger implementation, backed by logrus.
// The teacher's own DefaultLogger wrapped the stdlib *log.Logger with a
// level-prefix helper; here the same method surface wraps a
// *logrus.Logger instead, since the teacher's transport code already
// reaches for the logrus-adjacent "github.com/prometheus/common/log"
// facade for exactly this purpose.
type Logger struct {
	entry *logrus.Logger
}

// NewLogger builds the default logger, writing to stderr at info level.
func NewLogger(processId types.ProcessId) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	l.SetLevel(logrus.InfoLevel)
	return &Logger{entry: l}
}

func (l *Logger) ToggleDebug(on bool) bool {
	if on {
		l.entry.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.SetLevel(logrus.InfoLevel)
	}
	return on
}

func (l *Logger) Info(v ...interface{})                 { l.entry.Infoln(v...) }
func (l *Logger) Infof(format string, v ...interface{}) { l.entry.Infof(format, v...) }
func (l *Logger) Warn(v ...interface{})                 { l.entry.Warnln(v...) }
func (l *Logger) Warnf(format string, v ...interface{}) { l.entry.Warnf(format, v...) }
func (l *Logger) Error(v ...interface{})                { l.entry.Errorln(v...) }
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}
func (l *Logger) Debug(v ...interface{})                 { l.entry.Debugln(v...) }
func (l *Logger) Debugf(format string, v ...interface{}) { l.entry.Debugf(format, v...) }
func (l *Logger) Fatalf(format string, v ...interface{}) { l.entry.Fatalf(format, v...) }

var _ types.Logger = (*Logger)(nil)
