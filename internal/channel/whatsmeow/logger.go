package whatsmeow

import (
	log "github.com/sirupsen/logrus"
	waLog "go.mau.fi/whatsmeow/util/log"
)

type logrusLogger struct {
	entry  *log.Entry
	module string
}

// NewLogger adapts a logrus entry to the whatsmeow logger interface.
func NewLogger(entry *log.Entry) waLog.Logger {
	return &logrusLogger{entry: entry}
}

func (l *logrusLogger) Errorf(msg string, args ...interface{}) { l.entry.Errorf(msg, args...) }
func (l *logrusLogger) Warnf(msg string, args ...interface{})  { l.entry.Warnf(msg, args...) }
func (l *logrusLogger) Infof(msg string, args ...interface{})  { l.entry.Infof(msg, args...) }
func (l *logrusLogger) Debugf(msg string, args ...interface{}) { l.entry.Debugf(msg, args...) }

func (l *logrusLogger) Sub(module string) waLog.Logger {
	if l.module != "" {
		module = l.module + "/" + module
	}
	return &logrusLogger{entry: l.entry.WithField("module", module), module: module}
}
