package logger

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// PionLoggerFactory routes pion's leveled logging into zap.
type PionLoggerFactory struct {
	base *zap.SugaredLogger
}

// NewPionLoggerFactory returns a logging.LoggerFactory backed by base.
func NewPionLoggerFactory(base *zap.Logger) *PionLoggerFactory {
	return &PionLoggerFactory{base: base.Named("pion").Sugar()}
}

// NewLogger implements logging.LoggerFactory.
func (f *PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{log: f.base.With("scope", scope)}
}

var _ logging.LoggerFactory = (*PionLoggerFactory)(nil)

type pionLogger struct {
	log *zap.SugaredLogger
}

// zap has no trace level; pion trace output goes to debug.
func (l *pionLogger) Trace(msg string)                          { l.log.Debug(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { l.log.Debugf(format, args...) }
func (l *pionLogger) Debug(msg string)                          { l.log.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.log.Debugf(format, args...) }
func (l *pionLogger) Info(msg string)                           { l.log.Info(msg) }
func (l *pionLogger) Infof(format string, args ...interface{})  { l.log.Infof(format, args...) }
func (l *pionLogger) Warn(msg string)                           { l.log.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{})  { l.log.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                          { l.log.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) { l.log.Errorf(format, args...) }
