package peer

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// SlogLoggerFactory routes pion's internal logging through slog so peer
// transport logs share the process log stream and format.
type SlogLoggerFactory struct {
	Log *slog.Logger
}

func NewSlogLoggerFactory(log *slog.Logger) *SlogLoggerFactory {
	if log == nil {
		log = slog.Default()
	}
	return &SlogLoggerFactory{Log: log}
}

func (f *SlogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveled{log: f.Log.With("pion_scope", scope)}
}

type slogLeveled struct {
	log *slog.Logger
}

func (l *slogLeveled) Trace(msg string)                          { l.log.Debug(msg) }
func (l *slogLeveled) Tracef(format string, args ...interface{}) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveled) Debug(msg string)                          { l.log.Debug(msg) }
func (l *slogLeveled) Debugf(format string, args ...interface{}) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveled) Info(msg string)                           { l.log.Info(msg) }
func (l *slogLeveled) Infof(format string, args ...interface{})  { l.log.Info(fmt.Sprintf(format, args...)) }
func (l *slogLeveled) Warn(msg string)                           { l.log.Warn(msg) }
func (l *slogLeveled) Warnf(format string, args ...interface{})  { l.log.Warn(fmt.Sprintf(format, args...)) }
func (l *slogLeveled) Error(msg string)                          { l.log.Error(msg) }
func (l *slogLeveled) Errorf(format string, args ...interface{}) { l.log.Error(fmt.Sprintf(format, args...)) }
