package gologger

import (
	"context"
	"fmt"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/sirupsen/logrus"
)

// LogrusProvider names component loggers over one logrus logger.
type LogrusProvider struct {
	base *logrus.Logger
}

func NewLogrusProvider(base *logrus.Logger) *LogrusProvider {
	if base == nil {
		base = logrus.New()
		base.SetFormatter(&logrus.JSONFormatter{})
	}
	return &LogrusProvider{base: base}
}

func (p *LogrusProvider) GetLogger(name string) glog.Logger {
	return &LogrusLogger{entry: p.base.WithField("component", name)}
}

// LogrusLogger adapts a logrus entry to glog. Trailing args are read as
// key/value pairs.
type LogrusLogger struct {
	entry *logrus.Entry
}

func (l *LogrusLogger) Trace(msg string, args ...any) { l.with(args).Trace(msg) }
func (l *LogrusLogger) Debug(msg string, args ...any) { l.with(args).Debug(msg) }
func (l *LogrusLogger) Info(msg string, args ...any)  { l.with(args).Info(msg) }
func (l *LogrusLogger) Warn(msg string, args ...any)  { l.with(args).Warn(msg) }
func (l *LogrusLogger) Error(msg string, args ...any) { l.with(args).Error(msg) }
func (l *LogrusLogger) Fatal(msg string, args ...any) { l.with(args).Fatal(msg) }

func (l *LogrusLogger) WithContext(ctx context.Context) glog.Logger {
	return &LogrusLogger{entry: l.entry.WithContext(ctx)}
}

func (l *LogrusLogger) with(args []any) *logrus.Entry {
	if len(args) == 0 {
		return l.entry
	}
	fields := make(logrus.Fields, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		key := fmt.Sprint(args[i])
		if i+1 >= len(args) {
			fields["extra"] = args[i]
			break
		}
		fields[key] = args[i+1]
	}
	return l.entry.WithFields(fields)
}

var (
	_ glog.LoggerProvider = (*LogrusProvider)(nil)
	_ glog.Logger         = (*LogrusLogger)(nil)
)
