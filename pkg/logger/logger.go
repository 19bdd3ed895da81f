package logger

import (
	"fmt"
	"log/slog"
	"strings"
)

// Printf adapts an slog.Logger to the printf-style logger interfaces expected by
// third-party clients (badger.Logger, sarama.StdLogger).
type Printf struct {
	logger *slog.Logger
}

// New returns an adapter tagged with the given component name.
func New(base *slog.Logger, component string) *Printf {
	if base == nil {
		base = slog.Default()
	}
	return &Printf{logger: base.With("component", component)}
}

func (p *Printf) Errorf(format string, args ...interface{}) {
	p.logger.Error(clean(fmt.Sprintf(format, args...)))
}

func (p *Printf) Warningf(format string, args ...interface{}) {
	p.logger.Warn(clean(fmt.Sprintf(format, args...)))
}

func (p *Printf) Infof(format string, args ...interface{}) {
	p.logger.Info(clean(fmt.Sprintf(format, args...)))
}

func (p *Printf) Debugf(format string, args ...interface{}) {
	p.logger.Debug(clean(fmt.Sprintf(format, args...)))
}

// Print, Printf and Println satisfy sarama.StdLogger; they log at debug level.
func (p *Printf) Print(v ...interface{}) {
	p.logger.Debug(clean(fmt.Sprint(v...)))
}

func (p *Printf) Printf(format string, v ...interface{}) {
	p.logger.Debug(clean(fmt.Sprintf(format, v...)))
}

func (p *Printf) Println(v ...interface{}) {
	p.logger.Debug(clean(fmt.Sprintln(v...)))
}

func clean(msg string) string {
	return strings.TrimRight(msg, "\n")
}
