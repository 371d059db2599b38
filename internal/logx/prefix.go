package logx

import "github.com/slowlink/slowlink/internal/model"

// PrefixLogger is a logger with a prefix.
type PrefixLogger struct {
	// Prefix is the prefix to prepend to each message.
	Prefix string

	// Logger is the underlying logger to use.
	Logger model.Logger
}

var _ model.Logger = &PrefixLogger{}

// Debug implements [model.DebugLogger].
func (p *PrefixLogger) Debug(msg string) {
	p.Logger.Debug(p.Prefix + msg)
}

// Debugf implements [model.DebugLogger].
func (p *PrefixLogger) Debugf(format string, v ...interface{}) {
	p.Logger.Debugf(p.Prefix+format, v...)
}

// Info implements [model.Logger].
func (p *PrefixLogger) Info(msg string) {
	p.Logger.Info(p.Prefix + msg)
}

// Infof implements [model.Logger].
func (p *PrefixLogger) Infof(format string, v ...interface{}) {
	p.Logger.Infof(p.Prefix+format, v...)
}

// Warn implements [model.Logger].
func (p *PrefixLogger) Warn(msg string) {
	p.Logger.Warn(p.Prefix + msg)
}

// Warnf implements [model.Logger].
func (p *PrefixLogger) Warnf(format string, v ...interface{}) {
	p.Logger.Warnf(p.Prefix+format, v...)
}
