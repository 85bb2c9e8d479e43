package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples entries below ErrorLevel per cfg. Errors always
// pass.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	errors := &rangeCore{Core: core, keep: func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel }}
	rest := &rangeCore{Core: core, keep: func(l zapcore.Level) bool { return l < zapcore.ErrorLevel }}
	sampled := zapcore.NewSamplerWithOptions(rest, cfg.Tick.Duration(), cfg.Initial, cfg.Thereafter)
	return zapcore.NewTee(errors, sampled)
}

// rangeCore drops entries whose level keep rejects.
type rangeCore struct {
	zapcore.Core
	keep func(zapcore.Level) bool
}

func (c *rangeCore) Enabled(l zapcore.Level) bool {
	return c.keep(l) && c.Core.Enabled(l)
}

func (c *rangeCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.keep(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *rangeCore) With(fields []zapcore.Field) zapcore.Core {
	return &rangeCore{Core: c.Core.With(fields), keep: c.keep}
}
