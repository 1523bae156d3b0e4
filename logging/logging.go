// Package logging defines the small leveled logger used across cachekit.
// Provide an adapter around your logging stack (see logging/zap, logging/logrus,
// logging/slog). A nil Logger anywhere in Options means logging is disabled.
package logging

// Fields is a minimal structured field map for logs.
type Fields map[string]any

// Logger is a tiny leveled logger.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

type Nop struct{}

func (Nop) Debug(string, Fields) {}
func (Nop) Info(string, Fields)  {}
func (Nop) Warn(string, Fields)  {}
func (Nop) Error(string, Fields) {}

// OrNop returns l, or Nop when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop{}
	}
	return l
}

// With returns a Logger that merges base into every call's fields.
// Call-site fields win on key collisions.
func With(l Logger, base Fields) Logger {
	if len(base) == 0 {
		return OrNop(l)
	}
	return withFields{l: OrNop(l), base: base}
}

type withFields struct {
	l    Logger
	base Fields
}

func (w withFields) merge(f Fields) Fields {
	out := make(Fields, len(w.base)+len(f))
	for k, v := range w.base {
		out[k] = v
	}
	for k, v := range f {
		out[k] = v
	}
	return out
}

func (w withFields) Debug(msg string, f Fields) { w.l.Debug(msg, w.merge(f)) }
func (w withFields) Info(msg string, f Fields)  { w.l.Info(msg, w.merge(f)) }
func (w withFields) Warn(msg string, f Fields)  { w.l.Warn(msg, w.merge(f)) }
func (w withFields) Error(msg string, f Fields) { w.l.Error(msg, w.merge(f)) }
