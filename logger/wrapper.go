package logger

type LevelWrapper struct {
	Base
	args []any
}

func WrapLogger(l Base) Logger {
	return &LevelWrapper{Base: l}
}

func (w *LevelWrapper) log(level LogLevel, msg string, kv ...any) {
	if len(w.args) > 0 {
		merged := make([]any, 0, len(w.args)+len(kv))
		merged = append(merged, w.args...)
		merged = append(merged, kv...)
		kv = merged
	}

	w.Log(level, msg, kv...)
}

func (w *LevelWrapper) Debug(msg string, kv ...any) {
	w.log(DebugLevel, msg, kv...)
}

func (w *LevelWrapper) Info(msg string, kv ...any) {
	w.log(InfoLevel, msg, kv...)
}

func (w *LevelWrapper) Warn(msg string, kv ...any) {
	w.log(WarnLevel, msg, kv...)
}

func (w *LevelWrapper) Error(msg string, kv ...any) {
	w.log(ErrorLevel, msg, kv...)
}

func (w *LevelWrapper) With(kv ...any) Logger {
	return &LevelWrapper{
		Base: w.Base,
		args: append(append([]any{}, w.args...), kv...),
	}
}
