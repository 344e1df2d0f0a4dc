package dedupe

// Option applies a configuration option to a Window.
type Option func(*Window)

// WithMaxSize sets the number of keys remembered. Zero or negative keeps
// every key.
func WithMaxSize(maxSize int) Option {
	return func(w *Window) {
		w.maxSize = maxSize
	}
}
