package netres

// ListOption configures a List during New.
type ListOption interface {
	apply(*List)
}

type listOption struct {
	fn func(*List)
}

func (o listOption) apply(l *List) { o.fn(l) }

// WithConfig supplies the configuration record. Without it the list runs
// on DefaultConfig.
func WithConfig(cfg Config) ListOption {
	return listOption{fn: func(l *List) { l.cfg = cfg }}
}

// WithCache attaches a checksum cache so local files are not re-hashed on
// every remote announcement. The list closes the cache on Close.
func WithCache(c *ResCache) ListOption {
	return listOption{fn: func(l *List) { l.cache = c }}
}

// WithOnComplete registers the callback invoked when a loading resource
// becomes complete.
func WithOnComplete(fn func(*Res)) ListOption {
	return listOption{fn: func(l *List) { l.onComplete = fn }}
}
