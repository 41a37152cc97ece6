package job

// Options holds the configurable attributes of a new job.
type Options struct {
	priority Priority
	data     []byte
}

func defaultOptions() Options {
	return Options{priority: PriorityNormal}
}

// Option configures a new job.
type Option func(*Options)

// WithPriority sets the job's priority. Values outside the known set are
// coerced to normal when the job is created through the queue.
func WithPriority(p Priority) Option {
	return func(o *Options) { o.priority = p }
}

// WithData attaches an opaque payload. The queue never inspects it; it is
// stored and returned byte-for-byte.
func WithData(data []byte) Option {
	return func(o *Options) { o.data = data }
}
