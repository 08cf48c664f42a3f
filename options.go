package cproto

import "time"

// options holds every connection tunable: a struct of defaults and a
// set of functional options to override them, the same shape franz-go's
// cfg/option pattern takes.
type options struct {
	pipelineDepth      uint32
	bufferCapacityHint int
	loginTimeout       time.Duration
	keepAliveInterval  time.Duration
	requestTimeout     time.Duration
	logger             Logger
}

func defaultOptions() options {
	return options{
		pipelineDepth:      defaultPipelineDepth,
		bufferCapacityHint: 16 * 1024,
		loginTimeout:       0,
		keepAliveInterval:  0,
		requestTimeout:     0,
		logger:             noopLogger{},
	}
}

// Option configures a Connection at Open time.
type Option func(*options)

// WithPipelineDepth overrides the default 40-deep pipeline.
func WithPipelineDepth(depth uint32) Option {
	return func(o *options) { o.pipelineDepth = depth }
}

// WithBufferCapacityHint sizes the writer's initial buffer capacity. It
// is a hint, not a hard cap: buffers still grow as needed.
func WithBufferCapacityHint(bytes int) Option {
	return func(o *options) { o.bufferCapacityHint = bytes }
}

// WithLoginTimeout bounds dial+login; 0 means wait indefinitely.
func WithLoginTimeout(d time.Duration) Option {
	return func(o *options) { o.loginTimeout = d }
}

// WithKeepAlive sets the keep-alive ping interval; 0 disables it.
func WithKeepAlive(d time.Duration) Option {
	return func(o *options) { o.keepAliveInterval = d }
}

// WithRequestTimeout sets the default per-request deadline used when a
// caller does not supply one explicitly to Call/CallAsync.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger installs a Logger; the default is a no-op.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
