package xconn

import (
	"github.com/joeycumines/logiface"
)

type connOptions struct {
	logger  *logiface.Logger[logiface.Event]
	display string
}

// Option configures [Open].
type Option interface {
	applyConn(*connOptions)
}

type connOptionImpl struct {
	applyConnFunc func(*connOptions)
}

func (o *connOptionImpl) applyConn(opts *connOptions) {
	o.applyConnFunc(opts)
}

// WithDisplay selects the display to connect to. The default, empty,
// uses $DISPLAY.
func WithDisplay(display string) Option {
	return &connOptionImpl{func(opts *connOptions) {
		opts.display = display
	}}
}

// WithLogger configures structured logging. A nil logger (the default)
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &connOptionImpl{func(opts *connOptions) {
		opts.logger = logger
	}}
}

func resolveConnOptions(opts []Option) *connOptions {
	var cfg connOptions
	for _, opt := range opts {
		if opt != nil {
			opt.applyConn(&cfg)
		}
	}
	return &cfg
}
