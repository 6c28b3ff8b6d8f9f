package eventloop

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// Log categories, attached to every entry as the "category" field.
const (
	categoryPoll       = "poll"
	categoryActivation = "activation"
	categoryDevice     = "device"
	categoryShutdown   = "shutdown"
)

// defaultErrorRates bounds recoverable error logs per (category, key).
var defaultErrorRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

// limitKey is the catrate category of a recoverable error.
type limitKey struct {
	key      any
	category string
}

// loopLogger wraps the (optional) logger with per-category rate limiting of
// recoverable errors, which are never surfaced to the handler.
//
// Thread Safety: used only from the loop goroutine.
type loopLogger struct {
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
	// suppressed counts entries dropped since the last one logged, per key
	suppressed map[limitKey]int
}

func newLoopLogger(logger *logiface.Logger[logiface.Event], limiter *catrate.Limiter) *loopLogger {
	return &loopLogger{
		logger:     logger,
		limiter:    limiter,
		suppressed: make(map[limitKey]int),
	}
}

// build returns a builder tagged with the category. It returns nil if the
// level is disabled, which is safe to chain.
func (x *loopLogger) build(level logiface.Level, category string) *logiface.Builder[logiface.Event] {
	b := x.logger.Build(level)
	if !b.Enabled() {
		return nil
	}
	return b.Str("category", category)
}

func (x *loopLogger) debug(category string) *logiface.Builder[logiface.Event] {
	return x.build(logiface.LevelDebug, category)
}

func (x *loopLogger) critical(category string) *logiface.Builder[logiface.Event] {
	return x.build(logiface.LevelCritical, category)
}

func (x *loopLogger) warning(category string) *logiface.Builder[logiface.Event] {
	return x.build(logiface.LevelWarning, category)
}

// limited returns an error-level builder, or nil if the (category, key) pair
// is currently rate limited. The key must be comparable.
func (x *loopLogger) limited(category string, key any) *logiface.Builder[logiface.Event] {
	b := x.build(logiface.LevelError, category)
	if b == nil {
		return nil
	}
	k := limitKey{category: category, key: key}
	if _, ok := x.limiter.Allow(k); !ok {
		x.suppressed[k]++
		b.Release()
		return nil
	}
	if n := x.suppressed[k]; n != 0 {
		delete(x.suppressed, k)
		b = b.Int("suppressed", n)
	}
	return b
}

// newErrorLimiter builds the limiter for WithErrorRateLimit, converting
// catrate's panic on invalid rates into an error.
func newErrorLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	if len(rates) == 0 {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			limiter = nil
			err = fmt.Errorf("eventloop: invalid error rate limit: %v", r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}
