// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-x11loop/device"
	"github.com/joeycumines/logiface"
)

// DeviceEvents controls when [DeviceEvent] values carrying raw input (scroll
// and motion) are delivered. Hotplug events are always delivered.
type DeviceEvents uint8

const (
	// DeviceEventsWhenFocused delivers raw input only while one of the
	// application's windows has focus. This is the default.
	DeviceEventsWhenFocused DeviceEvents = iota
	// DeviceEventsAlways delivers raw input regardless of focus.
	DeviceEventsAlways
	// DeviceEventsNever never delivers raw input.
	DeviceEventsNever
)

func (x DeviceEvents) String() string {
	switch x {
	case DeviceEventsWhenFocused:
		return "WhenFocused"
	case DeviceEventsAlways:
		return "Always"
	case DeviceEventsNever:
		return "Never"
	default:
		return fmt.Sprintf("DeviceEvents(%d)", uint8(x))
	}
}

// allowed reports whether raw device input may be delivered.
func (x DeviceEvents) allowed(focused bool) bool {
	return x == DeviceEventsAlways || (x == DeviceEventsWhenFocused && focused)
}

// loopOptions holds configuration options for EventLoop creation.
type loopOptions struct {
	logger         *logiface.Logger[logiface.Event]
	errorRates     map[time.Duration]int
	deviceSelector device.Selector
	deviceEvents   DeviceEvents
	metricsEnabled bool
}

// --- Loop Options ---

// LoopOption configures an EventLoop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger configures structured logging. A nil logger (the default)
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithDeviceSelector sets the selector passed to the device registry's Init
// hook, by New. Defaults to [device.AllDevices].
func WithDeviceSelector(selector device.Selector) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.deviceSelector = selector
		return nil
	}}
}

// WithDeviceEvents sets the initial [DeviceEvents] filter, which may later
// be changed with [Target.SetListenDeviceEvents].
func WithDeviceEvents(filter DeviceEvents) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if filter > DeviceEventsNever {
			return fmt.Errorf("eventloop: invalid device events filter: %d", filter)
		}
		opts.deviceEvents = filter
		return nil
	}}
}

// WithMetrics enables runtime metrics collection.
// When enabled, metrics can be accessed via EventLoop.Metrics().
func WithMetrics(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithErrorRateLimit configures the rate limits applied to logs of
// recoverable errors (e.g. a failed activation token), per category and key,
// in the format accepted by catrate.NewLimiter. A nil or empty map disables
// rate limiting.
func WithErrorRateLimit(rates map[time.Duration]int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.errorRates = rates
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		deviceSelector: device.AllDevices,
		deviceEvents:   DeviceEventsWhenFocused,
		errorRates:     defaultErrorRates,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
