//go:build linux

package eventloop

import (
	"fmt"
	"maps"
	"runtime"
	"slices"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-x11loop/device"
)

// scavengeBatch is the number of window registry entries checked per
// iteration.
const scavengeBatch = 16

type (
	// Connection is the windowing-server connection, consumed by the loop.
	Connection interface {
		// Fd returns the descriptor that becomes readable when PollEvent may
		// return an event.
		Fd() int

		// Pending reports whether PollEvent would return an event, without
		// blocking.
		Pending() bool

		// PollEvent pops the next native event, or returns false if none is
		// buffered. It must never block.
		PollEvent() (NativeEvent, bool)

		// Translate converts a native event into zero or more events, passing
		// each to emit, in order.
		Translate(ev NativeEvent, emit func(Event))

		device.Querier
	}

	// DeviceEventSelector may be implemented by a Connection, to be told
	// whether raw device input is currently wanted, e.g. to update the
	// server-side event mask.
	DeviceEventSelector interface {
		SelectDeviceEvents(enabled bool) error
	}

	// Window is a window, as seen by the loop.
	Window interface {
		ID() WindowID
		// GenerateActivationToken is called on the loop goroutine, while
		// delivering the activation tokens of an iteration.
		GenerateActivationToken() (string, error)
	}

	// Handler receives every event. The ControlFlow it leaves behind is
	// consulted after RedrawEventsCleared.
	Handler[T any] func(event Event, target *Target[T], cf *ControlFlow)
)

// loopTestHooks provides injection points for deterministic testing.
type loopTestHooks struct {
	PrePollSleep func() // Called before blocking
	PrePollAwake func() // Called after blocking, before checking readiness
}

// EventLoop multiplexes a Connection, user events, redraw requests and
// activation-token requests into one ordered stream of events, delivered to
// a Handler, on one goroutine.
type EventLoop[T any] struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	// HOOKS: Test hooks for deterministic testing
	testHooks *loopTestHooks

	state   *FastState
	conn    Connection
	mux     *multiplexer[T]
	devices *device.Registry
	windows *registry
	log     *loopLogger
	metrics *loopMetrics
	target  *Target[T]

	// valid only during Run
	handler Handler[T]
	emit    func(Event)
	cf      ControlFlow

	// focused windows, raw device input may be delivered while non-empty
	focused map[WindowID]struct{}

	// redraw coalescing, reused each iteration
	redrawSeen  map[WindowID]struct{}
	redrawOrder []WindowID

	deviceEvents atomic.Uint32 // DeviceEvents

	// last value passed to DeviceEventSelector
	deviceSelection struct {
		enabled bool
		known   bool
	}

	activationSerial atomic.Uint64

	// Goroutine tracking
	loopGoroutineID atomic.Uint64
}

// New constructs an event loop over conn, and runs the device registry's
// Init hook, with the selector configured by WithDeviceSelector.
func New[T any](conn Connection, opts ...LoopOption) (*EventLoop[T], error) {
	if conn == nil {
		return nil, ErrNilConnection
	}

	options, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	limiter, err := newErrorLimiter(options.errorRates)
	if err != nil {
		return nil, err
	}

	devices, err := device.NewRegistry(conn, options.logger)
	if err != nil {
		return nil, err
	}

	mux, err := newMultiplexer[T](conn)
	if err != nil {
		return nil, fmt.Errorf("eventloop: multiplexer: %w", err)
	}

	l := &EventLoop[T]{
		state:      NewFastState(),
		conn:       conn,
		mux:        mux,
		devices:    devices,
		windows:    newRegistry(),
		log:        newLoopLogger(options.logger, limiter),
		focused:    make(map[WindowID]struct{}),
		redrawSeen: make(map[WindowID]struct{}),
	}
	l.target = &Target[T]{loop: l}
	l.emit = l.emitTranslated
	l.deviceEvents.Store(uint32(options.deviceEvents))
	if options.metricsEnabled {
		l.metrics = newLoopMetrics()
	}

	if err := devices.Init(options.deviceSelector); err != nil {
		// not fatal, hotplug events will populate the registry
		l.log.limited(categoryDevice, options.deviceSelector).
			Err(err).
			Log("device initialization failed")
	}

	return l, nil
}

// Target returns the handle passed to the handler, which may be used before
// Run, e.g. to register windows.
func (l *EventLoop[T]) Target() *Target[T] { return l.target }

// Proxy returns a goroutine-safe sender of user events.
func (l *EventLoop[T]) Proxy() Proxy[T] { return Proxy[T]{ch: l.mux.user} }

// Devices returns the device registry. It is not thread-safe, and must only
// be used before Run, or from the handler.
func (l *EventLoop[T]) Devices() *device.Registry { return l.devices }

// State returns the current state of the loop.
func (l *EventLoop[T]) State() LoopState { return l.state.Load() }

// Metrics returns a snapshot of the runtime metrics, or nil if they were
// not enabled with WithMetrics.
func (l *EventLoop[T]) Metrics() *Metrics {
	if l.metrics == nil {
		return nil
	}
	m := l.metrics.snapshot()
	return &m
}

// Close releases the resources of a loop that was never run. Run releases
// them itself.
func (l *EventLoop[T]) Close() error {
	if l.state.TryTransition(StateAwake, StateExited) {
		return l.mux.close()
	}
	if l.state.IsTerminal() {
		return nil
	}
	return ErrLoopAlreadyRunning
}

// Run runs the loop on the calling goroutine, which is locked to its OS
// thread, until the handler sets ExitWithCode, or waiting fails. It returns
// the exit code.
//
// A fatal *PollError aborts the loop immediately, in which case the code is
// the errno of the failure (or 1). LoopDestroyed is delivered in either case.
//
// Run may be called only once.
func (l *EventLoop[T]) Run(handler Handler[T]) (int, error) {
	if handler == nil {
		return 1, ErrNilHandler
	}

	if l.isLoopThread() {
		return 1, ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateDraining) {
		if l.state.IsTerminal() {
			return 1, ErrLoopTerminated
		}
		return 1, ErrLoopAlreadyRunning
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	l.handler = handler
	l.cf = Poll()

	code, err := l.run()

	// producers are rejected from this point, including from the handler
	l.state.Store(StateExited)
	if closeErr := l.mux.close(); closeErr != nil {
		l.log.warning(categoryShutdown).Err(closeErr).Log("failed to release multiplexer")
	}

	l.handler(LoopDestroyed{}, l.target, &l.cf)
	l.handler = nil

	return code, err
}

func (l *EventLoop[T]) run() (int, error) {
	cause := StartCause{Kind: CauseInit}
	for {
		l.iterate(cause)

		if code, ok := l.cf.ExitCode(); ok {
			l.log.debug(categoryShutdown).Int("code", code).Log("exit requested")
			return code, nil
		}

		p, _ := plan(l.cf, time.Now())

		if err := l.wait(p); err != nil {
			l.log.critical(categoryPoll).Err(err).Log("poll failed, aborting loop")
			return err.Code(), err
		}

		cause = p.cancelled(time.Now())
	}
}

// wait blocks according to the plan, unless an iteration already has
// something to deliver.
func (l *EventLoop[T]) wait(p waitPlan) *PollError {
	for !l.mux.hasPending() {
		l.state.TryTransition(StateDraining, StateIdle)

		if l.testHooks != nil && l.testHooks.PrePollSleep != nil {
			l.testHooks.PrePollSleep()
		}

		err := l.mux.blockUntil(p.timeoutMs())

		if l.testHooks != nil && l.testHooks.PrePollAwake != nil {
			l.testHooks.PrePollAwake()
		}

		l.state.TryTransition(StateIdle, StateDraining)

		if err != nil {
			return err
		}

		// A wake with nothing produced (e.g. an eventfd already acknowledged
		// by a drain) must not run an empty iteration, when waiting
		// indefinitely. Activation tokens are checked here, but not by
		// hasPending, so they are never stranded.
		if p.forever && !l.mux.hasPending() && l.mux.pendingActivation.Length() == 0 {
			continue
		}
		break
	}
	return nil
}

// iterate delivers one full iteration.
func (l *EventLoop[T]) iterate(cause StartCause) {
	start := time.Now()

	l.deliver(NewEvents{Cause: cause})

	if cause.Kind == CauseInit {
		l.deliver(Resumed{})
	}

	l.drainNative()
	l.drainActivation()
	l.drainUser()

	l.deliver(MainEventsCleared{})

	l.drainRedraw()

	l.deliver(RedrawEventsCleared{})

	l.windows.Scavenge(scavengeBatch)

	if l.metrics != nil {
		l.metrics.recordIteration(time.Since(start))
	}
}

// deliver invokes the handler. Once the control flow is ExitWithCode, the
// handler receives a copy, so the exit is sticky.
func (l *EventLoop[T]) deliver(ev Event) {
	if _, ok := l.cf.ExitCode(); ok {
		dummy := l.cf
		l.handler(ev, l.target, &dummy)
		return
	}
	l.handler(ev, l.target, &l.cf)
}

func (l *EventLoop[T]) drainNative() {
	l.syncDeviceEvents()
	for {
		ev, ok := l.conn.PollEvent()
		if !ok {
			return
		}
		switch ev := ev.(type) {
		case device.HierarchyEvent:
			l.handleHierarchy(ev)
		case device.ChangedEvent:
			if err := l.devices.ResetScrollPosition(ev.ID); err != nil {
				l.log.limited(categoryDevice, ev.ID).
					Err(err).
					Int("device", int(ev.ID)).
					Log("failed to reset scroll position")
			}
		case device.RawValuatorEvent:
			l.handleRawValuators(ev)
		default:
			l.conn.Translate(ev, l.emit)
		}
	}
}

// emitTranslated is passed to Connection.Translate. Redraw requests are
// redirected to the redraw queue, so coalescing is the only path by which
// they are delivered.
func (l *EventLoop[T]) emitTranslated(ev Event) {
	switch ev := ev.(type) {
	case RedrawRequested:
		l.mux.pendingRedraw.Push(ev.Window)
		return
	case WindowEvent:
		switch kind := ev.Event.(type) {
		case Focused:
			l.setFocused(ev.Window, kind.Focused)
		case Destroyed:
			l.setFocused(ev.Window, false)
		}
	}
	l.deliver(ev)
}

func (l *EventLoop[T]) handleHierarchy(ev device.HierarchyEvent) {
	for _, change := range ev.Changes {
		switch {
		case change.Added():
			if err := l.devices.OnHotplug(change.ID); err != nil {
				l.log.limited(categoryDevice, change.ID).
					Err(err).
					Int("device", int(change.ID)).
					Log("failed to query added device")
			}
			l.deliver(DeviceEvent{Device: change.ID, Event: DeviceAdded{}})
		case change.Removed():
			l.devices.OnRemoval(change.ID)
			l.deliver(DeviceEvent{Device: change.ID, Event: DeviceRemoved{}})
		}
	}
}

// handleRawValuators updates scroll calibration for every report, but only
// delivers events while raw device input is allowed.
func (l *EventLoop[T]) handleRawValuators(ev device.RawValuatorEvent) {
	allowed := l.deviceSelection.enabled
	for _, axis := range slices.Sorted(maps.Keys(ev.Values)) {
		value := ev.Values[axis]
		if delta, ok := l.devices.TranslateRaw(ev.ID, axis, value); ok {
			if allowed {
				l.deliver(DeviceEvent{Device: ev.ID, Event: Scroll{ScrollDelta: delta}})
			}
		} else if allowed {
			l.deliver(DeviceEvent{Device: ev.ID, Event: Motion{Axis: axis, Value: value}})
		}
	}
}

func (l *EventLoop[T]) setFocused(id WindowID, focused bool) {
	if focused {
		l.focused[id] = struct{}{}
	} else {
		delete(l.focused, id)
	}
	l.syncDeviceEvents()
}

// syncDeviceEvents recomputes whether raw device input is allowed, notifying
// the connection's DeviceEventSelector (if any) when it changes.
func (l *EventLoop[T]) syncDeviceEvents() {
	enabled := DeviceEvents(l.deviceEvents.Load()).allowed(len(l.focused) != 0)
	if l.deviceSelection.known && l.deviceSelection.enabled == enabled {
		return
	}
	l.deviceSelection.known = true
	l.deviceSelection.enabled = enabled

	l.log.debug(categoryDevice).Bool("enabled", enabled).Log("device events selection changed")

	if selector, ok := l.conn.(DeviceEventSelector); ok {
		if err := selector.SelectDeviceEvents(enabled); err != nil {
			l.log.limited(categoryDevice, "select").
				Err(err).
				Bool("enabled", enabled).
				Log("failed to select device events")
		}
	}
}

func (l *EventLoop[T]) drainActivation() {
	l.mux.transferActivation()
	if l.metrics != nil {
		l.metrics.queue.UpdateActivation(l.mux.pendingActivation.Length())
	}
	for {
		req, ok := l.mux.pendingActivation.Pop()
		if !ok {
			return
		}

		w, ok := l.windows.lookup(req.window)
		if !ok {
			l.log.debug(categoryActivation).
				Uint64("window", uint64(req.window)).
				Uint64("serial", uint64(req.serial)).
				Log("window gone, dropping activation token request")
			continue
		}

		token, err := generateActivationToken(w)
		if err != nil {
			l.log.limited(categoryActivation, req.window).
				Err(err).
				Uint64("window", uint64(req.window)).
				Uint64("serial", uint64(req.serial)).
				Log("failed to get activation token")
			continue
		}

		l.deliver(WindowEvent{
			Window: req.window,
			Event:  ActivationTokenDone{Serial: req.serial, Token: token},
		})
	}
}

func generateActivationToken(w Window) (token string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventloop: activation token panic: %v", r)
		}
	}()
	return w.GenerateActivationToken()
}

func (l *EventLoop[T]) drainUser() {
	l.mux.transferUser()
	if l.metrics != nil {
		l.metrics.queue.UpdateUser(l.mux.pendingUser.Length())
	}
	for {
		value, ok := l.mux.pendingUser.Pop()
		if !ok {
			return
		}
		l.deliver(UserEvent[T]{Value: value})
	}
}

// drainRedraw collapses the redraw queue to unique windows, delivered in the
// order each was first requested.
func (l *EventLoop[T]) drainRedraw() {
	l.mux.transferRedraw()
	if l.metrics != nil {
		l.metrics.queue.UpdateRedraw(l.mux.pendingRedraw.Length())
	}
	for {
		id, ok := l.mux.pendingRedraw.Pop()
		if !ok {
			break
		}
		if _, ok := l.redrawSeen[id]; ok {
			continue
		}
		l.redrawSeen[id] = struct{}{}
		l.redrawOrder = append(l.redrawOrder, id)
	}

	for _, id := range l.redrawOrder {
		l.deliver(RedrawRequested{Window: id})
	}

	clear(l.redrawSeen)
	l.redrawOrder = l.redrawOrder[:0]
}

// isLoopThread checks if we're on the loop goroutine.
func (l *EventLoop[T]) isLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
