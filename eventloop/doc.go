// Package eventloop implements the event loop of an X11 windowing backend: a
// single-goroutine, cooperative scheduler that multiplexes the server
// connection, user-submitted events, redraw requests and activation-token
// requests into one ordered stream of [Event] values, delivered to a
// [Handler].
//
// # Iteration Order
//
// Every iteration delivers, strictly in this order:
//  1. [NewEvents], carrying the [StartCause]
//  2. [Resumed], on the first iteration only
//  3. translated native events (device events are interpreted by the loop)
//  4. [WindowEvent] values carrying [ActivationTokenDone]
//  5. [UserEvent] values, FIFO
//  6. [MainEventsCleared]
//  7. [RedrawRequested], at most once per window
//  8. [RedrawEventsCleared]
//
// The loop then consults the [ControlFlow] the handler left behind, and
// either blocks (epoll) until a source is ready, or exits, delivering
// [LoopDestroyed] as the very last event.
//
// # Thread Safety
//
// The loop, and every handler invocation, runs on one OS-thread-locked
// goroutine. Only the producer entry points are safe to call from other
// goroutines:
//   - [Proxy.SendEvent]
//   - [Target.RequestRedraw]
//   - [Target.RequestActivationToken]
//
// Each producer pushes under its channel's mutex, then signals the channel's
// eventfd, so the loop never misses a wakeup.
//
// # Platform Support
//
// Linux only (epoll, eventfd).
//
// # Usage
//
//	conn, err := xconn.Open()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	loop, err := eventloop.New[string](conn, eventloop.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	code, err := loop.Run(func(ev eventloop.Event, target *eventloop.Target[string], cf *eventloop.ControlFlow) {
//	    *cf = eventloop.Wait()
//	    if ev, ok := ev.(eventloop.WindowEvent); ok {
//	        if _, ok := ev.Event.(eventloop.CloseRequested); ok {
//	            *cf = eventloop.ExitWithCode(0)
//	        }
//	    }
//	})
package eventloop
