//go:build linux

// Example: An X11 Window
//
// This example demonstrates driving a window with the event loop:
// - Opening an X connection and creating a window
// - Waiting for events, and redrawing on demand
// - Requesting activation tokens
// - Receiving raw scroll input from the device registry
// - Exiting with a code
//
// Run with: go run ./eventloop/examples/01_x11_window/
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joeycumines/go-x11loop/eventloop"
	"github.com/joeycumines/go-x11loop/xconn"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// quit is sent by a proxy once the server connection is lost.
type quit struct{}

func main() {
	display := flag.String("display", "", "X display, defaults to $DISPLAY")
	title := flag.String("title", "x11loop", "window title")
	debug := flag.Bool("debug", false, "enable debug logging")
	always := flag.Bool("always", false, "deliver raw device input regardless of focus")
	timeout := flag.Duration("timeout", 0, "exit after this long, if non-zero")
	flag.Parse()

	level := logiface.LevelInformational
	if *debug {
		level = logiface.LevelDebug
	}
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(level),
	).Logger()

	conn, err := xconn.Open(xconn.WithDisplay(*display), xconn.WithLogger(logger))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	deviceEvents := eventloop.DeviceEventsWhenFocused
	if *always {
		deviceEvents = eventloop.DeviceEventsAlways
	}

	loop, err := eventloop.New[quit](
		conn,
		eventloop.WithLogger(logger),
		eventloop.WithDeviceEvents(deviceEvents),
		eventloop.WithMetrics(true),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	window, err := conn.CreateWindow(*title, 640, 480)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := eventloop.RegisterWindow(loop.Target(), window); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	proxy := loop.Proxy()
	go func() {
		<-conn.Done()
		_ = proxy.SendEvent(quit{})
	}()

	var deadline time.Time
	if *timeout > 0 {
		deadline = time.Now().Add(*timeout)
	}

	redraws := 0
	code, err := loop.Run(func(event eventloop.Event, target *eventloop.Target[quit], cf *eventloop.ControlFlow) {
		switch ev := event.(type) {
		case eventloop.NewEvents:
			if !deadline.IsZero() && ev.Cause.Kind == eventloop.CauseResumeTimeReached {
				*cf = eventloop.ExitWithCode(0)
			}

		case eventloop.WindowEvent:
			switch kind := ev.Event.(type) {
			case eventloop.CloseRequested:
				fmt.Println("close requested")
				*cf = eventloop.ExitWithCode(0)
			case eventloop.MouseInput:
				if kind.Pressed {
					_ = target.RequestRedraw(ev.Window)
				}
			case eventloop.KeyboardInput:
				if kind.Pressed {
					serial, err := target.RequestActivationToken(ev.Window)
					fmt.Printf("activation token %d requested: %v\n", serial, err)
				}
			case eventloop.ActivationTokenDone:
				fmt.Printf("activation token %d: %s\n", kind.Serial, kind.Token)
			case eventloop.Resized:
				fmt.Printf("resized to %dx%d\n", kind.Width, kind.Height)
			}

		case eventloop.DeviceEvent:
			switch kind := ev.Event.(type) {
			case eventloop.Scroll:
				fmt.Printf("device %d scrolled %.2f (%s)\n", ev.Device, kind.Delta, kind.Orientation)
			case eventloop.DeviceAdded:
				fmt.Printf("device %d added\n", ev.Device)
			case eventloop.DeviceRemoved:
				fmt.Printf("device %d removed\n", ev.Device)
			}

		case eventloop.UserEvent[quit]:
			fmt.Println("connection lost")
			*cf = eventloop.ExitWithCode(1)

		case eventloop.RedrawRequested:
			redraws++
			fmt.Printf("redraw %d of window %d\n", redraws, ev.Window)

		case eventloop.RedrawEventsCleared:
			if _, ok := cf.ExitCode(); ok {
				return
			}
			if deadline.IsZero() {
				*cf = eventloop.Wait()
			} else {
				*cf = eventloop.WaitUntil(deadline)
			}

		case eventloop.LoopDestroyed:
			if m := loop.Metrics(); m != nil {
				fmt.Printf("iterations: %d, p99 iteration: %v\n", m.Iterations, m.Latency.P99)
			}
		}
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	_ = conn.Close()
	os.Exit(code)
}
