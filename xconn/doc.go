// Package xconn implements [eventloop.Connection] over an X11 connection,
// using the core protocol plus the XInput 2 extension for device hotplug and
// raw valuator input.
//
// Events are read from the server by a pump goroutine, and buffered until
// the loop pops them, with an eventfd signalling readiness.
//
// XInput 2 requests and generic events are encoded and decoded by this
// package, since the protocol bindings do not cover the extension.
package xconn
