// Package examples contains runnable example programs demonstrating
// the eventloop package functionality.
//
// # Examples
//
// The examples directory contains the following subdirectories:
//
//   - 01_x11_window: A window driven by the loop, over a real X server
//
// # Running Examples
//
// Each example can be run from the repository root:
//
//	go run ./eventloop/examples/01_x11_window/
//
// # Prerequisites
//
// Examples require an X server with XInput 2.2, e.g. Xvfb, and $DISPLAY
// set accordingly.
package examples
