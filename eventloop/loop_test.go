//go:build linux

package eventloop

import (
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNew_nilConnection(t *testing.T) {
	l, err := New[int](nil)
	assert.Nil(t, l)
	assert.ErrorIs(t, err, ErrNilConnection)
}

func TestRun_firstIteration(t *testing.T) {
	l, _ := newTestLoop(t)
	rec := &recorder{inner: exitAfter(1, 3)}

	code, err := l.Run(rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, []string{
		"NewEvents(Init)",
		"Resumed",
		"MainEventsCleared",
		"RedrawEventsCleared",
		"LoopDestroyed",
	}, rec.events)
	assert.Equal(t, StateExited, l.State())
}

func TestRun_initOnlyOnce(t *testing.T) {
	l, _ := newTestLoop(t)
	rec := &recorder{inner: exitAfter(3, 0)}

	_, err := l.Run(rec.handle)
	require.NoError(t, err)

	var newEvents []string
	var resumed int
	for _, ev := range rec.events {
		switch {
		case strings.HasPrefix(ev, "NewEvents"):
			newEvents = append(newEvents, ev)
		case ev == "Resumed":
			resumed++
		}
	}
	assert.Equal(t, []string{"NewEvents(Init)", "NewEvents(Poll)", "NewEvents(Poll)"}, newEvents)
	assert.Equal(t, 1, resumed)
}

func TestRun_iterationOrder(t *testing.T) {
	l, conn := newTestLoop(t)
	w := &fakeWindow{id: 7, token: "tok"}
	require.NoError(t, RegisterWindow(l.Target(), w))

	conn.push(WindowEvent{Window: 7, Event: Resized{Width: 640, Height: 480}})
	serial, err := l.Target().RequestActivationToken(7)
	require.NoError(t, err)
	assert.Equal(t, ActivationSerial(1), serial)
	require.NoError(t, l.Proxy().SendEvent(42))
	require.NoError(t, l.Target().RequestRedraw(7))

	rec := &recorder{inner: exitAfter(1, 0)}
	_, err = l.Run(rec.handle)
	require.NoError(t, err)
	runtime.KeepAlive(w)

	assert.Equal(t, []string{
		"NewEvents(Init)",
		"Resumed",
		"Window(7,eventloop.Resized)",
		"Window(7,Activation(tok,1))",
		"User(42)",
		"MainEventsCleared",
		"Redraw(7)",
		"RedrawEventsCleared",
		"LoopDestroyed",
	}, rec.events)
}

func TestRun_userEventsFIFO(t *testing.T) {
	l, _ := newTestLoop(t)
	const n = chunkSize*2 + 44
	for i := range n {
		require.NoError(t, l.Proxy().SendEvent(i))
	}

	var values []int
	_, err := l.Run(func(ev Event, target *Target[int], cf *ControlFlow) {
		switch ev := ev.(type) {
		case UserEvent[int]:
			values = append(values, ev.Value)
		case RedrawEventsCleared:
			*cf = ExitWithCode(0)
		}
	})
	require.NoError(t, err)

	require.Len(t, values, n)
	for i, v := range values {
		if v != i {
			t.Fatalf("values[%d] = %d, want %d", i, v, i)
		}
	}
}

// Each value sent from any number of goroutines is delivered exactly once,
// in per-producer order.
func TestRun_userEventsConcurrentProducers(t *testing.T) {
	l, _ := newTestLoop(t)

	const (
		producers = 8
		perProd   = 2000
		total     = producers * perProd
	)

	next := make([]int, producers)
	var received int
	var failure string
	done := runAsync(l, func(ev Event, _ *Target[int], cf *ControlFlow) {
		switch ev := ev.(type) {
		case NewEvents:
			*cf = Wait()
		case UserEvent[int]:
			p, seq := ev.Value/perProd, ev.Value%perProd
			if failure == "" && next[p] != seq {
				failure = "out of order"
			}
			next[p] = seq + 1
			received++
			if received == total {
				*cf = ExitWithCode(0)
			}
		}
	})

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			proxy := l.Proxy()
			for seq := range perProd {
				if err := proxy.SendEvent(p*perProd + seq); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	res := awaitRun(t, done, 10*time.Second)
	require.NoError(t, res.err)
	assert.Empty(t, failure)
	assert.Equal(t, total, received)
	for p := range producers {
		assert.Equal(t, perProd, next[p], "producer %d", p)
	}
}

func TestRun_redrawCoalescing(t *testing.T) {
	l, _ := newTestLoop(t)
	target := l.Target()
	for _, id := range []WindowID{1, 1, 2, 1} {
		require.NoError(t, target.RequestRedraw(id))
	}

	rec := &recorder{inner: exitAfter(1, 0)}
	_, err := l.Run(rec.handle)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"NewEvents(Init)",
		"Resumed",
		"MainEventsCleared",
		"Redraw(1)",
		"Redraw(2)",
		"RedrawEventsCleared",
		"LoopDestroyed",
	}, rec.events)
}

// A redraw translated from the connection (e.g. an Expose) joins the redraw
// queue, rather than being delivered inline.
func TestRun_translatedRedrawIsCoalesced(t *testing.T) {
	l, conn := newTestLoop(t)
	conn.push(
		RedrawRequested{Window: 5},
		[]Event{WindowEvent{Window: 5, Event: CloseRequested{}}, RedrawRequested{Window: 5}},
	)
	require.NoError(t, l.Target().RequestRedraw(5))

	rec := &recorder{inner: exitAfter(1, 0)}
	_, err := l.Run(rec.handle)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"NewEvents(Init)",
		"Resumed",
		"Window(5,eventloop.CloseRequested)",
		"MainEventsCleared",
		"Redraw(5)",
		"RedrawEventsCleared",
		"LoopDestroyed",
	}, rec.events)
}

// Values produced by the handler while a queue is being delivered are
// delivered by the next iteration.
func TestRun_sendDuringIteration(t *testing.T) {
	l, _ := newTestLoop(t)
	var requested bool
	rec := &recorder{inner: func(ev Event, target *Target[int], cf *ControlFlow) {
		switch ev := ev.(type) {
		case NewEvents:
			if ev.Cause.Kind == CauseInit {
				if err := target.Proxy().SendEvent(1); err != nil {
					t.Error(err)
				}
			}
		case UserEvent[int]:
			if ev.Value == 1 {
				if err := target.Proxy().SendEvent(2); err != nil {
					t.Error(err)
				}
			} else {
				*cf = ExitWithCode(0)
			}
		case MainEventsCleared:
			if !requested {
				requested = true
				if err := target.RequestRedraw(9); err != nil {
					t.Error(err)
				}
			}
		case RedrawRequested:
			if ev.Window == 9 {
				if err := target.RequestRedraw(10); err != nil {
					t.Error(err)
				}
			}
		}
	}}

	_, err := l.Run(rec.handle)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"NewEvents(Init)",
		"Resumed",
		"User(1)",
		"MainEventsCleared",
		"Redraw(9)",
		"RedrawEventsCleared",
		"NewEvents(Poll)",
		"User(2)",
		"MainEventsCleared",
		"Redraw(10)",
		"RedrawEventsCleared",
		"LoopDestroyed",
	}, rec.events)
}

func TestRun_exitIsSticky(t *testing.T) {
	l, _ := newTestLoop(t)

	var observed []int
	rec := &recorder{inner: func(ev Event, _ *Target[int], cf *ControlFlow) {
		switch ev.(type) {
		case NewEvents:
			*cf = ExitWithCode(7)
		case MainEventsCleared:
			code, _ := cf.ExitCode()
			observed = append(observed, code)
			*cf = Poll()
		case RedrawEventsCleared:
			code, ok := cf.ExitCode()
			if !ok {
				t.Error("exit was undone")
			}
			observed = append(observed, code)
			*cf = ExitWithCode(9)
		case LoopDestroyed:
			code, _ := cf.ExitCode()
			observed = append(observed, code)
		}
	}}

	code, err := l.Run(rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
	assert.Equal(t, []int{7, 7, 7}, observed)
	assert.Equal(t, []string{
		"NewEvents(Init)",
		"Resumed",
		"MainEventsCleared",
		"RedrawEventsCleared",
		"LoopDestroyed",
	}, rec.events)
}

func TestRun_producersRejectedAfterExit(t *testing.T) {
	l, _ := newTestLoop(t)
	proxy := l.Proxy()

	var destroyedErr error
	_, err := l.Run(func(ev Event, target *Target[int], cf *ControlFlow) {
		switch ev.(type) {
		case RedrawEventsCleared:
			*cf = ExitWithCode(0)
		case LoopDestroyed:
			destroyedErr = target.Proxy().SendEvent(3)
		}
	})
	require.NoError(t, err)

	var closed *ClosedError[int]
	require.ErrorAs(t, destroyedErr, &closed)
	assert.Equal(t, 3, closed.Value)

	err = proxy.SendEvent(5)
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, 5, closed.Value)
	assert.ErrorIs(t, err, ErrLoopClosed)

	assert.ErrorIs(t, l.Target().RequestRedraw(1), ErrLoopClosed)
	_, err = l.Target().RequestActivationToken(1)
	assert.ErrorIs(t, err, ErrLoopClosed)

	assert.ErrorIs(t, Proxy[int]{}.SendEvent(1), ErrLoopClosed)
}

func TestRun_waitBlocksUntilEvent(t *testing.T) {
	l, _ := newTestLoop(t)

	var causes []StartCause
	done := runAsync(l, func(ev Event, _ *Target[int], cf *ControlFlow) {
		switch ev := ev.(type) {
		case NewEvents:
			causes = append(causes, ev.Cause)
			*cf = Wait()
		case UserEvent[int]:
			*cf = ExitWithCode(ev.Value)
		}
	})

	waitLoopState(t, l, StateIdle, 5*time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateIdle, l.State())
	require.NoError(t, l.Proxy().SendEvent(4))

	res := awaitRun(t, done, 5*time.Second)
	require.NoError(t, res.err)
	assert.Equal(t, 4, res.code)
	require.Len(t, causes, 2)
	assert.Equal(t, CauseWaitCancelled, causes[1].Kind)
	assert.False(t, causes[1].Start.IsZero())
	assert.True(t, causes[1].RequestedResume.IsZero())
}

func TestRun_waitUntilDeadline(t *testing.T) {
	l, _ := newTestLoop(t)

	var (
		deadline time.Time
		causes   []StartCause
		woke     time.Time
	)
	_, err := l.Run(func(ev Event, _ *Target[int], cf *ControlFlow) {
		switch ev := ev.(type) {
		case NewEvents:
			causes = append(causes, ev.Cause)
			if ev.Cause.Kind != CauseInit {
				woke = time.Now()
				*cf = ExitWithCode(0)
			}
		case RedrawEventsCleared:
			if deadline.IsZero() {
				deadline = time.Now().Add(30 * time.Millisecond)
				*cf = WaitUntil(deadline)
			}
		}
	})
	require.NoError(t, err)

	require.Len(t, causes, 2)
	assert.Equal(t, CauseResumeTimeReached, causes[1].Kind)
	assert.True(t, causes[1].RequestedResume.Equal(deadline))
	assert.False(t, woke.Before(deadline), "woke %v before deadline", deadline.Sub(woke))
}

func TestRun_waitUntilCancelled(t *testing.T) {
	l, _ := newTestLoop(t)
	deadline := time.Now().Add(time.Minute)

	var causes []StartCause
	done := runAsync(l, func(ev Event, _ *Target[int], cf *ControlFlow) {
		switch ev := ev.(type) {
		case NewEvents:
			causes = append(causes, ev.Cause)
			*cf = WaitUntil(deadline)
		case UserEvent[int]:
			*cf = ExitWithCode(0)
		}
	})

	waitLoopState(t, l, StateIdle, 5*time.Second)
	require.NoError(t, l.Proxy().SendEvent(1))

	res := awaitRun(t, done, 5*time.Second)
	require.NoError(t, res.err)
	require.Len(t, causes, 2)
	assert.Equal(t, CauseWaitCancelled, causes[1].Kind)
	assert.True(t, causes[1].RequestedResume.Equal(deadline))
	assert.False(t, causes[1].Start.IsZero())
}

func TestRun_waitUntilPastDeadline(t *testing.T) {
	l, _ := newTestLoop(t)

	var causes []StartCauseKind
	start := time.Now()
	_, err := l.Run(func(ev Event, _ *Target[int], cf *ControlFlow) {
		if ev, ok := ev.(NewEvents); ok {
			causes = append(causes, ev.Cause.Kind)
			if len(causes) == 3 {
				*cf = ExitWithCode(0)
			} else {
				*cf = WaitUntil(time.Now().Add(-time.Hour))
			}
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []StartCauseKind{CauseInit, CauseResumeTimeReached, CauseResumeTimeReached}, causes)
	assert.Less(t, time.Since(start), time.Second)
}

// A wake that produced nothing must not start an iteration, while waiting
// indefinitely.
func TestRun_spuriousWakeReblocks(t *testing.T) {
	l, _ := newTestLoop(t)

	sleeps := make(chan int, 8)
	var count int
	l.testHooks = &loopTestHooks{
		PrePollSleep: func() {
			count++
			sleeps <- count
		},
	}

	var newEvents int
	done := runAsync(l, func(ev Event, _ *Target[int], cf *ControlFlow) {
		switch ev.(type) {
		case NewEvents:
			newEvents++
			*cf = Wait()
		case UserEvent[int]:
			*cf = ExitWithCode(0)
		}
	})

	<-sleeps
	// signal the user channel without sending anything
	require.NoError(t, writeWakeFd(l.mux.user.fd))
	select {
	case n := <-sleeps:
		assert.Equal(t, 2, n)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not re-block")
	}
	require.NoError(t, l.Proxy().SendEvent(1))

	res := awaitRun(t, done, 5*time.Second)
	require.NoError(t, res.err)
	assert.Equal(t, 2, newEvents)
	assert.Equal(t, 2, count)
}

func TestRun_pollErrorIsFatal(t *testing.T) {
	l, _ := newTestLoop(t)

	epfd := l.mux.poller.epfd
	t.Cleanup(func() { _ = unix.Close(int(epfd)) })
	l.testHooks = &loopTestHooks{
		PrePollSleep: func() {
			// invalidate the epoll instance, so epoll_wait fails with EBADF
			l.mux.poller.epfd = -1
		},
	}

	var buf syncBuffer
	l.log = newLoopLogger(newTestLogger(&buf), nil)

	rec := &recorder{inner: func(ev Event, _ *Target[int], cf *ControlFlow) {
		if _, ok := ev.(NewEvents); ok {
			*cf = Wait()
		}
	}}
	code, err := l.Run(rec.handle)

	var pollErr *PollError
	require.ErrorAs(t, err, &pollErr)
	assert.ErrorIs(t, err, unix.EBADF)
	assert.Equal(t, int(unix.EBADF), code)
	assert.Equal(t, []string{
		"NewEvents(Init)",
		"Resumed",
		"MainEventsCleared",
		"RedrawEventsCleared",
		"LoopDestroyed",
	}, rec.events)
	assert.Contains(t, buf.String(), "poll failed, aborting loop")
	assert.Equal(t, StateExited, l.State())
}

func TestRun_misuse(t *testing.T) {
	t.Run("nil handler", func(t *testing.T) {
		l, _ := newTestLoop(t)
		code, err := l.Run(nil)
		assert.Equal(t, 1, code)
		assert.ErrorIs(t, err, ErrNilHandler)
		assert.Equal(t, StateAwake, l.State())
	})

	t.Run("reentrant", func(t *testing.T) {
		l, _ := newTestLoop(t)
		var nested error
		_, err := l.Run(func(ev Event, _ *Target[int], cf *ControlFlow) {
			if _, ok := ev.(Resumed); ok {
				_, nested = l.Run(func(Event, *Target[int], *ControlFlow) {})
			}
			*cf = ExitWithCode(0)
		})
		require.NoError(t, err)
		assert.ErrorIs(t, nested, ErrReentrantRun)
	})

	t.Run("terminated", func(t *testing.T) {
		l, _ := newTestLoop(t)
		_, err := l.Run(exitAfter(1, 0))
		require.NoError(t, err)
		code, err := l.Run(exitAfter(1, 0))
		assert.Equal(t, 1, code)
		assert.ErrorIs(t, err, ErrLoopTerminated)
	})

	t.Run("already running", func(t *testing.T) {
		l, _ := newTestLoop(t)
		done := runAsync(l, func(ev Event, _ *Target[int], cf *ControlFlow) {
			switch ev.(type) {
			case NewEvents:
				*cf = Wait()
			case UserEvent[int]:
				*cf = ExitWithCode(0)
			}
		})
		waitLoopState(t, l, StateIdle, 5*time.Second)

		_, err := l.Run(exitAfter(1, 0))
		assert.ErrorIs(t, err, ErrLoopAlreadyRunning)
		assert.ErrorIs(t, l.Close(), ErrLoopAlreadyRunning)

		require.NoError(t, l.Proxy().SendEvent(0))
		res := awaitRun(t, done, 5*time.Second)
		require.NoError(t, res.err)
	})
}

func TestClose_neverRun(t *testing.T) {
	l, _ := newTestLoop(t)
	require.NoError(t, l.Close())
	assert.Equal(t, StateExited, l.State())
	require.NoError(t, l.Close())

	assert.ErrorIs(t, l.Proxy().SendEvent(1), ErrLoopClosed)
	_, err := l.Run(exitAfter(1, 0))
	assert.ErrorIs(t, err, ErrLoopTerminated)
}

func TestRun_activationTokens(t *testing.T) {
	var buf syncBuffer
	l, _ := newTestLoop(t, WithLogger(newTestLogger(&buf)))
	target := l.Target()

	ok := &fakeWindow{id: 1, token: "a"}
	failing := &fakeWindow{id: 2, err: errTest}
	panicking := &fakeWindow{id: 3, panic: "boom"}
	unregistered := &fakeWindow{id: 5, token: "never"}
	for _, w := range []*fakeWindow{ok, failing, panicking, unregistered} {
		require.NoError(t, RegisterWindow(target, w))
	}
	assert.True(t, target.UnregisterWindow(5))
	assert.False(t, target.UnregisterWindow(5))

	for _, id := range []WindowID{2, 3, 4, 5, 1} {
		_, err := target.RequestActivationToken(id)
		require.NoError(t, err)
	}

	rec := &recorder{inner: exitAfter(1, 0)}
	_, err := l.Run(rec.handle)
	require.NoError(t, err)
	runtime.KeepAlive([]*fakeWindow{ok, failing, panicking, unregistered})

	assert.Equal(t, []string{
		"NewEvents(Init)",
		"Resumed",
		"Window(1,Activation(a,5))",
		"MainEventsCleared",
		"RedrawEventsCleared",
		"LoopDestroyed",
	}, rec.events)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, panicking.calls)
	assert.Equal(t, 0, unregistered.calls)

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "failed to get activation token"), out)
	assert.Contains(t, out, "activation token panic: boom")
	assert.Equal(t, 2, strings.Count(out, "window gone"), out)
}

// An activation request alone wakes a waiting loop.
func TestRun_activationWakesWait(t *testing.T) {
	l, _ := newTestLoop(t)
	w := &fakeWindow{id: 3, token: "x"}
	require.NoError(t, RegisterWindow(l.Target(), w))

	var got []string
	done := runAsync(l, func(ev Event, _ *Target[int], cf *ControlFlow) {
		switch ev := ev.(type) {
		case NewEvents:
			*cf = Wait()
		case WindowEvent:
			got = append(got, describe(ev))
			*cf = ExitWithCode(0)
		}
	})

	waitLoopState(t, l, StateIdle, 5*time.Second)
	serial, err := l.Target().RequestActivationToken(3)
	require.NoError(t, err)

	res := awaitRun(t, done, 5*time.Second)
	require.NoError(t, res.err)
	runtime.KeepAlive(w)
	assert.Equal(t, []string{"Window(3,Activation(x,1))"}, got)
	assert.Equal(t, ActivationSerial(1), serial)
}

func TestRun_activationErrorsRateLimited(t *testing.T) {
	var buf syncBuffer
	l, _ := newTestLoop(t,
		WithLogger(newTestLogger(&buf)),
		WithErrorRateLimit(map[time.Duration]int{time.Hour: 2}),
	)
	w := &fakeWindow{id: 1, err: errTest}
	require.NoError(t, RegisterWindow(l.Target(), w))
	for range 5 {
		_, err := l.Target().RequestActivationToken(1)
		require.NoError(t, err)
	}

	_, err := l.Run(exitAfter(1, 0))
	require.NoError(t, err)
	runtime.KeepAlive(w)

	assert.Equal(t, 5, w.calls)
	assert.Equal(t, 2, strings.Count(buf.String(), "failed to get activation token"))
}

func TestRun_metrics(t *testing.T) {
	l, _ := newTestLoop(t)
	assert.Nil(t, l.Metrics())

	l, _ = newTestLoop(t, WithMetrics(true))
	for i := range 10 {
		require.NoError(t, l.Proxy().SendEvent(i))
	}
	_, err := l.Run(exitAfter(3, 0))
	require.NoError(t, err)

	m := l.Metrics()
	require.NotNil(t, m)
	assert.Equal(t, uint64(3), m.Iterations)
	assert.Equal(t, 3, m.Latency.Count)
	assert.Equal(t, 10, m.Queue.User.Max)
	assert.Equal(t, 0, m.Queue.User.Current)
	assert.Greater(t, m.IPS, 0.0)
}

func TestEventLoop_getGoroutineID(t *testing.T) {
	id := getGoroutineID()
	assert.NotZero(t, id)
	ch := make(chan uint64)
	go func() { ch <- getGoroutineID() }()
	assert.NotEqual(t, id, <-ch)
}

func TestPollError_Code(t *testing.T) {
	assert.Equal(t, int(unix.EBADF), (&PollError{Err: unix.EBADF}).Code())
	assert.Equal(t, 1, (&PollError{Err: errTest}).Code())
	assert.Equal(t, 1, (&PollError{Err: unix.Errno(0)}).Code())
	assert.True(t, errors.Is(&PollError{Err: unix.EINVAL}, unix.EINVAL))
	assert.Contains(t, (&PollError{Err: errTest}).Error(), "test error")
}
