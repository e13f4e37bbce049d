package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Agions/xfyun-sdk/pkg/audio"
	"github.com/Agions/xfyun-sdk/pkg/errorsx"
	"github.com/Agions/xfyun-sdk/pkg/logging"
	"github.com/Agions/xfyun-sdk/pkg/metrics"
	"github.com/Agions/xfyun-sdk/pkg/recognizer"
	"github.com/Agions/xfyun-sdk/pkg/resilience"
	"github.com/Agions/xfyun-sdk/pkg/transports"
	"github.com/Agions/xfyun-sdk/pkg/transports/websocket"
)

var errQuotaPaused = errors.New("service quota exceeded, restarts paused")

// transcriber drives one session from the command line: it prints
// fragments as they arrive and restarts failed cycles within its budget.
type transcriber struct {
	session    recognizer.Config
	capture    audio.Capture
	log        *slog.Logger
	observer   metrics.Observer
	out        io.Writer
	continuous bool
	retry      resilience.RetryPolicy
	breaker    *resilience.CircuitBreaker
	// extra session options, for tests.
	options []recognizer.Option

	mu      sync.Mutex
	printed bool
}

type cycleEvent struct {
	idle bool
	err  *errorsx.Error
}

// Run returns the text of the last cycle. Cancelling ctx stops the session
// and waits out the drain window for trailing results.
func (t *transcriber) Run(ctx context.Context) (string, error) {
	events := make(chan cycleEvent, 32)
	notify := func(ev cycleEvent) {
		select {
		case events <- ev:
		default:
			t.log.Warn("cli_event_dropped")
		}
	}
	channel := websocket.New(websocket.Config{}).WithLogger(logging.NewComponentLogger(t.log, "transport.websocket"))
	var ready transports.ReadyReporter = channel
	handlers := recognizer.Handlers{
		OnStart: func() {
			attrs := []any{}
			for k, v := range ready.ReadyFields() {
				attrs = append(attrs, k, v)
			}
			t.log.Info("listening", attrs...)
		},
		OnRecognitionResult: func(text string, isEnd bool) {
			t.print(text, isEnd)
		},
		OnError: func(err *errorsx.Error) {
			t.log.Warn("recognition_error", "code", int(err.Code), "reason_code", string(err.Reason), "error", err.Error())
			notify(cycleEvent{err: err})
		},
		OnStateChange: func(s recognizer.State) {
			if s == recognizer.StateIdle {
				notify(cycleEvent{idle: true})
			}
		},
	}

	opts := []recognizer.Option{
		recognizer.WithCapture(t.capture),
		recognizer.WithLogger(t.log),
		recognizer.WithChannel(channel),
	}
	if t.observer != nil {
		opts = append(opts, recognizer.WithObserver(t.observer))
	}
	opts = append(opts, t.options...)

	sess, err := recognizer.New(t.session, handlers, opts...)
	if err != nil {
		return "", err
	}
	defer sess.Close()

	budget := t.retry.Budget()
	breaker := t.breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, time.Minute)
	}
	if !t.session.AutoStart {
		sess.Start()
	}

	for {
		select {
		case <-ctx.Done():
			sess.Stop()
			drain := t.session.DrainWindow
			if drain <= 0 {
				drain = recognizer.DefaultDrainWindow
			}
			time.Sleep(drain)
			t.endLine()
			return sess.GetResult(), nil

		case ev := <-events:
			switch {
			case ev.idle:
				t.endLine()
				breaker.OnSuccess()
				budget.Reset()
				if !t.continuous {
					return sess.GetResult(), nil
				}
				sess.Start()

			case ev.err != nil && errorsx.IsFatal(ev.err.Reason) && sess.GetState() == recognizer.StateError:
				t.endLine()
				breaker.OnError(ev.err)
				if !breaker.Allow() {
					return sess.GetResult(), fmt.Errorf("%w: %v", errQuotaPaused, ev.err)
				}
				if !budget.Next(ctx) {
					return sess.GetResult(), ev.err
				}
				t.log.Info("session_restarting", "attempt", budget.Used(), "max", t.retry.MaxRetries)
				sess.Start()
			}
		}
	}
}

func (t *transcriber) print(text string, isEnd bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if text != "" {
		fmt.Fprint(t.out, text)
		t.printed = true
	}
	if isEnd && t.printed {
		fmt.Fprintln(t.out)
		t.printed = false
	}
}

// endLine terminates a partially printed line.
func (t *transcriber) endLine() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.printed {
		fmt.Fprintln(t.out)
		t.printed = false
	}
}
