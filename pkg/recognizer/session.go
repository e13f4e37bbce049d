package recognizer

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"

	"github.com/Agions/xfyun-sdk/pkg/audio"
	"github.com/Agions/xfyun-sdk/pkg/errorsx"
	"github.com/Agions/xfyun-sdk/pkg/logging"
	"github.com/Agions/xfyun-sdk/pkg/metrics"
	"github.com/Agions/xfyun-sdk/pkg/protocol"
	"github.com/Agions/xfyun-sdk/pkg/redact"
	"github.com/Agions/xfyun-sdk/pkg/transports"
	"github.com/Agions/xfyun-sdk/pkg/transports/websocket"
)

// ErrMissingCredentials is returned by New when the app id, api key or api
// secret is empty.
var ErrMissingCredentials = errors.New("recognizer: app id, api key and api secret are required")

// Option configures a Session.
type Option func(*Session)

// WithCapture sets the audio source. Without it the session records from
// the default ffmpeg input.
func WithCapture(c audio.Capture) Option {
	return func(s *Session) { s.capture = c }
}

// WithChannel sets the transport. Without it the session uses a websocket
// channel.
func WithChannel(ch transports.Channel) Option {
	return func(s *Session) { s.channel = ch }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.baseLog = logging.NewComponentLogger(l, "recognizer")
		}
	}
}

// WithObserver receives session metrics events. Observers run on the
// session's event loop and must not block.
func WithObserver(o metrics.Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.observer = o
		}
	}
}

// Session is one recognizer instance. It runs at most one recognition
// cycle at a time.
//
// Every state change, capture chunk, transport event and timer tick is
// applied on a single event loop, so the fields below the worker-owned
// marker are never touched concurrently. Handlers are dispatched on a
// second loop in emission order.
type Session struct {
	cfg       Config
	handlers  Handlers
	capture   audio.Capture
	channel   transports.Channel
	baseLog   *slog.Logger
	observer  metrics.Observer
	params    protocol.BusinessParams
	frameOpts protocol.FrameOptions

	events    *workerpool.WorkerPool
	callbacks *workerpool.WorkerPool
	poolMu    sync.RWMutex
	closed    bool
	cbClosed  bool
	closeOnce sync.Once

	mu        sync.RWMutex
	state     State
	result    strings.Builder
	sessionID string

	// worker-owned
	log         *slog.Logger
	cycle       uint64
	ctx         context.Context
	cancel      context.CancelFunc
	handle      audio.Handle
	channelOpen bool
	captureDone bool
	endSent     bool
	queue       *audioQueue
	samplerStop chan struct{}
	drainTimer  *time.Timer
	energy      []float32
}

// New validates cfg and builds a session in the idle state. When
// cfg.AutoStart is set the first cycle is started before New returns.
func New(cfg Config, handlers Handlers, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:       cfg,
		handlers:  handlers,
		baseLog:   logging.NewComponentLogger(nil, "recognizer"),
		observer:  metrics.NoopObserver{},
		params:    cfg.businessParams(),
		frameOpts: cfg.frameOptions(),
		events:    workerpool.New(1),
		callbacks: workerpool.New(1),
		state:     StateIdle,
		queue:     newAudioQueue(cfg.MaxAudioSize),
		energy:    make([]float32, audio.AnalysisWindow/2),
	}
	s.capture = audio.NewFFmpegCapture(audio.FFmpegConfig{})
	s.channel = websocket.New(websocket.Config{})
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.baseLog

	if cfg.AutoStart {
		s.Start()
	}
	return s, nil
}

// Start begins a recognition cycle. It returns once the request has been
// applied; capture acquisition and the connection continue in the
// background and report through the handlers.
func (s *Session) Start() {
	s.submitWait(s.handleStart)
}

// Stop ends the current cycle. It is safe to call in any state and does
// nothing when the session is already stopped. The End frame is sent and
// capture is released before Stop returns; the connection stays open for
// the drain window so trailing results can arrive.
func (s *Session) Stop() {
	s.submitWait(s.handleStop)
}

// Close tears everything down immediately and releases the event loops.
// The session cannot be used afterwards. Close must not be called from a
// handler.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.submitWait(func() {
			s.teardown()
			if st := s.currentState(); st != StateStopped && st != StateError {
				s.setState(StateStopped, "session closed")
			}
		})

		s.poolMu.Lock()
		s.closed = true
		s.poolMu.Unlock()
		s.events.StopWait()

		s.poolMu.Lock()
		s.cbClosed = true
		s.poolMu.Unlock()
		s.callbacks.StopWait()
	})
	return nil
}

// GetResult returns the text accumulated in the current cycle.
func (s *Session) GetResult() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result.String()
}

func (s *Session) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ClearResult empties the accumulated text without touching the
// connection or state.
func (s *Session) ClearResult() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result.Reset()
}

// SessionID identifies the current cycle in logs and metrics.
func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

func (s *Session) submit(fn func()) bool {
	s.poolMu.RLock()
	defer s.poolMu.RUnlock()
	if s.closed {
		return false
	}
	s.events.Submit(fn)
	return true
}

func (s *Session) submitWait(fn func()) bool {
	done := make(chan struct{})
	s.poolMu.RLock()
	if s.closed {
		s.poolMu.RUnlock()
		return false
	}
	s.events.Submit(func() {
		defer close(done)
		fn()
	})
	s.poolMu.RUnlock()
	<-done
	return true
}

func (s *Session) dispatch(fn func()) {
	s.poolMu.RLock()
	defer s.poolMu.RUnlock()
	if s.cbClosed {
		return
	}
	s.callbacks.Submit(fn)
}

func (s *Session) handleStart() {
	if s.capture == nil || s.channel == nil {
		s.emitError(errorsx.New(errorsx.CodeEnvironmentUnsupported, errorsx.ReasonEnvironmentUnsupported, "", nil))
		return
	}
	if p, ok := s.capture.(audio.Prober); ok {
		if err := p.Available(); err != nil {
			s.emitError(errorsx.New(errorsx.CodeEnvironmentUnsupported, errorsx.ReasonEnvironmentUnsupported, "", err))
			return
		}
	}
	if s.currentState().Active() {
		s.emitError(errorsx.New(errorsx.CodeAlreadyActive, errorsx.ReasonAlreadyActive, "", nil))
		return
	}

	// A previous cycle may still be draining.
	s.teardown()

	s.cycle++
	cycle := s.cycle
	id := uuid.NewString()
	s.mu.Lock()
	s.sessionID = id
	s.result.Reset()
	s.mu.Unlock()
	s.log = s.baseLog.With("session_id", id)
	s.queue.reset()
	s.captureDone = false
	s.endSent = false

	ctx, cancel := context.WithCancel(context.Background())
	s.ctx, s.cancel = ctx, cancel

	s.log.Info("session_start_requested", "capture", s.capture.Name(), "transport", s.channel.Name())
	s.record(metrics.EventStartRequested, 0, nil, nil)
	s.setState(StateConnecting, "start requested")

	capture := s.capture
	constraints := s.cfg.Constraints
	go func() {
		handle, err := capture.Acquire(ctx, constraints)
		if !s.submit(func() { s.onAcquired(cycle, handle, err) }) && handle != nil {
			_ = handle.Release()
		}
	}()
}

func (s *Session) onAcquired(cycle uint64, handle audio.Handle, err error) {
	if cycle != s.cycle || s.currentState() != StateConnecting {
		if handle != nil {
			_ = handle.Release()
		}
		return
	}
	if err != nil {
		s.fail(errorsx.New(errorsx.CodeStartFailed, errorsx.ReasonCaptureAcquire, "", err))
		return
	}
	s.handle = handle
	s.log.Debug("capture_acquired")

	if err := handle.StartChunking(s.cfg.ChunkInterval, &captureSink{s: s, cycle: cycle}); err != nil {
		s.fail(errorsx.New(errorsx.CodeStartFailed, errorsx.ReasonCaptureAcquire, "", err))
		return
	}
	s.startSampler(cycle)

	url, err := s.cfg.signer().URL()
	if err != nil {
		s.fail(errorsx.New(errorsx.CodeStartFailed, errorsx.ReasonTransportConnect, "", err))
		return
	}
	s.log.Debug("transport_opening", "url", redact.URL(url))
	channel := s.channel
	ctx := s.ctx
	go func() {
		if err := channel.Open(ctx, url, &channelEvents{s: s, cycle: cycle}); err != nil {
			s.submit(func() { s.onOpenFailed(cycle, err) })
		}
	}()
}

func (s *Session) onOpenFailed(cycle uint64, err error) {
	if cycle != s.cycle || s.currentState() != StateConnecting {
		return
	}
	s.fail(errorsx.New(errorsx.CodeTransportFailed, errorsx.ReasonTransportConnect, "", err))
}

func (s *Session) onOpen(cycle uint64) {
	if cycle != s.cycle {
		return
	}
	if s.currentState() != StateConnecting {
		// Stopped or failed while dialing.
		_ = s.channel.Close()
		return
	}
	s.channelOpen = true
	s.log.Info("transport_opened")
	s.record(metrics.EventOpened, 0, nil, nil)
	s.setState(StateConnected, "transport opened")
	s.emitStart()

	if err := s.sendFrame(protocol.FrameStart, ""); err != nil {
		s.fail(errorsx.New(errorsx.CodeTransportFailed, errorsx.ReasonTransportSend, "", err))
		return
	}
	s.setState(StateRecording, "start frame sent")
	s.drain()
	if s.captureDone {
		s.finishInput()
	}
}

func (s *Session) onChunk(cycle uint64, chunk audio.Chunk) {
	if cycle != s.cycle || s.currentState() != StateRecording || !s.channelOpen || s.endSent {
		s.record(metrics.EventChunkDropped, float64(len(chunk.Data)), map[string]string{"reason": "inactive"}, nil)
		return
	}
	payload := base64.StdEncoding.EncodeToString(chunk.Data)
	if !s.queue.push(payload) {
		s.log.Warn("audio_queue_full", "queued", s.queue.len(), "limit_bytes", s.cfg.MaxAudioSize)
		s.record(metrics.EventChunkDropped, float64(len(chunk.Data)), map[string]string{"reason": "overflow"}, nil)
		return
	}
	s.drain()
}

// drain sends every queued payload as a Continue frame, in order.
func (s *Session) drain() {
	for s.currentState() == StateRecording && s.channelOpen && !s.endSent {
		payload, ok := s.queue.pop()
		if !ok {
			return
		}
		if err := s.sendFrame(protocol.FrameContinue, payload); err != nil {
			s.fail(errorsx.New(errorsx.CodeTransportFailed, errorsx.ReasonTransportSend, "", err))
			return
		}
	}
}

func (s *Session) onCaptureEnd(cycle uint64, err error) {
	if cycle != s.cycle {
		return
	}
	if err != nil {
		if s.currentState().Active() {
			s.fail(errorsx.New(errorsx.CodeStartFailed, errorsx.ReasonCaptureStream, "audio capture failed", err))
		}
		return
	}
	s.captureDone = true
	s.log.Debug("capture_exhausted")
	if s.currentState() == StateRecording {
		s.finishInput()
	}
}

// finishInput ends the audio stream without stopping the session; the
// server's close moves the session to idle.
func (s *Session) finishInput() {
	s.drain()
	if s.endSent {
		return
	}
	if err := s.sendFrame(protocol.FrameEnd, ""); err != nil {
		s.fail(errorsx.New(errorsx.CodeTransportFailed, errorsx.ReasonTransportSend, "", err))
		return
	}
	s.endSent = true
	s.stopSampling()
	s.releaseCapture()
}

func (s *Session) onMessage(cycle uint64, raw []byte) {
	if cycle != s.cycle {
		return
	}
	resp, err := protocol.Decode(raw)
	if err != nil {
		s.log.Warn("message_decode_failed", "reason_code", string(errorsx.ReasonDecode), "error", err.Error())
		s.emitError(errorsx.New(errorsx.CodeDecodeFailed, errorsx.ReasonDecode, "", err))
		return
	}
	if resp.Failed() {
		s.log.Warn("recognition_rejected", "code", resp.Code, "message", resp.Message, "sid", resp.SID)
		s.fail(errorsx.Protocol(resp.Code, resp.Message))
		return
	}
	if frag, ok := resp.Fragment(); ok {
		s.mu.Lock()
		s.result.WriteString(frag.Text)
		s.mu.Unlock()
		s.log.Debug("recognition_result", "sn", frag.Sequence, "final", frag.EndOfSpeech, "text", redact.Text(frag.Text))
		s.record(metrics.EventResult, float64(frag.Sequence),
			map[string]string{"final": strconv.FormatBool(frag.EndOfSpeech)},
			map[string]any{"text": frag.Text, "sn": frag.Sequence, "sid": resp.SID})
		s.emitResult(frag.Text, frag.EndOfSpeech)
	}
	s.drain()
}

func (s *Session) onChannelError(cycle uint64, err error) {
	if cycle != s.cycle {
		return
	}
	s.fail(errorsx.New(errorsx.CodeTransportFailed, errorsx.ReasonTransportRead, "", err))
}

func (s *Session) onChannelClose(cycle uint64) {
	if cycle != s.cycle {
		return
	}
	s.channelOpen = false
	s.queue.reset()
	if s.drainTimer != nil {
		s.drainTimer.Stop()
		s.drainTimer = nil
	}
	s.log.Info("transport_closed")
	s.record(metrics.EventClosed, 0, nil, nil)

	switch s.currentState() {
	case StateConnected, StateRecording:
		s.stopSampling()
		s.releaseCapture()
		s.setState(StateIdle, "connection closed")
	case StateConnecting:
		s.fail(errorsx.New(errorsx.CodeTransportFailed, errorsx.ReasonTransportConnect, "connection closed before open", nil))
	}
}

func (s *Session) handleStop() {
	if s.currentState() == StateStopped {
		return
	}
	s.setState(StateStopped, "stop requested")
	s.stopSampling()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.channelOpen && !s.endSent {
		if err := s.sendFrame(protocol.FrameEnd, ""); err != nil {
			s.log.Warn("end_frame_failed", "reason_code", string(errorsx.ReasonTransportSend), "error", err.Error())
		}
		s.endSent = true
	}
	s.queue.reset()
	s.releaseCapture()
	s.scheduleClose(s.cycle)
	s.log.Info("session_stopped")
	s.emitStop()
}

// scheduleClose closes the connection after the drain window.
func (s *Session) scheduleClose(cycle uint64) {
	if !s.channelOpen || s.drainTimer != nil {
		return
	}
	s.drainTimer = time.AfterFunc(s.cfg.DrainWindow, func() {
		s.submit(func() {
			if cycle != s.cycle || !s.channelOpen {
				return
			}
			s.drainTimer = nil
			s.log.Debug("drain_window_elapsed")
			_ = s.channel.Close()
		})
	})
}

// fail reports err, moves an active session to error and tears it down.
func (s *Session) fail(err *errorsx.Error) {
	s.log.Error("session_failed", "code", int(err.Code), "reason_code", string(err.Reason), "error", err.Error())
	if s.currentState().Active() {
		s.setState(StateError, string(err.Reason))
	}
	s.emitError(err)
	s.teardown()
}

// teardown releases every cycle resource now. Each step runs even if an
// earlier one fails.
func (s *Session) teardown() {
	s.stopSampling()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.drainTimer != nil {
		s.drainTimer.Stop()
		s.drainTimer = nil
	}
	s.queue.reset()
	s.releaseCapture()
	if s.channelOpen {
		s.channelOpen = false
		if s.channel != nil {
			_ = s.channel.Close()
		}
	}
}

// releaseCapture reports a failed release as 10004 without touching the
// state. It runs on stop, on failure, on connection close and after the
// capture is exhausted. In each case the capture has no more audio for the
// cycle, so the failure does not abort results still arriving.
func (s *Session) releaseCapture() {
	if s.handle == nil {
		return
	}
	h := s.handle
	s.handle = nil
	if err := h.Release(); err != nil {
		s.log.Warn("capture_release_failed", "reason_code", string(errorsx.ReasonTeardown), "error", err.Error())
		s.emitError(errorsx.New(errorsx.CodeStopFailed, errorsx.ReasonTeardown, "", err))
	}
}

func (s *Session) startSampler(cycle uint64) {
	s.stopSampling()
	stop := make(chan struct{})
	s.samplerStop = stop
	interval := s.cfg.VolumeInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !s.submit(func() { s.sampleVolume(cycle) }) {
					return
				}
			}
		}
	}()
}

func (s *Session) stopSampling() {
	if s.samplerStop != nil {
		close(s.samplerStop)
		s.samplerStop = nil
	}
}

func (s *Session) sampleVolume(cycle uint64) {
	if cycle != s.cycle || s.currentState() != StateRecording || s.handle == nil || s.samplerStop == nil {
		return
	}
	n := s.handle.SampleEnergy(s.energy)
	volume := audio.Volume(s.energy[:n])
	s.record(metrics.EventVolume, volume, nil, nil)
	if fn := s.handlers.OnProcess; fn != nil {
		s.dispatch(func() { fn(volume) })
	}
}

func (s *Session) sendFrame(kind protocol.FrameKind, payload string) error {
	msg, err := protocol.Encode(kind, s.frameOpts, s.params, payload)
	if err != nil {
		return err
	}
	if err := s.channel.Send(msg); err != nil {
		if errors.Is(err, transports.ErrNotOpen) {
			s.log.Debug("frame_skipped_not_open", "kind", kind.String())
			return nil
		}
		s.log.Warn("frame_send_failed", "kind", kind.String(), "error", err.Error())
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	s.record(metrics.EventFrameSent, float64(len(payload)), map[string]string{"kind": kind.String()}, nil)
	return nil
}

func (s *Session) currentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(to State, reason string) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	if !transitionValid(from, to) {
		s.mu.Unlock()
		s.log.Warn("invalid_state_transition", "error", (&InvalidTransitionError{From: from, To: to}).Error())
		return
	}
	s.state = to
	s.mu.Unlock()

	s.log.Debug("state_changed", "from", from.String(), "to", to.String(), "reason", reason)
	s.record(metrics.EventState, 0, map[string]string{"state": to.String(), "from": from.String()}, nil)
	if fn := s.handlers.OnStateChange; fn != nil {
		s.dispatch(func() { fn(to) })
	}
}

func (s *Session) emitStart() {
	if fn := s.handlers.OnStart; fn != nil {
		s.dispatch(fn)
	}
}

func (s *Session) emitStop() {
	if fn := s.handlers.OnStop; fn != nil {
		s.dispatch(fn)
	}
}

func (s *Session) emitResult(text string, isEnd bool) {
	if fn := s.handlers.OnRecognitionResult; fn != nil {
		s.dispatch(func() { fn(text, isEnd) })
	}
}

func (s *Session) emitError(err *errorsx.Error) {
	s.record(metrics.EventError, float64(err.Code), map[string]string{
		"code":        strconv.Itoa(int(err.Code)),
		"reason_code": string(err.Reason),
	}, nil)
	if fn := s.handlers.OnError; fn != nil {
		s.dispatch(func() { fn(err) })
	}
}

func (s *Session) record(name string, value float64, tags map[string]string, fields map[string]any) {
	all := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		all[k] = v
	}
	s.mu.RLock()
	all[metrics.TagSessionID] = s.sessionID
	s.mu.RUnlock()
	s.observer.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Value:  value,
		Tags:   all,
		Fields: fields,
	})
}

// captureSink forwards capture callbacks onto the event loop.
type captureSink struct {
	s     *Session
	cycle uint64
}

func (c *captureSink) OnChunk(chunk audio.Chunk) {
	c.s.submit(func() { c.s.onChunk(c.cycle, chunk) })
}

func (c *captureSink) OnEnd(err error) {
	c.s.submit(func() { c.s.onCaptureEnd(c.cycle, err) })
}

// channelEvents forwards transport callbacks onto the event loop.
type channelEvents struct {
	s     *Session
	cycle uint64
}

func (e *channelEvents) OnOpen() {
	e.s.submit(func() { e.s.onOpen(e.cycle) })
}

func (e *channelEvents) OnMessage(raw []byte) {
	e.s.submit(func() { e.s.onMessage(e.cycle, raw) })
}

func (e *channelEvents) OnError(err error) {
	e.s.submit(func() { e.s.onChannelError(e.cycle, err) })
}

func (e *channelEvents) OnClose() {
	e.s.submit(func() { e.s.onChannelClose(e.cycle) })
}
