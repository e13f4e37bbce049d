package recognizer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Agions/xfyun-sdk/pkg/audio"
	"github.com/Agions/xfyun-sdk/pkg/errorsx"
	"github.com/Agions/xfyun-sdk/pkg/metrics"
	"github.com/Agions/xfyun-sdk/pkg/protocol"
	"github.com/Agions/xfyun-sdk/pkg/transports"
	"github.com/Agions/xfyun-sdk/pkg/transports/mock"
)

type fakeHandle struct {
	mu         sync.Mutex
	sink       audio.Sink
	interval   time.Duration
	released   int
	level      float32
	releaseErr error
}

func (h *fakeHandle) StartChunking(interval time.Duration, sink audio.Sink) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
	h.interval = interval
	return nil
}

func (h *fakeHandle) SampleEnergy(buf []float32) int {
	for i := range buf {
		if i%2 == 0 {
			buf[i] = h.level
		} else {
			buf[i] = -h.level
		}
	}
	return len(buf)
}

func (h *fakeHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released++
	return h.releaseErr
}

func (h *fakeHandle) failRelease(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releaseErr = err
}

func (h *fakeHandle) emit(data []byte) {
	h.mu.Lock()
	sink := h.sink
	h.mu.Unlock()
	sink.OnChunk(audio.Chunk{Data: data, Encoding: audio.EncodingRaw})
}

func (h *fakeHandle) finish(err error) {
	h.mu.Lock()
	sink := h.sink
	h.mu.Unlock()
	sink.OnEnd(err)
}

func (h *fakeHandle) releaseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

type fakeCapture struct {
	mu      sync.Mutex
	err     error
	handles []*fakeHandle
}

func (c *fakeCapture) Name() string { return "fake" }

func (c *fakeCapture) Acquire(_ context.Context, _ audio.Constraints) (audio.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	h := &fakeHandle{level: 0.5}
	c.handles = append(c.handles, h)
	return h, nil
}

func (c *fakeCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

func (c *fakeCapture) last() *fakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handles) == 0 {
		return nil
	}
	return c.handles[len(c.handles)-1]
}

// gatedChannel holds Open until the gate is released.
type gatedChannel struct {
	*mock.Channel
	gate chan struct{}
}

func (g *gatedChannel) Open(ctx context.Context, url string, h transports.Handler) error {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.Channel.Open(ctx, url, h)
}

type resultEvent struct {
	text  string
	isEnd bool
}

type recorder struct {
	mu      sync.Mutex
	states  []State
	results []resultEvent
	errs    []*errorsx.Error
	starts  int
	stops   int
	volumes []float64
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnStart: func() { r.mu.Lock(); r.starts++; r.mu.Unlock() },
		OnStop:  func() { r.mu.Lock(); r.stops++; r.mu.Unlock() },
		OnRecognitionResult: func(text string, isEnd bool) {
			r.mu.Lock()
			r.results = append(r.results, resultEvent{text: text, isEnd: isEnd})
			r.mu.Unlock()
		},
		OnProcess: func(v float64) { r.mu.Lock(); r.volumes = append(r.volumes, v); r.mu.Unlock() },
		OnError:   func(err *errorsx.Error) { r.mu.Lock(); r.errs = append(r.errs, err); r.mu.Unlock() },
		OnStateChange: func(s State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		states:  append([]State(nil), r.states...),
		results: append([]resultEvent(nil), r.results...),
		errs:    append([]*errorsx.Error(nil), r.errs...),
		starts:  r.starts,
		stops:   r.stops,
		volumes: append([]float64(nil), r.volumes...),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() Config {
	return Config{
		AppID:          "a",
		APIKey:         "k",
		APISecret:      "s",
		DrainWindow:    30 * time.Millisecond,
		VolumeInterval: time.Hour,
	}
}

type fixture struct {
	session *Session
	rec     *recorder
	capture *fakeCapture
	channel *mock.Channel
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{rec: &recorder{}, capture: &fakeCapture{}, channel: mock.New()}
	all := append([]Option{WithCapture(f.capture), WithChannel(f.channel)}, opts...)
	s, err := New(cfg, f.rec.handlers(), all...)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	f.session = s
	t.Cleanup(func() { _ = s.Close() })
	return f
}

func (f *fixture) startRecording(t *testing.T) *fakeHandle {
	t.Helper()
	f.session.Start()
	waitFor(t, "recording", func() bool { return f.session.GetState() == StateRecording })
	return f.capture.last()
}

func decodeSent(t *testing.T, raw []byte) protocol.Request {
	t.Helper()
	req, err := protocol.DecodeRequest(raw)
	if err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	return req
}

func statuses(t *testing.T, sent [][]byte) []int {
	t.Helper()
	out := make([]int, 0, len(sent))
	for _, raw := range sent {
		out = append(out, decodeSent(t, raw).Data.Status)
	}
	return out
}

func TestNewRequiresCredentials(t *testing.T) {
	for _, cfg := range []Config{
		{APIKey: "k", APISecret: "s"},
		{AppID: "a", APISecret: "s"},
		{AppID: "a", APIKey: "k", APISecret: " "},
	} {
		if _, err := New(cfg, Handlers{}); !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("expected ErrMissingCredentials for %+v, got %v", cfg, err)
		}
	}
}

func TestSessionRecognizesAndStops(t *testing.T) {
	f := newFixture(t, testConfig())
	if f.session.GetState() != StateIdle {
		t.Fatalf("expected idle before start")
	}
	f.startRecording(t)

	sent := f.channel.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected only the start frame, got %d frames", len(sent))
	}
	start := decodeSent(t, sent[0])
	if start.Data.Status != 0 || start.Common.AppID != "a" || start.Business.Language != "zh_cn" {
		t.Fatalf("unexpected start frame %s", sent[0])
	}
	if !strings.Contains(f.channel.Ops()[0].URL, "authorization=") {
		t.Fatalf("expected signed url, got %q", f.channel.Ops()[0].URL)
	}

	f.channel.Push([]byte(`{"code":0,"message":"success","data":{"result":{"ws":[{"cw":[{"w":"你"}]},{"cw":[{"w":"好"}]}],"ls":true},"status":2}}`))
	waitFor(t, "result", func() bool { return len(f.rec.snapshot().results) == 1 })
	if got := f.rec.snapshot().results[0]; got.text != "你好" || !got.isEnd {
		t.Fatalf("unexpected result %+v", got)
	}
	if f.session.GetResult() != "你好" {
		t.Fatalf("unexpected accumulated result %q", f.session.GetResult())
	}

	f.session.Stop()
	if f.session.GetState() != StateStopped {
		t.Fatalf("expected stopped immediately, got %s", f.session.GetState())
	}
	waitFor(t, "channel close", func() bool { return !f.channel.IsOpen() })

	ops := f.channel.Ops()
	last := ops[len(ops)-1]
	if last.Kind != mock.OpClose {
		t.Fatalf("expected close last, got %+v", last)
	}
	end := ops[len(ops)-2]
	if end.Kind != mock.OpSend || decodeSent(t, end.Data).Data.Status != 2 {
		t.Fatalf("expected end frame before close, got %+v", end)
	}

	waitFor(t, "stop callback", func() bool { return f.rec.snapshot().stops == 1 })
	snap := f.rec.snapshot()
	want := []State{StateConnecting, StateConnected, StateRecording, StateStopped}
	if len(snap.states) != len(want) {
		t.Fatalf("expected states %v, got %v", want, snap.states)
	}
	for i := range want {
		if snap.states[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, snap.states)
		}
	}
	if snap.starts != 1 {
		t.Fatalf("expected one start callback, got %d", snap.starts)
	}
	if f.capture.last().releaseCount() != 1 {
		t.Fatalf("expected capture released once")
	}
}

func TestStartWhileActiveIsRejected(t *testing.T) {
	f := newFixture(t, testConfig())
	f.startRecording(t)

	f.session.Start()
	waitFor(t, "already active error", func() bool { return len(f.rec.snapshot().errs) == 1 })
	if code := f.rec.snapshot().errs[0].Code; code != errorsx.CodeAlreadyActive {
		t.Fatalf("expected 10002, got %d", code)
	}
	if f.session.GetState() != StateRecording {
		t.Fatalf("expected state unchanged, got %s", f.session.GetState())
	}
	if n := f.capture.count(); n != 1 {
		t.Fatalf("expected a single acquisition, got %d", n)
	}
}

func TestStartWithoutCaptureIsUnsupported(t *testing.T) {
	f := newFixture(t, testConfig(), WithCapture(nil))
	f.session.Start()
	waitFor(t, "unsupported error", func() bool { return len(f.rec.snapshot().errs) == 1 })
	if code := f.rec.snapshot().errs[0].Code; code != errorsx.CodeEnvironmentUnsupported {
		t.Fatalf("expected 10001, got %d", code)
	}
	if f.session.GetState() != StateIdle || len(f.rec.snapshot().states) != 0 {
		t.Fatalf("expected no state change")
	}
}

func TestUnavailableCaptureIsUnsupported(t *testing.T) {
	ff := audio.NewFFmpegCapture(audio.FFmpegConfig{Command: "definitely-not-ffmpeg-xyz"})
	f := newFixture(t, testConfig(), WithCapture(ff))
	f.session.Start()
	waitFor(t, "unsupported error", func() bool { return len(f.rec.snapshot().errs) == 1 })
	if code := f.rec.snapshot().errs[0].Code; code != errorsx.CodeEnvironmentUnsupported {
		t.Fatalf("expected 10001, got %d", code)
	}
	if f.session.GetState() != StateIdle {
		t.Fatalf("expected idle, got %s", f.session.GetState())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())
	f.startRecording(t)

	f.session.Stop()
	f.session.Stop()
	waitFor(t, "channel close", func() bool { return !f.channel.IsOpen() })
	f.session.Stop()

	ends := 0
	for _, st := range statuses(t, f.channel.Sent()) {
		if st == 2 {
			ends++
		}
	}
	if ends != 1 {
		t.Fatalf("expected exactly one end frame, got %d", ends)
	}
	waitFor(t, "stop callback", func() bool { return f.rec.snapshot().stops >= 1 })
	time.Sleep(20 * time.Millisecond)
	if stops := f.rec.snapshot().stops; stops != 1 {
		t.Fatalf("expected one stop callback, got %d", stops)
	}
}

func TestReleaseFailureOnStopKeepsStoppedState(t *testing.T) {
	f := newFixture(t, testConfig())
	h := f.startRecording(t)
	h.failRelease(errors.New("device busy"))

	f.session.Stop()
	waitFor(t, "error callback", func() bool { return len(f.rec.snapshot().errs) == 1 })
	e := f.rec.snapshot().errs[0]
	if e.Code != errorsx.CodeStopFailed || !strings.Contains(e.Error(), "device busy") {
		t.Fatalf("expected 10004, got %v", e)
	}
	if got := f.session.GetState(); got != StateStopped {
		t.Fatalf("expected stopped, got %s", got)
	}
}

func TestStopFromIdle(t *testing.T) {
	f := newFixture(t, testConfig())
	f.session.Stop()
	if f.session.GetState() != StateStopped {
		t.Fatalf("expected stopped, got %s", f.session.GetState())
	}
	if len(f.channel.Ops()) != 0 {
		t.Fatalf("expected no transport activity")
	}
}

func TestChunksAreSentOnlyWhileRecording(t *testing.T) {
	gated := &gatedChannel{Channel: mock.New(), gate: make(chan struct{})}
	rec := &recorder{}
	capture := &fakeCapture{}
	s, err := New(testConfig(), rec.handlers(), WithCapture(capture), WithChannel(gated))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	s.Start()
	waitFor(t, "acquisition", func() bool {
		h := capture.last()
		if h == nil {
			return false
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.sink != nil
	})
	h := capture.last()
	h.mu.Lock()
	interval := h.interval
	h.mu.Unlock()
	if interval != DefaultChunkInterval {
		t.Fatalf("expected %s chunking, got %s", DefaultChunkInterval, interval)
	}

	// Connecting: dropped, not buffered.
	h.emit([]byte{0xAA})
	close(gated.gate)
	waitFor(t, "recording", func() bool { return s.GetState() == StateRecording })

	h.emit([]byte{0x01, 0x02})
	h.emit([]byte{0x03})
	waitFor(t, "continue frames", func() bool { return len(gated.Sent()) == 3 })

	s.Stop()
	h.emit([]byte{0x04})
	waitFor(t, "close", func() bool { return !gated.IsOpen() })

	sent := gated.Sent()
	got := statuses(t, sent)
	want := []int{0, 1, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("expected statuses %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected statuses %v, got %v", want, got)
		}
	}
	first := decodeSent(t, sent[1])
	if *first.Data.Audio != base64.StdEncoding.EncodeToString([]byte{0x01, 0x02}) {
		t.Fatalf("unexpected first payload %q", *first.Data.Audio)
	}
	second := decodeSent(t, sent[2])
	if *second.Data.Audio != base64.StdEncoding.EncodeToString([]byte{0x03}) {
		t.Fatalf("expected FIFO order, got %q", *second.Data.Audio)
	}
	if second.Business == nil || second.Business.VADEOS != 3000 {
		t.Fatalf("expected business params on continue frames")
	}
}

func TestServerErrorCodeFailsSession(t *testing.T) {
	f := newFixture(t, testConfig())
	h := f.startRecording(t)

	f.channel.Push([]byte(`{"code":10165,"message":"invalid handle","sid":"x"}`))
	waitFor(t, "error state", func() bool { return f.session.GetState() == StateError })
	waitFor(t, "error callback", func() bool { return len(f.rec.snapshot().errs) == 1 })

	e := f.rec.snapshot().errs[0]
	if e.Code != 10165 || e.Message != "invalid handle" || e.Reason != errorsx.ReasonProtocol {
		t.Fatalf("unexpected error %+v", e)
	}
	if h.releaseCount() != 1 {
		t.Fatalf("expected capture released on failure")
	}
	if f.channel.IsOpen() {
		t.Fatalf("expected channel closed on failure")
	}

	// Restart from error is allowed.
	f.session.Start()
	waitFor(t, "recording again", func() bool { return f.session.GetState() == StateRecording })
}

func TestMalformedMessageReportsDecodeError(t *testing.T) {
	f := newFixture(t, testConfig())
	f.startRecording(t)

	f.channel.Push([]byte("not json"))
	waitFor(t, "decode error", func() bool { return len(f.rec.snapshot().errs) == 1 })
	if code := f.rec.snapshot().errs[0].Code; code != errorsx.CodeDecodeFailed {
		t.Fatalf("expected 10005, got %d", code)
	}
	if f.session.GetState() != StateRecording {
		t.Fatalf("expected session to keep recording, got %s", f.session.GetState())
	}
}

func TestResultsAccumulateAndClear(t *testing.T) {
	f := newFixture(t, testConfig())
	f.startRecording(t)

	f.channel.Push([]byte(`{"code":0,"data":{"result":{"ws":[{"cw":[{"w":"今天"}]}],"sn":1,"ls":false}}}`))
	f.channel.Push([]byte(`{"code":0,"data":{"status":1}}`))
	f.channel.Push([]byte(`{"code":0,"data":{"result":{"ws":[{"cw":[{"w":"天气"}]},{"cw":[{"w":"好"}]}],"sn":2,"ls":true}}}`))
	waitFor(t, "two results", func() bool { return len(f.rec.snapshot().results) == 2 })

	res := f.rec.snapshot().results
	if res[0].text != "今天" || res[0].isEnd || res[1].text != "天气好" || !res[1].isEnd {
		t.Fatalf("unexpected fragments %+v", res)
	}
	if f.session.GetResult() != "今天天气好" {
		t.Fatalf("unexpected accumulated result %q", f.session.GetResult())
	}
	f.session.ClearResult()
	if f.session.GetResult() != "" || f.session.GetState() != StateRecording {
		t.Fatalf("expected cleared result with state unchanged")
	}
}

func TestUnsolicitedCloseReturnsToIdle(t *testing.T) {
	f := newFixture(t, testConfig())
	h := f.startRecording(t)

	f.channel.SimulateClose()
	waitFor(t, "idle", func() bool { return f.session.GetState() == StateIdle })
	if h.releaseCount() != 1 {
		t.Fatalf("expected capture released")
	}
	if len(f.rec.snapshot().errs) != 0 {
		t.Fatalf("expected no error for a peer close")
	}
}

func TestAcquireFailureMovesToError(t *testing.T) {
	f := newFixture(t, testConfig())
	f.capture.err = errors.New("permission denied")

	f.session.Start()
	waitFor(t, "error state", func() bool { return f.session.GetState() == StateError })
	waitFor(t, "error callback", func() bool { return len(f.rec.snapshot().errs) == 1 })
	e := f.rec.snapshot().errs[0]
	if e.Code != errorsx.CodeStartFailed || !strings.Contains(e.Error(), "permission denied") {
		t.Fatalf("unexpected error %v", e)
	}
	if len(f.channel.Ops()) != 0 {
		t.Fatalf("expected no connection attempt")
	}
}

func TestMismatchedWAVFailsStart(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36))
	buf.WriteString("WAVEfmt ")
	for _, v := range []any{uint32(16), uint16(1), uint16(1), uint32(8000), uint32(16000), uint16(2), uint16(16)} {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0))
	path := filepath.Join(t.TempDir(), "narrow.wav")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write wav: %v", err)
	}

	f := newFixture(t, testConfig(), WithCapture(audio.NewFileCapture(audio.FileConfig{Path: path})))
	f.session.Start()
	waitFor(t, "error state", func() bool { return f.session.GetState() == StateError })
	waitFor(t, "error callback", func() bool { return len(f.rec.snapshot().errs) == 1 })
	e := f.rec.snapshot().errs[0]
	var mismatch *audio.FormatMismatchError
	if e.Code != errorsx.CodeStartFailed || !errors.As(e, &mismatch) {
		t.Fatalf("expected 10003 wrapping a format mismatch, got %v", e)
	}
	if len(f.channel.Ops()) != 0 {
		t.Fatalf("expected no connection attempt")
	}
}

func TestOpenFailureMovesToError(t *testing.T) {
	f := newFixture(t, testConfig())
	f.channel.FailOpen(errors.New("dial refused"))

	f.session.Start()
	waitFor(t, "error state", func() bool { return f.session.GetState() == StateError })
	waitFor(t, "error callback", func() bool { return len(f.rec.snapshot().errs) == 1 })
	if code := f.rec.snapshot().errs[0].Code; code != errorsx.CodeTransportFailed {
		t.Fatalf("expected 10006, got %d", code)
	}
	waitFor(t, "capture released", func() bool { return f.capture.last().releaseCount() == 1 })
}

func TestChannelErrorMovesToError(t *testing.T) {
	f := newFixture(t, testConfig())
	f.startRecording(t)

	f.channel.SimulateError(errors.New("reset by peer"))
	waitFor(t, "error state", func() bool { return f.session.GetState() == StateError })
	waitFor(t, "error callback", func() bool { return len(f.rec.snapshot().errs) == 1 })
	if code := f.rec.snapshot().errs[0].Code; code != errorsx.CodeTransportFailed {
		t.Fatalf("expected 10006, got %d", code)
	}
}

func TestCaptureExhaustionEndsInputAndWaitsForServer(t *testing.T) {
	f := newFixture(t, testConfig())
	h := f.startRecording(t)

	h.emit([]byte{0x10, 0x20})
	h.finish(nil)
	waitFor(t, "end frame", func() bool { return len(f.channel.Sent()) == 3 })
	if got := statuses(t, f.channel.Sent()); got[2] != 2 {
		t.Fatalf("expected end frame, got %v", got)
	}
	if f.session.GetState() != StateRecording {
		t.Fatalf("expected to keep waiting for the server, got %s", f.session.GetState())
	}
	waitFor(t, "capture release", func() bool { return h.releaseCount() == 1 })

	f.channel.Push([]byte(`{"code":0,"data":{"result":{"ws":[{"cw":[{"w":"完"}]}],"ls":true}}}`))
	f.channel.SimulateClose()
	waitFor(t, "idle", func() bool { return f.session.GetState() == StateIdle })
	if f.session.GetResult() != "完" {
		t.Fatalf("unexpected result %q", f.session.GetResult())
	}
}

func TestCaptureStreamFailure(t *testing.T) {
	f := newFixture(t, testConfig())
	h := f.startRecording(t)
	h.finish(errors.New("device unplugged"))
	waitFor(t, "error state", func() bool { return f.session.GetState() == StateError })
	waitFor(t, "error callback", func() bool { return len(f.rec.snapshot().errs) == 1 })
	if r := f.rec.snapshot().errs[0].Reason; r != errorsx.ReasonCaptureStream {
		t.Fatalf("expected capture_stream reason, got %s", r)
	}
}

func TestVolumeSamplingWhileRecording(t *testing.T) {
	cfg := testConfig()
	cfg.VolumeInterval = 5 * time.Millisecond
	f := newFixture(t, cfg)
	f.startRecording(t)

	waitFor(t, "volume", func() bool { return len(f.rec.snapshot().volumes) > 0 })
	if v := f.rec.snapshot().volumes[0]; v < 49.9 || v > 50.1 {
		t.Fatalf("expected volume 50, got %v", v)
	}

	f.session.Stop()
	time.Sleep(20 * time.Millisecond)
	n := len(f.rec.snapshot().volumes)
	time.Sleep(30 * time.Millisecond)
	if len(f.rec.snapshot().volumes) != n {
		t.Fatalf("expected sampling to stop after Stop")
	}
}

func TestRestartResetsResultAndSessionID(t *testing.T) {
	f := newFixture(t, testConfig())
	f.startRecording(t)
	firstID := f.session.SessionID()
	f.channel.Push([]byte(`{"code":0,"data":{"result":{"ws":[{"cw":[{"w":"一"}]}],"ls":true}}}`))
	waitFor(t, "result", func() bool { return f.session.GetResult() == "一" })
	f.session.Stop()

	f.startRecording(t)
	if f.session.GetResult() != "" {
		t.Fatalf("expected result reset on start, got %q", f.session.GetResult())
	}
	if id := f.session.SessionID(); id == "" || id == firstID {
		t.Fatalf("expected a fresh session id, got %q", id)
	}

	// The first cycle's deferred close must not touch the new connection.
	time.Sleep(60 * time.Millisecond)
	if !f.channel.IsOpen() || f.session.GetState() != StateRecording {
		t.Fatalf("expected second cycle to stay open")
	}
}

func TestAutoStart(t *testing.T) {
	cfg := testConfig()
	cfg.AutoStart = true
	f := newFixture(t, cfg)
	waitFor(t, "recording", func() bool { return f.session.GetState() == StateRecording })
}

func TestCloseReleasesEverything(t *testing.T) {
	f := newFixture(t, testConfig())
	h := f.startRecording(t)
	if err := f.session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if f.channel.IsOpen() || h.releaseCount() != 1 {
		t.Fatalf("expected channel and capture released")
	}
	if f.session.GetState() != StateStopped {
		t.Fatalf("expected stopped after close, got %s", f.session.GetState())
	}
	f.session.Start()
	f.session.Stop()
	_ = f.session.Close()
}

func TestObserverReceivesTaggedEvents(t *testing.T) {
	mem := metrics.NewMemoryObserver()
	f := newFixture(t, testConfig(), WithObserver(mem))
	h := f.startRecording(t)
	h.emit([]byte{1, 2, 3, 4})
	waitFor(t, "continue frame", func() bool { return len(f.channel.Sent()) == 2 })
	f.session.Stop()

	id := f.session.SessionID()
	frames := mem.Named(metrics.EventFrameSent)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frame events, got %d", len(frames))
	}
	kinds := []string{"start", "continue", "end"}
	for i, ev := range frames {
		if ev.Tags["kind"] != kinds[i] || ev.SessionID() != id {
			t.Fatalf("unexpected frame event %+v", ev)
		}
	}
	if len(mem.Named(metrics.EventOpened)) != 1 || len(mem.Named(metrics.EventStartRequested)) != 1 {
		t.Fatalf("expected lifecycle events")
	}
}

func TestAudioQueueBound(t *testing.T) {
	q := newAudioQueue(6)
	if !q.push("abc") || !q.push("def") {
		t.Fatalf("expected pushes within limit")
	}
	if q.push("g") {
		t.Fatalf("expected overflow to be rejected")
	}
	if p, _ := q.pop(); p != "abc" {
		t.Fatalf("expected FIFO order, got %q", p)
	}
	if !q.push("g") || q.len() != 2 {
		t.Fatalf("expected room after pop")
	}
	q.reset()
	if _, ok := q.pop(); ok {
		t.Fatalf("expected empty queue after reset")
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateConnecting, true},
		{StateConnecting, StateConnected, true},
		{StateConnected, StateRecording, true},
		{StateRecording, StateStopped, true},
		{StateRecording, StateIdle, true},
		{StateStopped, StateConnecting, true},
		{StateError, StateConnecting, true},
		{StateIdle, StateRecording, false},
		{StateStopped, StateRecording, false},
		{StateError, StateIdle, false},
	}
	for _, tc := range cases {
		if got := transitionValid(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
	if !StateRecording.Active() || StateStopped.Active() {
		t.Fatalf("unexpected Active()")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{AppID: "a", APIKey: "k", APISecret: "s", AudioFormat: "audio/L16;rate=8000"}.withDefaults()
	if cfg.Language != "zh_cn" || cfg.Domain != "iat" || cfg.Accent != "mandarin" {
		t.Fatalf("unexpected selectors %+v", cfg)
	}
	if cfg.VADEOS != 3*time.Second || cfg.MaxAudioSize != 1<<20 || cfg.DrainWindow != time.Second {
		t.Fatalf("unexpected limits %+v", cfg)
	}
	if cfg.Constraints.SampleRate != 8000 || !cfg.Constraints.NoiseSuppression {
		t.Fatalf("unexpected constraints %+v", cfg.Constraints)
	}
	if p := cfg.businessParams(); !p.Punctuation || p.VADEOSMS != 3000 {
		t.Fatalf("unexpected business params %+v", p)
	}
	off := false
	cfg = Config{Punctuation: &off}.withDefaults()
	if cfg.businessParams().Punctuation {
		t.Fatalf("expected punctuation off")
	}
}
