package audio

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// frameDuration is the read granularity. Reads feed the analysis window
// between chunk boundaries; chunk size does not depend on it.
const frameDuration = 20 * time.Millisecond

var (
	ErrReleased        = errors.New("audio: capture released")
	ErrAlreadyChunking = errors.New("audio: chunking already started")
)

// pcmHandle turns a stream of s16le PCM into timed chunks.
type pcmHandle struct {
	src      io.ReadCloser
	stop     func() error
	rate     int
	channels int
	realtime bool

	mu       sync.Mutex
	window   []float32
	next     int
	filled   int
	started  bool
	released bool

	done        chan struct{}
	releaseOnce sync.Once
	releaseErr  error
}

func newPCMHandle(src io.ReadCloser, stop func() error, c Constraints, realtime bool) *pcmHandle {
	c = c.withDefaults()
	return &pcmHandle{
		src:      src,
		stop:     stop,
		rate:     c.SampleRate,
		channels: c.Channels,
		realtime: realtime,
		window:   make([]float32, AnalysisWindow),
		done:     make(chan struct{}),
	}
}

// bytesFor rounds d down to whole sample frames.
func (h *pcmHandle) bytesFor(d time.Duration) int {
	frame := 2 * h.channels
	n := int(int64(h.rate) * int64(frame) * int64(d) / int64(time.Second))
	if n < frame {
		return frame
	}
	return n - n%frame
}

func (h *pcmHandle) StartChunking(interval time.Duration, sink Sink) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrReleased
	}
	if h.started {
		return ErrAlreadyChunking
	}
	h.started = true
	go h.pump(interval, sink)
	return nil
}

func (h *pcmHandle) pump(interval time.Duration, sink Sink) {
	frame := make([]byte, h.bytesFor(frameDuration))
	chunkSize := h.bytesFor(interval)
	chunk := make([]byte, 0, chunkSize)
	began := time.Now()
	var read int64

	for {
		n, err := io.ReadFull(h.src, frame)
		if n > 0 {
			data := frame[:n-n%2]
			h.observe(data)
			chunk = append(chunk, data...)
			read += int64(len(data))
			for len(chunk) >= chunkSize {
				if !h.emit(sink, chunk[:chunkSize]) {
					return
				}
				chunk = append(chunk[:0], chunk[chunkSize:]...)
			}
			if h.realtime {
				h.pace(began, read)
			}
		}
		if err != nil {
			if len(chunk) > 0 && !h.emit(sink, chunk) {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = nil
			}
			h.end(sink, err)
			return
		}
	}
}

func (h *pcmHandle) pace(began time.Time, read int64) {
	due := began.Add(time.Duration(read * int64(time.Second) / int64(h.rate*h.channels*2)))
	if wait := time.Until(due); wait > 0 {
		select {
		case <-time.After(wait):
		case <-h.done:
		}
	}
}

func (h *pcmHandle) emit(sink Sink, data []byte) bool {
	if h.isReleased() {
		return false
	}
	sink.OnChunk(Chunk{Data: append([]byte(nil), data...), Encoding: EncodingRaw})
	return true
}

func (h *pcmHandle) end(sink Sink, err error) {
	if h.isReleased() {
		return
	}
	sink.OnEnd(err)
}

func (h *pcmHandle) observe(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i+1 < len(data); i += 2 * h.channels {
		sample := int16(binary.LittleEndian.Uint16(data[i:]))
		h.window[h.next] = float32(sample) / 32768
		h.next = (h.next + 1) % len(h.window)
		if h.filled < len(h.window) {
			h.filled++
		}
	}
}

func (h *pcmHandle) SampleEnergy(buf []float32) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.filled
	if n > len(buf) {
		n = len(buf)
	}
	start := (h.next - n + len(h.window)) % len(h.window)
	for i := 0; i < n; i++ {
		buf[i] = h.window[(start+i)%len(h.window)]
	}
	return n
}

func (h *pcmHandle) isReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

func (h *pcmHandle) Release() error {
	h.releaseOnce.Do(func() {
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()
		close(h.done)

		if h.stop != nil {
			h.releaseErr = h.stop()
		}
		if err := h.src.Close(); err != nil && h.releaseErr == nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
			h.releaseErr = err
		}
	})
	return h.releaseErr
}
