package audio

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
	// EncodingRaw tags little-endian 16-bit PCM payloads.
	EncodingRaw = "raw"
	// AnalysisWindow matches a 2048-point analyser buffer.
	AnalysisWindow = 2048
)

// Constraints describes how the microphone should be captured.
type Constraints struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

func (c Constraints) withDefaults() Constraints {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = DefaultChannels
	}
	return c
}

// Chunk is one timed segment of encoded audio.
type Chunk struct {
	Data     []byte
	Encoding string
}

// Sink receives chunks from a handle. OnEnd is called once when the source
// is exhausted (nil) or failed; it is not called after Release.
type Sink interface {
	OnChunk(chunk Chunk)
	OnEnd(err error)
}

// Handle is a live capture acquired from a Capture.
type Handle interface {
	// StartChunking begins emitting chunks at a fixed cadence.
	StartChunking(interval time.Duration, sink Sink) error
	// SampleEnergy copies the most recent analysis window into buf and
	// returns the number of samples written.
	SampleEnergy(buf []float32) int
	// Release stops capture and frees every resource. It is idempotent.
	Release() error
}

// Capture acquires microphone (or microphone-like) sources.
type Capture interface {
	Name() string
	Acquire(ctx context.Context, c Constraints) (Handle, error)
}

// Prober is implemented by captures that can tell whether their device or
// tool exists without acquiring it.
type Prober interface {
	Available() error
}

// Volume is the root-mean-square of samples scaled by 100.
func Volume(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum/float64(len(samples))) * 100
}

// SampleRateFromFormat extracts the rate from a format such as
// "audio/L16;rate=16000".
func SampleRateFromFormat(format string) int {
	for _, part := range strings.Split(format, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "rate") {
			continue
		}
		if rate, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && rate > 0 {
			return rate
		}
	}
	return DefaultSampleRate
}
