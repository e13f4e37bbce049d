package audio

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Agions/xfyun-sdk/pkg/configutil"
)

// FileConfig replays a raw s16le PCM or PCM WAV file as if it were live.
type FileConfig struct {
	Path string `mapstructure:"path"`
	// Realtime paces chunks at the audio's own speed. The service rejects
	// audio sent much faster than real time, so it defaults to true.
	Realtime *bool `mapstructure:"realtime"`
}

// FileCapture replays audio files.
type FileCapture struct {
	cfg FileConfig
}

func NewFileCapture(cfg FileConfig) *FileCapture {
	return &FileCapture{cfg: cfg}
}

func (c *FileCapture) Name() string { return "file" }

// Available reports whether the configured file exists.
func (c *FileCapture) Available() error {
	if strings.TrimSpace(c.cfg.Path) == "" {
		return errors.New("audio file path is required")
	}
	if _, err := os.Stat(c.cfg.Path); err != nil {
		return fmt.Errorf("audio file not available: %w", err)
	}
	return nil
}

func (c *FileCapture) Acquire(ctx context.Context, cons Constraints) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.cfg.Path) == "" {
		return nil, errors.New("audio file path is required")
	}
	f, err := os.Open(c.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	cons = cons.withDefaults()
	src, err := openPCM(f, cons)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return newPCMHandle(src, nil, cons, configutil.BoolValue(c.cfg.Realtime, true)), nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// FormatMismatchError reports a WAV header that disagrees with the format the
// session declares to the service.
type FormatMismatchError struct {
	Path         string
	FileRate     int
	FileChannels int
	Want         Constraints
}

func (e *FormatMismatchError) Error() string {
	return fmt.Sprintf("wav %s is %d Hz/%d ch, session expects %d Hz/%d ch (set recognition.audio_format to match)",
		e.Path, e.FileRate, e.FileChannels, e.Want.SampleRate, e.Want.Channels)
}

// openPCM skips a WAV header when present. Raw files are assumed to match cons.
func openPCM(f *os.File, cons Constraints) (io.ReadCloser, error) {
	br := bufio.NewReader(f)
	head, err := br.Peek(12)
	if err != nil || string(head[0:4]) != "RIFF" || string(head[8:12]) != "WAVE" {
		return readCloser{Reader: br, Closer: f}, nil
	}
	if _, err := br.Discard(12); err != nil {
		return nil, err
	}
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return nil, fmt.Errorf("wav: missing data chunk: %w", err)
		}
		id := string(hdr[0:4])
		size := int(binary.LittleEndian.Uint32(hdr[4:8]))
		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(br, body); err != nil {
				return nil, fmt.Errorf("wav: short fmt chunk: %w", err)
			}
			if size < 16 {
				return nil, errors.New("wav: invalid fmt chunk")
			}
			if format := binary.LittleEndian.Uint16(body[0:2]); format != 1 {
				return nil, fmt.Errorf("wav: unsupported format %d, want PCM", format)
			}
			if bits := binary.LittleEndian.Uint16(body[14:16]); bits != 16 {
				return nil, fmt.Errorf("wav: unsupported bit depth %d, want 16", bits)
			}
			channels := int(binary.LittleEndian.Uint16(body[2:4]))
			rate := int(binary.LittleEndian.Uint32(body[4:8]))
			if rate != cons.SampleRate || channels != cons.Channels {
				return nil, &FormatMismatchError{Path: f.Name(), FileRate: rate, FileChannels: channels, Want: cons}
			}
		case "data":
			return readCloser{Reader: io.LimitReader(br, int64(size)), Closer: f}, nil
		default:
			if _, err := br.Discard(size + size%2); err != nil {
				return nil, fmt.Errorf("wav: skip %q: %w", id, err)
			}
		}
		if size%2 == 1 && id == "fmt " {
			_, _ = br.Discard(1)
		}
	}
}
