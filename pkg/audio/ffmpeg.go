package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// FFmpegConfig selects the recorder binary and input device.
type FFmpegConfig struct {
	Command     string `mapstructure:"command"`
	InputFormat string `mapstructure:"input_format"`
	InputDevice string `mapstructure:"input_device"`
	// StartupProbe is how long the process must stay alive before the
	// capture counts as acquired.
	StartupProbe time.Duration `mapstructure:"startup_probe"`
}

// FFmpegCapture streams microphone PCM audio using ffmpeg.
type FFmpegCapture struct {
	cfg FFmpegConfig
}

func NewFFmpegCapture(cfg FFmpegConfig) *FFmpegCapture {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	if cfg.StartupProbe <= 0 {
		cfg.StartupProbe = 250 * time.Millisecond
	}
	return &FFmpegCapture{cfg: cfg}
}

func (c *FFmpegCapture) Name() string { return "ffmpeg" }

// Args returns the ffmpeg command line for the given constraints.
func (c *FFmpegCapture) Args(cons Constraints) []string {
	cons = cons.withDefaults()
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.cfg.InputFormat,
		"-i", c.cfg.InputDevice,
	}
	var filters []string
	if cons.NoiseSuppression {
		filters = append(filters, "afftdn")
	}
	if cons.AutoGainControl {
		filters = append(filters, "dynaudnorm")
	}
	if len(filters) > 0 {
		args = append(args, "-af", strings.Join(filters, ","))
	}
	return append(args,
		"-ac", strconv.Itoa(cons.Channels),
		"-ar", strconv.Itoa(cons.SampleRate),
		"-f", "s16le",
		"-",
	)
}

// Available reports whether the ffmpeg binary can be found.
func (c *FFmpegCapture) Available() error {
	if _, err := exec.LookPath(c.cfg.Command); err != nil {
		return fmt.Errorf("ffmpeg not available: %w", err)
	}
	return nil
}

func (c *FFmpegCapture) Acquire(ctx context.Context, cons Constraints) (Handle, error) {
	cons = cons.withDefaults()
	if err := c.Available(); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command, c.Args(cons)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, trimOutput(stderr.String()))
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, ctx.Err()
	case <-time.After(c.cfg.StartupProbe):
	}

	proc := &ffmpegProcess{process: cmd.Process, waitErr: waitErr, stderr: &stderr}
	return newPCMHandle(stdout, proc.stop, cons, false), nil
}

type ffmpegProcess struct {
	process *os.Process
	waitErr <-chan error
	stderr  *bytes.Buffer
}

func (p *ffmpegProcess) stop() error {
	if p.process != nil {
		_ = p.process.Signal(os.Interrupt)
	}

	var stopErr error
	select {
	case err, ok := <-p.waitErr:
		if ok {
			stopErr = normalizeExitErr(err)
		}
	case <-time.After(1200 * time.Millisecond):
		if p.process != nil {
			_ = p.process.Kill()
		}
		if err, ok := <-p.waitErr; ok {
			stopErr = normalizeExitErr(err)
		}
	}

	if stopErr != nil && p.stderr != nil && p.stderr.Len() > 0 {
		stopErr = fmt.Errorf("%w: %s", stopErr, trimOutput(p.stderr.String()))
	}
	return stopErr
}

func normalizeExitErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimOutput(input string) string {
	return strings.TrimSpace(input)
}
