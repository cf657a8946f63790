package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CaptureConfig describes how the microphone is captured.
type CaptureConfig struct {
	Command     string
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// FFmpegPlatform captures s16le PCM from the system microphone through ffmpeg.
// It can't query permission without opening the device.
type FFmpegPlatform struct {
	cfg CaptureConfig
}

func NewFFmpegPlatform(cfg CaptureConfig) *FFmpegPlatform {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	return &FFmpegPlatform{cfg: cfg}
}

// Config returns the effective capture configuration.
func (p *FFmpegPlatform) Config() CaptureConfig {
	return p.cfg
}

func (p *FFmpegPlatform) args() []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", p.cfg.InputFormat,
		"-i", p.cfg.InputDevice,
		"-ac", strconv.Itoa(p.cfg.Channels),
		"-ar", strconv.Itoa(p.cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
}

func (p *FFmpegPlatform) Acquire(ctx context.Context) (Stream, error) {
	// The process must outlive the acquiring request; Close stops it.
	cmd := exec.CommandContext(context.WithoutCancel(ctx), p.cfg.Command, p.args()...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrDeviceUnavailable, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		return nil, classifyCaptureError(err, stderr.String())
	case <-time.After(250 * time.Millisecond):
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, ctx.Err()
	}

	return &ffmpegStream{
		stdout:  stdout,
		stderr:  stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

// classifyCaptureError maps an early ffmpeg exit to a device error.
func classifyCaptureError(err error, stderr string) error {
	detail := strings.TrimSpace(stderr)
	lower := strings.ToLower(detail)
	for _, marker := range []string{"permission denied", "not authorized", "operation not permitted"} {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, detail)
		}
	}
	if err == nil {
		return fmt.Errorf("%w: ffmpeg exited before capture started", ErrDeviceUnavailable)
	}
	if detail == "" {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return fmt.Errorf("%w: %v: %s", ErrDeviceUnavailable, err, detail)
}

type ffmpegStream struct {
	stdout io.ReadCloser
	stderr *lockedBuffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegStream) Close() error {
	s.stopOnce.Do(func() {
		_ = s.process.Signal(os.Interrupt)

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			_ = s.process.Kill()
			if err, ok := <-s.waitErr; ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && s.stopErr == nil {
			s.stopErr = closeErr
		}
		if s.stopErr != nil {
			if detail := strings.TrimSpace(s.stderr.String()); detail != "" {
				s.stopErr = fmt.Errorf("%w: %s", s.stopErr, detail)
			}
		}
	})
	return s.stopErr
}

func normalizeStopErr(err error) error {
	var exitErr *exec.ExitError
	if err == nil || errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// lockedBuffer guards stderr, which ffmpeg's copier writes from another goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
