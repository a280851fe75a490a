package audio

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"sync"

	"speaker-diarizer/internal/platform/apperr"
)

// DefaultChunkFrames is the number of frames delivered per device callback.
const DefaultChunkFrames = 1600

// Format describes the interleaved PCM a Device delivers.
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// Device is a live input that delivers interleaved float32 frames to
// onData until stopped. When the input ends on its own, onEnd is called
// once with nil or the read error; it is not called after Stop. Both
// callbacks may run on a goroutine owned by the device.
type Device interface {
	Format() Format
	Start(onData func(interleaved []float32), onEnd func(err error)) error
	Stop() error
}

// ReaderDevice reads signed 16-bit little-endian PCM from a stream opened
// on Start, e.g. a pipe from arecord or ffmpeg.
type ReaderDevice struct {
	open   func() (io.ReadCloser, error)
	format Format
	frames int
	log    *slog.Logger

	mu   sync.Mutex
	rc   io.ReadCloser
	done chan struct{}
}

// NewReaderDevice returns a device that calls open on every Start.
func NewReaderDevice(open func() (io.ReadCloser, error), format Format, log *slog.Logger) *ReaderDevice {
	return &ReaderDevice{open: open, format: format, frames: DefaultChunkFrames, log: log}
}

// NewCommandDevice returns a device backed by the stdout of an external
// capture command, which must emit s16le PCM in the given format.
func NewCommandDevice(name string, args []string, format Format, log *slog.Logger) *ReaderDevice {
	open := func() (io.ReadCloser, error) {
		cmd := exec.Command(name, args...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return &commandStream{ReadCloser: stdout, cmd: cmd}, nil
	}
	return NewReaderDevice(open, format, log)
}

// Format implements Device.Format.
func (d *ReaderDevice) Format() Format { return d.format }

// Start implements Device.Start.
func (d *ReaderDevice) Start(onData func(interleaved []float32), onEnd func(err error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rc != nil {
		return errors.New("capture device already started")
	}
	if d.format.SampleRate <= 0 || d.format.Channels < 1 {
		return apperr.InvalidInput(fmt.Sprintf("capture format %d Hz x %d channels", d.format.SampleRate, d.format.Channels))
	}

	rc, err := d.open()
	if err != nil {
		return deviceError(err)
	}
	d.rc = rc
	d.done = make(chan struct{})
	go d.pump(rc, onData, onEnd, d.done)
	return nil
}

// Stop implements Device.Stop. It waits for the read loop to exit.
func (d *ReaderDevice) Stop() error {
	d.mu.Lock()
	rc, done := d.rc, d.done
	d.rc, d.done = nil, nil
	d.mu.Unlock()

	if rc == nil {
		return nil
	}
	err := rc.Close()
	<-done
	return err
}

func (d *ReaderDevice) pump(rc io.ReadCloser, onData func([]float32), onEnd func(error), done chan struct{}) {
	defer close(done)

	frameBytes := 2 * d.format.Channels
	chunk := make([]byte, d.frames*frameBytes)
	for {
		n, err := io.ReadFull(rc, chunk)
		if usable := n - n%frameBytes; usable > 0 {
			samples, _ := DecodePCM16(chunk[:usable])
			onData(samples)
		}
		if err != nil {
			d.finish(rc, done, err, onEnd)
			return
		}
	}
}

// finish releases a stream that ended without Stop. A stream closed by
// Stop is left to Stop.
func (d *ReaderDevice) finish(rc io.ReadCloser, done chan struct{}, err error, onEnd func(error)) {
	d.mu.Lock()
	owned := d.done == done
	if owned {
		d.rc, d.done = nil, nil
	}
	d.mu.Unlock()
	if !owned {
		return
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	} else {
		d.log.Warn("capture read failed", slog.String("error", err.Error()))
	}
	_ = rc.Close()
	if onEnd != nil {
		onEnd(err)
	}
}

func deviceError(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return apperr.AccessDenied("capture device").WithCause(err)
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return apperr.NotFound("capture device", "").WithCause(err)
	default:
		return fmt.Errorf("open capture device: %w", err)
	}
}

// commandStream stops the capture process when the stream is closed.
type commandStream struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (c *commandStream) Close() error {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	err := c.ReadCloser.Close()
	_ = c.cmd.Wait()
	return err
}
