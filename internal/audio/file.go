package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/flac"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/vorbis"
	"github.com/gopxl/beep/wav"

	"speaker-diarizer/internal/platform/apperr"
)

// DefaultMaxImportDuration caps the length of an imported file.
const DefaultMaxImportDuration = 4 * time.Hour

const decodeChunk = 4096

// maxPreallocFrames bounds the up-front allocation for a decoded file.
const maxPreallocFrames = 48000 * 60

// Import is the result of loading an audio file.
type Import struct {
	Path           string        `json:"path"`
	Format         string        `json:"format"`
	SourceRate     int           `json:"source_rate"`
	SourceChannels int           `json:"source_channels"`
	Duration       float64       `json:"duration"`
	Buffer         *SampleBuffer `json:"-"`
}

// FileSource decodes a whole audio file into one canonical SampleBuffer.
// WAV, MP3, FLAC and Ogg Vorbis are decoded in-process; other containers
// go through ffmpeg when it is configured.
type FileSource struct {
	norm        *Normalizer
	log         *slog.Logger
	ffmpegPath  string
	maxDuration time.Duration
}

// FileSourceOption configures a FileSource.
type FileSourceOption func(*FileSource)

// WithFFmpeg enables ffmpeg extraction for formats beep cannot decode.
func WithFFmpeg(path string) FileSourceOption {
	return func(f *FileSource) { f.ffmpegPath = path }
}

// WithMaxDuration overrides DefaultMaxImportDuration. Zero disables the cap.
func WithMaxDuration(d time.Duration) FileSourceOption {
	return func(f *FileSource) { f.maxDuration = d }
}

// NewFileSource returns a FileSource that normalizes through norm.
func NewFileSource(norm *Normalizer, log *slog.Logger, opts ...FileSourceOption) *FileSource {
	f := &FileSource{norm: norm, log: log, maxDuration: DefaultMaxImportDuration}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Load decodes path into a canonical buffer. A file that cannot be opened
// for permission reasons yields an AccessDenied error.
func (f *FileSource) Load(ctx context.Context, path string) (*Import, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, openError(path, err)
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch ext {
	case "wav", "wave", "mp3", "flac", "ogg", "oga":
		defer file.Close()
		return f.decode(path, ext, file)
	}
	file.Close()

	if f.ffmpegPath == "" {
		return nil, apperr.ConversionFailed(fmt.Sprintf("unsupported audio format %q", ext))
	}
	return f.extract(ctx, path, ext)
}

func (f *FileSource) decode(path, ext string, file *os.File) (*Import, error) {
	var (
		s      beep.StreamSeekCloser
		format beep.Format
		err    error
		scale  = 1.0
	)
	switch ext {
	case "mp3":
		s, format, err = mp3.Decode(file)
	case "flac":
		s, format, err = flac.Decode(file)
	case "ogg", "oga":
		s, format, err = vorbis.Decode(file)
	default:
		s, format, err = wav.Decode(file)
		scale = wavScale(format.Precision)
	}
	if err != nil {
		return nil, apperr.ConversionFailed(fmt.Sprintf("decode %s", ext)).WithCause(err)
	}
	defer s.Close()

	rate := int(format.SampleRate)
	frames := s.Len()
	if frames <= 0 || rate <= 0 {
		return nil, apperr.BufferCreationFailed("file contains no audio frames")
	}
	if err := f.checkDuration(float64(frames) / float64(rate)); err != nil {
		return nil, err
	}

	// beep exposes at most two channels.
	channels := format.NumChannels
	if channels > 2 {
		channels = 2
	}
	if channels < 1 {
		channels = 1
	}

	// Frame counts come from the header; the slice grows from the data
	// actually read.
	raw := make([]float32, 0, min(frames, maxPreallocFrames)*channels)
	chunk := make([][2]float64, decodeChunk)
	for {
		n, ok := s.Stream(chunk)
		for i := 0; i < n; i++ {
			raw = append(raw, float32(chunk[i][0]*scale))
			if channels == 2 {
				raw = append(raw, float32(chunk[i][1]*scale))
			}
		}
		if !ok || n == 0 {
			break
		}
	}
	if err := s.Err(); err != nil {
		return nil, apperr.ConversionFailed(fmt.Sprintf("decode %s", ext)).WithCause(err)
	}
	read := len(raw) / channels
	if read == 0 {
		return nil, apperr.ConversionFailed(fmt.Sprintf("decode %s: no audio data", ext))
	}
	if read < frames {
		f.log.Warn("audio file is truncated",
			slog.String("path", path),
			slog.Int("header_frames", frames),
			slog.Int("read_frames", read))
	}

	buf, err := f.norm.Normalize(raw, rate, channels, CanonicalRate)
	if err != nil {
		return nil, err
	}

	imp := &Import{
		Path:           path,
		Format:         ext,
		SourceRate:     rate,
		SourceChannels: format.NumChannels,
		Duration:       float64(read) / float64(rate),
		Buffer:         buf,
	}
	f.log.Debug("audio file decoded",
		slog.String("path", path),
		slog.String("format", ext),
		slog.Int("source_rate", rate),
		slog.Int("source_channels", format.NumChannels),
		slog.Int("samples", buf.Len()))
	return imp, nil
}

// wavScale corrects beep's WAV decoder, which divides signed PCM by
// 2^bits-1 instead of 2^(bits-1) and so yields half-scale samples.
func wavScale(precision int) float64 {
	switch precision {
	case 2:
		return float64(1<<16-1) / float64(1<<15)
	case 3:
		return float64(1<<24-1) / float64(1<<23)
	default:
		return 1
	}
}

// extract runs ffmpeg to produce canonical 16-bit mono PCM. The pan filter
// keeps channel 0, matching the in-process downmix rule.
func (f *FileSource) extract(ctx context.Context, path, ext string) (*Import, error) {
	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-nostdin", "-v", "error",
		"-i", path,
		"-af", "pan=mono|c0=c0",
		"-ar", strconv.Itoa(CanonicalRate),
		"-f", "s16le", "-acodec", "pcm_s16le",
		"-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, apperr.ConversionFailed("ffmpeg extraction").
			WithCause(fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
	}

	samples, err := DecodePCM16(out)
	if err != nil {
		return nil, apperr.ConversionFailed("ffmpeg output").WithCause(err)
	}
	if len(samples) == 0 {
		return nil, apperr.BufferCreationFailed("file contains no audio frames")
	}
	buf := FromSamples(samples, CanonicalRate)
	if err := f.checkDuration(buf.Duration()); err != nil {
		return nil, err
	}

	f.log.Debug("audio file extracted with ffmpeg",
		slog.String("path", path),
		slog.String("format", ext),
		slog.Int("samples", buf.Len()))
	return &Import{
		Path:           path,
		Format:         ext,
		SourceRate:     CanonicalRate,
		SourceChannels: 1,
		Duration:       buf.Duration(),
		Buffer:         buf,
	}, nil
}

func (f *FileSource) checkDuration(seconds float64) error {
	if f.maxDuration <= 0 {
		return nil
	}
	if time.Duration(seconds*float64(time.Second)) > f.maxDuration {
		return apperr.BufferCreationFailed(fmt.Sprintf("audio is %.0fs, limit is %s", seconds, f.maxDuration))
	}
	return nil
}

func openError(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return apperr.AccessDenied(path).WithCause(err)
	case errors.Is(err, fs.ErrNotExist):
		return apperr.NotFound("audio file", path).WithCause(err)
	default:
		return apperr.InvalidInput(fmt.Sprintf("cannot open %s", path)).WithCause(err)
	}
}
