// Package pyannote implements engine.Provider against a pyannote HTTP
// sidecar.
package pyannote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"speaker-diarizer/internal/engine"
)

const (
	// ProviderName is the registered name for the pyannote provider.
	ProviderName = "pyannote"

	defaultBaseURL = "http://localhost:8388"
	defaultTimeout = 300 * time.Second
)

// Config holds configuration for the pyannote provider.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Assets maps model asset names to download URLs. Optional.
	Assets map[string]string
	// CacheDir receives downloaded assets.
	CacheDir string
}

// Provider implements engine.Provider using the pyannote sidecar.
type Provider struct {
	cfg     Config
	client  *http.Client
	fetcher *engine.Fetcher
}

// NewProvider creates a new pyannote provider.
func NewProvider(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "speaker-diarizer", ProviderName)
	}
	client := &http.Client{Timeout: cfg.Timeout}
	return &Provider{
		cfg:     cfg,
		client:  client,
		fetcher: engine.NewFetcher(cfg.CacheDir, nil),
	}
}

// Factory builds a Provider from settings: base_url, timeout, cache_dir,
// assets ("name=url,...").
func Factory() engine.Factory {
	return func(settings map[string]string) (engine.Provider, error) {
		cfg := Config{
			BaseURL:  settings["base_url"],
			CacheDir: settings["cache_dir"],
		}
		if v := settings["timeout"]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("pyannote timeout: %w", err)
			}
			cfg.Timeout = d
		}
		if v := settings["assets"]; v != "" {
			assets, err := engine.ParseAssetList(v)
			if err != nil {
				return nil, fmt.Errorf("pyannote assets: %w", err)
			}
			cfg.Assets = assets
		}
		return NewProvider(cfg), nil
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return ProviderName }

// AcquireModels checks the sidecar is reachable and fetches configured
// model assets into the cache.
func (p *Provider) AcquireModels(ctx context.Context) (*engine.Models, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create health request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pyannote health check: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pyannote health check: status %d", resp.StatusCode)
	}

	files, err := p.fetcher.Fetch(ctx, p.cfg.Assets)
	if err != nil {
		return nil, err
	}
	return &engine.Models{Provider: ProviderName, Dir: p.fetcher.Dir(), Files: files}, nil
}

// NewEngine binds cfg to the sidecar.
func (p *Provider) NewEngine(cfg engine.Config, models *engine.Models) (engine.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if models == nil {
		return nil, fmt.Errorf("pyannote: models not acquired")
	}
	return &Engine{baseURL: p.cfg.BaseURL, client: p.client, cfg: cfg, models: models}, nil
}

// Engine posts buffers to the sidecar's /diarize endpoint.
type Engine struct {
	baseURL string
	client  *http.Client
	cfg     engine.Config
	models  *engine.Models
}

// Diarize encodes samples as WAV and sends them with the engine
// configuration as multipart form fields.
func (e *Engine) Diarize(ctx context.Context, samples []float32, sampleRate int) ([]engine.Segment, error) {
	wavPath, err := engine.WriteTempWAV("", samples, sampleRate)
	if err != nil {
		return nil, err
	}
	defer os.Remove(wavPath)

	body, contentType, err := e.form(wavPath, sampleRate)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/diarize", body)
	if err != nil {
		body.Close()
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("diarization request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("diarization error (status %d): %s", resp.StatusCode, string(msg))
	}

	var result pyannoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode diarization response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("diarization error: %s", result.Error)
	}
	return toSegments(result.Segments), nil
}

// form streams the multipart body through a pipe so the WAV is never held
// in memory twice. Closing the returned reader releases the writer.
func (e *Engine) form(wavPath string, sampleRate int) (io.ReadCloser, string, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return nil, "", fmt.Errorf("open wav: %w", err)
	}

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		defer f.Close()
		pw.CloseWithError(e.writeForm(writer, f, sampleRate))
	}()
	return pr, writer.FormDataContentType(), nil
}

func (e *Engine) writeForm(writer *multipart.Writer, audio io.Reader, sampleRate int) error {
	part, err := writer.CreateFormFile("audio", "audio.wav")
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return fmt.Errorf("write audio data: %w", err)
	}
	if err := writer.WriteField("sample_rate", strconv.Itoa(sampleRate)); err != nil {
		return fmt.Errorf("write sample_rate: %w", err)
	}
	for _, p := range e.cfg.Params() {
		if err := writer.WriteField(p.Name, p.Value); err != nil {
			return fmt.Errorf("write %s: %w", p.Name, err)
		}
	}
	for name, path := range e.models.Files {
		if err := writer.WriteField("model_"+name, filepath.Base(path)); err != nil {
			return fmt.Errorf("write model_%s: %w", name, err)
		}
	}
	return writer.Close()
}

// --- internal pyannote API types ---

type pyannoteResponse struct {
	Segments    []pyannoteSegment `json:"segments"`
	NumSpeakers int               `json:"num_speakers"`
	Error       string            `json:"error,omitempty"`
}

type pyannoteSegment struct {
	SpeakerID    string   `json:"speaker_id"`
	StartTime    float64  `json:"start_time"`
	EndTime      float64  `json:"end_time"`
	QualityScore *float64 `json:"quality_score,omitempty"`
}

func toSegments(in []pyannoteSegment) []engine.Segment {
	segments := make([]engine.Segment, len(in))
	for i, seg := range in {
		quality := 1.0
		if seg.QualityScore != nil {
			quality = *seg.QualityScore
		}
		segments[i] = engine.Segment{
			SpeakerLabel: seg.SpeakerID,
			StartSeconds: seg.StartTime,
			EndSeconds:   seg.EndTime,
			QualityScore: quality,
		}
	}
	return segments
}
