// Package sona implements engine.Provider by running the sona-diarize
// binary as a subprocess.
package sona

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"speaker-diarizer/internal/engine"
)

const (
	// ProviderName is the registered name for the sona provider.
	ProviderName = "sona"

	binaryName = "sona-diarize"
	modelAsset = "model"
	binaryFile = "binary"
)

// Config holds configuration for the sona provider.
type Config struct {
	// BinPath overrides the binary lookup when set.
	BinPath string
	// ModelPath points at a local model file. When empty the model is
	// fetched from ModelURL into CacheDir.
	ModelPath string
	ModelURL  string
	CacheDir  string
}

// Provider implements engine.Provider using sona-diarize.
type Provider struct {
	cfg     Config
	fetcher *engine.Fetcher
	log     *slog.Logger
}

// NewProvider creates a new sona provider.
func NewProvider(cfg Config, log *slog.Logger) *Provider {
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "speaker-diarizer", ProviderName)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Provider{cfg: cfg, fetcher: engine.NewFetcher(cfg.CacheDir, nil), log: log}
}

// Factory builds a Provider from settings: bin_path, model_path,
// model_url, cache_dir.
func Factory(log *slog.Logger) engine.Factory {
	return func(settings map[string]string) (engine.Provider, error) {
		return NewProvider(Config{
			BinPath:   settings["bin_path"],
			ModelPath: settings["model_path"],
			ModelURL:  settings["model_url"],
			CacheDir:  settings["cache_dir"],
		}, log), nil
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return ProviderName }

// AcquireModels locates the binary and makes the model available locally.
func (p *Provider) AcquireModels(ctx context.Context) (*engine.Models, error) {
	bin, err := p.findDiarizer()
	if err != nil {
		return nil, err
	}

	model := p.cfg.ModelPath
	if model == "" {
		if p.cfg.ModelURL == "" {
			return nil, fmt.Errorf("sona: no model path or model url configured")
		}
		files, err := p.fetcher.Fetch(ctx, map[string]string{modelAsset: p.cfg.ModelURL})
		if err != nil {
			return nil, err
		}
		model = files[modelAsset]
	} else if _, err := os.Stat(model); err != nil {
		return nil, fmt.Errorf("sona model: %w", err)
	}

	return &engine.Models{
		Provider: ProviderName,
		Dir:      p.fetcher.Dir(),
		Files:    map[string]string{modelAsset: model, binaryFile: bin},
	}, nil
}

// findDiarizer checks, in order: the configured path, $PATH, and a binary
// next to the current executable.
func (p *Provider) findDiarizer() (string, error) {
	if p.cfg.BinPath != "" {
		if _, err := os.Stat(p.cfg.BinPath); err == nil {
			return p.cfg.BinPath, nil
		}
		p.log.Warn("configured sona-diarize not found, continuing search", "path", p.cfg.BinPath)
	}

	path, err := exec.LookPath(binaryName)
	if err == nil {
		return path, nil
	}

	if exe, exErr := os.Executable(); exErr == nil {
		for _, candidate := range []string{
			filepath.Join(filepath.Dir(exe), binaryName),
			filepath.Join(filepath.Dir(exe), binaryName+".exe"),
		} {
			if _, statErr := os.Stat(candidate); statErr == nil {
				return candidate, nil
			}
		}
	}

	return "", fmt.Errorf("%s not found: %w", binaryName, err)
}

// NewEngine binds cfg to the located binary and model.
func (p *Provider) NewEngine(cfg engine.Config, models *engine.Models) (engine.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if models == nil || models.Files[binaryFile] == "" || models.Files[modelAsset] == "" {
		return nil, fmt.Errorf("sona: models not acquired")
	}
	return &Engine{
		bin:   models.Files[binaryFile],
		model: models.Files[modelAsset],
		cfg:   cfg,
		log:   p.log,
	}, nil
}

// Engine runs one sona-diarize process per call.
type Engine struct {
	bin   string
	model string
	cfg   engine.Config
	log   *slog.Logger
}

type sonaSegment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	SpeakerID  int      `json:"speaker_id"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Diarize writes samples to a temp WAV and parses the JSON the binary
// prints on stdout.
func (e *Engine) Diarize(ctx context.Context, samples []float32, sampleRate int) ([]engine.Segment, error) {
	wavPath, err := engine.WriteTempWAV("", samples, sampleRate)
	if err != nil {
		return nil, err
	}
	defer os.Remove(wavPath)

	cmd := exec.CommandContext(ctx, e.bin, e.args(wavPath)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("sona-diarize failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if e.cfg.Debug && stderr.Len() > 0 {
		e.log.Debug("sona-diarize stderr", "output", stderr.String())
	}

	var raw []sonaSegment
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("sona-diarize returned invalid JSON: %w", err)
	}

	segments := make([]engine.Segment, len(raw))
	for i, s := range raw {
		quality := 1.0
		if s.Confidence != nil {
			quality = *s.Confidence
		}
		segments[i] = engine.Segment{
			SpeakerLabel: fmt.Sprintf("SPEAKER_%02d", s.SpeakerID),
			StartSeconds: s.Start,
			EndSeconds:   s.End,
			QualityScore: quality,
		}
	}
	return segments, nil
}

func (e *Engine) args(wavPath string) []string {
	params := e.cfg.Params()
	args := make([]string, 0, len(params)+2)
	for _, p := range params {
		args = append(args, "--"+strings.ReplaceAll(p.Name, "_", "-")+"="+p.Value)
	}
	return append(args, e.model, wavPath)
}
