// Package engine defines the contract with external speaker-diarization
// backends. The orchestrator drives a Provider through three steps:
// acquire model assets, construct an Engine bound to a fixed Config, and
// invoke the Engine with a complete canonical buffer.
//
// # Backends
//
//   - engine/pyannote: HTTP sidecar
//   - engine/sona: local sona-diarize binary
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// AutoDetectSpeakers asks the engine to estimate the speaker count.
const AutoDetectSpeakers = -1

// Config is the fixed engine configuration. It is validated once and then
// never changes for the lifetime of an orchestrator.
type Config struct {
	ClusteringThreshold        float64 `json:"clustering_threshold"`
	MinSpeechDuration          float64 `json:"min_speech_duration"`
	MinEmbeddingUpdateDuration float64 `json:"min_embedding_update_duration"`
	MinSilenceGap              float64 `json:"min_silence_gap"`
	NumSpeakers                int     `json:"num_speakers"`
	MinActiveFrames            float64 `json:"min_active_frames"`
	Debug                      bool    `json:"debug"`
}

// DefaultConfig returns the production engine configuration.
func DefaultConfig() Config {
	return Config{
		ClusteringThreshold:        0.7,
		MinSpeechDuration:          1.0,
		MinEmbeddingUpdateDuration: 2.0,
		MinSilenceGap:              0.5,
		NumSpeakers:                AutoDetectSpeakers,
		MinActiveFrames:            10.0,
		Debug:                      false,
	}
}

// Validate checks the configuration ranges.
func (c Config) Validate() error {
	var errs []error
	if c.ClusteringThreshold <= 0 || c.ClusteringThreshold > 1 || math.IsNaN(c.ClusteringThreshold) {
		errs = append(errs, fmt.Errorf("clustering_threshold must be in (0,1] (got: %v)", c.ClusteringThreshold))
	}
	if c.MinSpeechDuration < 0 {
		errs = append(errs, fmt.Errorf("min_speech_duration must be >= 0 (got: %v)", c.MinSpeechDuration))
	}
	if c.MinEmbeddingUpdateDuration < 0 {
		errs = append(errs, fmt.Errorf("min_embedding_update_duration must be >= 0 (got: %v)", c.MinEmbeddingUpdateDuration))
	}
	if c.MinSilenceGap < 0 {
		errs = append(errs, fmt.Errorf("min_silence_gap must be >= 0 (got: %v)", c.MinSilenceGap))
	}
	if c.NumSpeakers == 0 || c.NumSpeakers < AutoDetectSpeakers {
		errs = append(errs, fmt.Errorf("num_speakers must be -1 (auto) or positive (got: %d)", c.NumSpeakers))
	}
	if c.MinActiveFrames < 0 {
		errs = append(errs, fmt.Errorf("min_active_frames must be >= 0 (got: %v)", c.MinActiveFrames))
	}
	return errors.Join(errs...)
}

// Param is one configuration value rendered for a backend.
type Param struct {
	Name  string
	Value string
}

// Params renders the configuration in a fixed order. num_speakers is
// omitted when auto-detect is requested.
func (c Config) Params() []Param {
	ps := []Param{
		{"clustering_threshold", strconv.FormatFloat(c.ClusteringThreshold, 'f', -1, 64)},
		{"min_speech_duration", strconv.FormatFloat(c.MinSpeechDuration, 'f', -1, 64)},
		{"min_embedding_update_duration", strconv.FormatFloat(c.MinEmbeddingUpdateDuration, 'f', -1, 64)},
		{"min_silence_gap", strconv.FormatFloat(c.MinSilenceGap, 'f', -1, 64)},
		{"min_active_frames", strconv.FormatFloat(c.MinActiveFrames, 'f', -1, 64)},
		{"debug", strconv.FormatBool(c.Debug)},
	}
	if c.NumSpeakers > 0 {
		ps = append(ps, Param{"num_speakers", strconv.Itoa(c.NumSpeakers)})
	}
	return ps
}

// Models is the handle to acquired model assets.
type Models struct {
	// Provider is the name of the provider that acquired the assets.
	Provider string `json:"provider"`
	// Dir is the local cache directory, if any.
	Dir string `json:"dir,omitempty"`
	// Files maps asset names to local paths.
	Files map[string]string `json:"files,omitempty"`
}

// Segment is one raw interval reported by an engine. Engines may emit
// segments in any order.
type Segment struct {
	SpeakerLabel string  `json:"speaker_label"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	QualityScore float64 `json:"quality_score"`
}

// Provider acquires models and constructs engines for one backend.
type Provider interface {
	// Name returns the provider's registered name.
	Name() string
	// AcquireModels fetches or locates model assets. It is idempotent.
	AcquireModels(ctx context.Context) (*Models, error)
	// NewEngine binds cfg and models into an engine. It performs no I/O.
	NewEngine(cfg Config, models *Models) (Engine, error)
}

// Engine runs diarization over a complete mono buffer. Diarize blocks
// until the backend returns and is CPU- or network-bound.
type Engine interface {
	Diarize(ctx context.Context, samples []float32, sampleRate int) ([]Segment, error)
}
