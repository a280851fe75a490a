// Package bootstrap builds the diarizer's components from environment
// configuration. Both binaries share it.
package bootstrap

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"speaker-diarizer/internal/audio"
	"speaker-diarizer/internal/engine"
	"speaker-diarizer/internal/engine/pyannote"
	"speaker-diarizer/internal/engine/sona"
	"speaker-diarizer/internal/orchestrator"
	"speaker-diarizer/internal/platform/config"
	"speaker-diarizer/internal/platform/metrics"
)

// DefaultProvider is the provider used when DIARIZER_PROVIDER is unset.
const DefaultProvider = pyannote.ProviderName

// EngineConfig reads the engine configuration, defaulting every value to
// engine.DefaultConfig. The defaults are the reference tuning; any
// override changes diarization results relative to it and is meant for
// experiments only. The result is validated once by orchestrator.New.
func EngineConfig() engine.Config {
	def := engine.DefaultConfig()
	return engine.Config{
		ClusteringThreshold:        config.GetEnvFloat("CLUSTERING_THRESHOLD", def.ClusteringThreshold),
		MinSpeechDuration:          config.GetEnvFloat("MIN_SPEECH_DURATION", def.MinSpeechDuration),
		MinEmbeddingUpdateDuration: config.GetEnvFloat("MIN_EMBEDDING_UPDATE_DURATION", def.MinEmbeddingUpdateDuration),
		MinSilenceGap:              config.GetEnvFloat("MIN_SILENCE_GAP", def.MinSilenceGap),
		NumSpeakers:                config.GetEnvInt("NUM_SPEAKERS", def.NumSpeakers),
		MinActiveFrames:            config.GetEnvFloat("MIN_ACTIVE_FRAMES", def.MinActiveFrames),
		Debug:                      config.GetEnvBool("DIARIZER_DEBUG", def.Debug),
	}
}

// Registry returns a registry holding every built-in provider.
func Registry(log *slog.Logger) *engine.Registry {
	r := engine.NewRegistry()
	r.Register(pyannote.ProviderName, pyannote.Factory())
	r.Register(sona.ProviderName, sona.Factory(log))
	return r
}

// Provider creates the provider named by DIARIZER_PROVIDER.
func Provider(log *slog.Logger) (engine.Provider, error) {
	name := config.GetEnv("DIARIZER_PROVIDER", DefaultProvider)
	cacheRoot := config.GetEnv("MODEL_CACHE_DIR", filepath.Join(os.TempDir(), "speaker-diarizer"))
	settings := map[string]string{
		"cache_dir": filepath.Join(cacheRoot, name),
	}
	switch name {
	case pyannote.ProviderName:
		settings["base_url"] = config.GetEnv("PYANNOTE_URL", "")
		settings["timeout"] = config.GetEnv("PYANNOTE_TIMEOUT", "")
		settings["assets"] = config.GetEnv("MODEL_URLS", "")
	case sona.ProviderName:
		settings["bin_path"] = config.GetEnv("SONA_DIARIZE_PATH", "")
		settings["model_path"] = config.GetEnv("SONA_MODEL_PATH", "")
		settings["model_url"] = config.GetEnv("SONA_MODEL_URL", "")
	}
	p, err := Registry(log).Create(name, settings)
	if err != nil {
		return nil, err
	}
	log.Info("diarization provider configured", slog.String("provider", p.Name()))
	return p, nil
}

// Normalizer builds the shared normalizer from NORMALIZER_QUALITY.
func Normalizer() (*audio.Normalizer, error) {
	return audio.NewNormalizer(config.GetEnvInt("NORMALIZER_QUALITY", audio.DefaultQuality))
}

// FileSource builds the file importer from FFMPEG_PATH and
// MAX_IMPORT_DURATION.
func FileSource(norm *audio.Normalizer, log *slog.Logger) *audio.FileSource {
	opts := []audio.FileSourceOption{
		audio.WithMaxDuration(config.GetEnvDuration("MAX_IMPORT_DURATION", audio.DefaultMaxImportDuration)),
	}
	if ffmpeg := config.GetEnv("FFMPEG_PATH", ""); ffmpeg != "" {
		opts = append(opts, audio.WithFFmpeg(ffmpeg))
	}
	return audio.NewFileSource(norm, log, opts...)
}

// CaptureSource builds a capture source over CAPTURE_COMMAND, or returns nil
// when no command is configured.
func CaptureSource(norm *audio.Normalizer, log *slog.Logger) (*audio.CaptureSource, error) {
	command := strings.Fields(config.GetEnv("CAPTURE_COMMAND", ""))
	if len(command) == 0 {
		return nil, nil
	}
	format := audio.Format{
		SampleRate: config.GetEnvInt("CAPTURE_SAMPLE_RATE", audio.CanonicalRate),
		Channels:   config.GetEnvInt("CAPTURE_CHANNELS", 1),
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("invalid capture format %d Hz x %d channels", format.SampleRate, format.Channels)
	}
	dev := audio.NewCommandDevice(command[0], command[1:], format, log)
	return audio.NewCaptureSource(dev, norm, log), nil
}

// Orchestrator builds an orchestrator over provider with history size and
// status-clear delay from the environment.
func Orchestrator(provider engine.Provider, norm *audio.Normalizer, log *slog.Logger, m *metrics.Metrics) (*orchestrator.Orchestrator, error) {
	return orchestrator.New(provider, EngineConfig(), log, orchestrator.Options{
		StatusClearDelay: config.GetEnvDuration("STATUS_CLEAR_DELAY", orchestrator.DefaultStatusClearDelay),
		Runs:             orchestrator.NewInMemoryRunRepository(config.GetEnvInt("RUN_HISTORY_SIZE", orchestrator.DefaultRunHistorySize)),
		Normalizer:       norm,
		Metrics:          m,
	})
}
