package sona

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"speaker-diarizer/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBinary writes a shell script that records its arguments and prints
// stdout.
func fakeBinary(t *testing.T, stdout string, exitCode int) (bin, argsFile string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	dir := t.TempDir()
	bin = filepath.Join(dir, "sona-diarize")
	argsFile = filepath.Join(dir, "args")
	script := "#!/bin/sh\n" +
		"echo \"$@\" > " + argsFile + "\n" +
		"cat <<'EOF'\n" + stdout + "\nEOF\n" +
		"exit " + string(rune('0'+exitCode)) + "\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return bin, argsFile
}

func fakeModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segmentation.onnx")
	if err := os.WriteFile(path, []byte("model"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return path
}

func newEngine(t *testing.T, bin string, cfg engine.Config) engine.Engine {
	t.Helper()
	p := NewProvider(Config{BinPath: bin, ModelPath: fakeModel(t), CacheDir: t.TempDir()}, testLogger())
	models, err := p.AcquireModels(context.Background())
	if err != nil {
		t.Fatalf("AcquireModels: %v", err)
	}
	eng, err := p.NewEngine(cfg, models)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

func TestEngine_Diarize(t *testing.T) {
	t.Run("maps speaker ids and confidence", func(t *testing.T) {
		bin, argsFile := fakeBinary(t, `[{"start":0,"end":2.5,"speaker_id":0,"confidence":0.8},{"start":2.5,"end":4,"speaker_id":1}]`, 0)
		cfg := engine.DefaultConfig()
		cfg.NumSpeakers = 2

		segs, err := newEngine(t, bin, cfg).Diarize(context.Background(), make([]float32, 1600), 16000)
		if err != nil {
			t.Fatalf("Diarize: %v", err)
		}
		if len(segs) != 2 {
			t.Fatalf("expected 2 segments, got %d", len(segs))
		}
		if segs[0].SpeakerLabel != "SPEAKER_00" || segs[0].QualityScore != 0.8 {
			t.Errorf("unexpected first segment: %+v", segs[0])
		}
		if segs[1].SpeakerLabel != "SPEAKER_01" || segs[1].QualityScore != 1.0 {
			t.Errorf("unexpected second segment: %+v", segs[1])
		}

		args, err := os.ReadFile(argsFile)
		if err != nil {
			t.Fatalf("read args: %v", err)
		}
		for _, want := range []string{"--clustering-threshold=0.7", "--num-speakers=2", "segmentation.onnx", ".wav"} {
			if !strings.Contains(string(args), want) {
				t.Errorf("expected args to contain %q, got %q", want, args)
			}
		}
	})

	t.Run("non-zero exit", func(t *testing.T) {
		bin, _ := fakeBinary(t, "", 1)
		_, err := newEngine(t, bin, engine.DefaultConfig()).Diarize(context.Background(), make([]float32, 160), 16000)
		if err == nil {
			t.Fatal("expected error for failing binary")
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		bin, _ := fakeBinary(t, "not json", 0)
		_, err := newEngine(t, bin, engine.DefaultConfig()).Diarize(context.Background(), make([]float32, 160), 16000)
		if err == nil || !strings.Contains(err.Error(), "invalid JSON") {
			t.Fatalf("expected invalid JSON error, got %v", err)
		}
	})
}

func TestProvider_AcquireModels(t *testing.T) {
	t.Run("missing model", func(t *testing.T) {
		bin, _ := fakeBinary(t, "[]", 0)
		p := NewProvider(Config{BinPath: bin, ModelPath: filepath.Join(t.TempDir(), "missing.onnx")}, testLogger())
		if _, err := p.AcquireModels(context.Background()); err == nil {
			t.Error("expected error for missing model")
		}
	})

	t.Run("no model configured", func(t *testing.T) {
		bin, _ := fakeBinary(t, "[]", 0)
		p := NewProvider(Config{BinPath: bin}, testLogger())
		if _, err := p.AcquireModels(context.Background()); err == nil {
			t.Error("expected error without model path or url")
		}
	})
}

func TestProvider_NewEngine(t *testing.T) {
	p := NewProvider(Config{}, testLogger())
	if _, err := p.NewEngine(engine.DefaultConfig(), &engine.Models{}); err == nil {
		t.Error("expected error without binary and model")
	}
}
