package orchestrator

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"speaker-diarizer/internal/audio"
	"speaker-diarizer/internal/platform/apperr"
	"speaker-diarizer/internal/platform/metrics"
)

const (
	uploadField       = "audio"
	maxUploadMemory   = 32 << 20
	sseKeepAlive      = 30 * time.Second
	sourceCapture     = "capture"
	sourceUploadLabel = "upload:"
)

// Handler exposes orchestrator HTTP endpoints using go-chi.
type Handler struct {
	orch      *Orchestrator
	files     *audio.FileSource
	capture   *audio.CaptureSource
	log       *slog.Logger
	metrics   *metrics.Metrics
	uploadDir string
	keepAlive time.Duration
}

// NewHandler returns a Handler over orch. capture may be nil when no capture
// device is configured; the capture endpoints then answer 404. Metrics may
// be nil to disable metric recording (e.g. in tests).
func NewHandler(orch *Orchestrator, files *audio.FileSource, capture *audio.CaptureSource, log *slog.Logger, m *metrics.Metrics, uploadDir string) *Handler {
	return &Handler{
		orch:      orch,
		files:     files,
		capture:   capture,
		log:       log,
		metrics:   m,
		uploadDir: uploadDir,
		keepAlive: sseKeepAlive,
	}
}

type createRunRequest struct {
	Path string `json:"path"`
}

type createRunResponse struct {
	RunID          string  `json:"run_id"`
	Source         string  `json:"source"`
	Format         string  `json:"format,omitempty"`
	SourceRate     int     `json:"source_rate,omitempty"`
	SourceChannels int     `json:"source_channels,omitempty"`
	Duration       float64 `json:"duration"`
}

// GetState handles GET /state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Snapshot())
}

// GetSegments handles GET /segments.
func (h *Handler) GetSegments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"segments": h.orch.Segments()})
}

// GetStatistics handles GET /statistics.
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats := h.orch.Statistics()
	writeJSON(w, http.StatusOK, map[string]any{
		"statistics":    stats,
		"speaker_count": len(stats),
	})
}

// CreateRun handles POST /runs. The body is either a multipart form with
// an "audio" file part or JSON {"path": "..."} naming a server-side file.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	if h.orch.Snapshot().IsProcessing {
		h.writeError(w, apperr.Busy("a diarization run is already in progress"))
		return
	}

	var (
		imp    *audio.Import
		source string
		err    error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		imp, source, err = h.loadUpload(r)
	} else {
		imp, source, err = h.loadPath(r)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	runID, err := h.orch.Start(imp.Buffer, source)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, createRunResponse{
		RunID:          runID,
		Source:         source,
		Format:         imp.Format,
		SourceRate:     imp.SourceRate,
		SourceChannels: imp.SourceChannels,
		Duration:       imp.Duration,
	})
}

func (h *Handler) loadPath(r *http.Request) (*audio.Import, string, error) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid run body", slog.String("error", err.Error()))
		return nil, "", apperr.InvalidInput("body must be JSON {\"path\": ...} or a multipart audio upload")
	}
	if req.Path == "" {
		return nil, "", apperr.InvalidInput("path is required")
	}
	imp, err := h.files.Load(r.Context(), req.Path)
	if err != nil {
		return nil, "", err
	}
	return imp, req.Path, nil
}

// loadUpload spools the uploaded part to disk, keeping its extension so the
// file source can pick a decoder, and removes it once decoded.
func (h *Handler) loadUpload(r *http.Request) (*audio.Import, string, error) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return nil, "", apperr.InvalidInput(fmt.Sprintf("invalid multipart body: %v", err))
	}
	defer r.MultipartForm.RemoveAll()

	part, hdr, err := r.FormFile(uploadField)
	if err != nil {
		return nil, "", apperr.InvalidInput(fmt.Sprintf("missing %q file part", uploadField))
	}
	defer part.Close()

	tmp, err := os.CreateTemp(h.uploadDir, "upload-*"+filepath.Ext(hdr.Filename))
	if err != nil {
		return nil, "", apperr.BufferCreationFailed(fmt.Sprintf("spool upload: %v", err))
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, part); err != nil {
		tmp.Close()
		return nil, "", apperr.BufferCreationFailed(fmt.Sprintf("spool upload: %v", err))
	}
	if err := tmp.Close(); err != nil {
		return nil, "", apperr.BufferCreationFailed(fmt.Sprintf("spool upload: %v", err))
	}

	imp, err := h.files.Load(r.Context(), tmp.Name())
	if err != nil {
		return nil, "", err
	}
	return imp, sourceUploadLabel + filepath.Base(hdr.Filename), nil
}

// ListRuns handles GET /runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": h.orch.Runs().List()})
}

// GetRun handles GET /runs/{run_id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if runID == "" {
		h.writeError(w, apperr.InvalidInput("run_id is required"))
		return
	}
	run, ok := h.orch.Runs().Get(runID)
	if !ok {
		h.writeError(w, apperr.NotFound("run", runID))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Clear handles POST /clear.
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Clear(); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.orch.Snapshot())
}

// Events handles GET /events, streaming snapshots as Server-Sent Events.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.log.Error("streaming not supported")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.log.Debug("could not disable write deadline", slog.String("error", err.Error()))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	snaps, cancel := h.orch.Subscribe()
	defer cancel()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				h.log.Error("marshal snapshot", slog.String("error", err.Error()))
				return
			}
			_, _ = fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
			flusher.Flush()
		case <-keepAlive.C:
			_, _ = fmt.Fprintf(w, ": keepalive %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}

// GetCapture handles GET /capture.
func (h *Handler) GetCapture(w http.ResponseWriter, r *http.Request) {
	if !h.requireCapture(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.capture.Status())
}

// StartCapture handles POST /capture/start.
func (h *Handler) StartCapture(w http.ResponseWriter, r *http.Request) {
	if !h.requireCapture(w) {
		return
	}
	if err := h.capture.Start(); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.capture.Status())
}

// StopCapture handles POST /capture/stop.
func (h *Handler) StopCapture(w http.ResponseWriter, r *http.Request) {
	if !h.requireCapture(w) {
		return
	}
	if err := h.capture.Stop(); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.capture.Status())
}

// ClearCapture handles POST /capture/clear.
func (h *Handler) ClearCapture(w http.ResponseWriter, r *http.Request) {
	if !h.requireCapture(w) {
		return
	}
	if err := h.capture.Clear(); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.capture.Status())
}

// DiarizeCapture handles POST /capture/diarize, starting a run over a copy
// of the recording made so far.
func (h *Handler) DiarizeCapture(w http.ResponseWriter, r *http.Request) {
	if !h.requireCapture(w) {
		return
	}
	buf, err := h.capture.Buffer()
	if err != nil {
		h.writeError(w, err)
		return
	}
	runID, err := h.orch.Start(buf, sourceCapture)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createRunResponse{
		RunID:    runID,
		Source:   sourceCapture,
		Duration: buf.Duration(),
	})
}

func (h *Handler) requireCapture(w http.ResponseWriter) bool {
	if h.capture == nil {
		h.writeError(w, apperr.NotFound("capture device", ""))
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	resp, status := apperr.ToResponse(err)
	if apperr.HasCode(err, apperr.CodeConversionFailed) && h.metrics != nil {
		h.metrics.IncConversionFailures()
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", slog.String("code", string(resp.Error.Code)), slog.String("error", err.Error()))
	} else {
		h.log.Info("request rejected", slog.String("code", string(resp.Error.Code)), slog.String("error", err.Error()))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
