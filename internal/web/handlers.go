package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/gorilla/mux"

	"github.com/cjeanneret/camlux/internal/logic/capture"
	"github.com/cjeanneret/camlux/internal/logic/luminosity"
	"github.com/cjeanneret/camlux/internal/media"
	"github.com/cjeanneret/camlux/internal/permission"
)

const maxBodyBytes = 1 << 20

// Capturer takes photos in the background.
type Capturer interface {
	TakePicture(ctx context.Context, opts capture.OutputOptions, cb capture.Callbacks)
	Busy() bool
}

// LumaSource provides the recent luminosity history.
type LumaSource interface {
	Snapshot() luminosity.Snapshot
}

// MediaStore lists and serves saved photos.
type MediaStore interface {
	List(ctx context.Context, limit int) ([]media.Item, error)
	Open(ctx context.Context, id int64) (io.ReadSeekCloser, media.Item, error)
}

// PermissionGate reports and re-requests device permissions.
type PermissionGate interface {
	Check() permission.State
	Request() permission.State
}

// ConfigView is the read-only configuration shown by the page.
type ConfigView struct {
	CameraType   string  `json:"camera_type"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	FPS          float64 `json:"fps"`
	LensFacing   string  `json:"lens_facing"`
	RelativePath string  `json:"relative_path"`
	MIMEType     string  `json:"mime_type"`
	Analysis     bool    `json:"analysis"`
}

// CaptureRequest optionally overrides the output options of POST /capture.
type CaptureRequest struct {
	DisplayName  string `json:"display_name,omitempty"`
	MIMEType     string `json:"mime_type,omitempty"`
	RelativePath string `json:"relative_path,omitempty"`
}

// Deps holds what the handlers serve. Nil members disable their routes
// (503).
type Deps struct {
	Broadcaster *StatusBroadcaster
	Capture     Capturer
	NewOptions  func() capture.OutputOptions // defaults for POST /capture
	OnCaptured  func(err *capture.Error)     // called after every capture, err nil on success
	Luma        LumaSource
	Media       MediaStore
	Gate        PermissionGate
	Config      ConfigView
	Stats       func() map[string]any
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Deps
	staticFS fs.FS

	runningMu sync.Mutex
	running   bool
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(deps Deps, staticFS fs.FS) *Handlers {
	if deps.Broadcaster == nil {
		deps.Broadcaster = NewStatusBroadcaster()
	}
	if deps.NewOptions == nil {
		deps.NewOptions = func() capture.OutputOptions { return capture.OutputOptions{} }
	}
	return &Handlers{Deps: deps, staticFS: staticFS}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleConfig returns the configuration view as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Config)
}

// ServeIndex serves the main HTML page.
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// ValidateCaptureRequest checks user supplied output options.
func ValidateCaptureRequest(req CaptureRequest) error {
	if req.RelativePath != "" {
		if _, err := media.CleanRelativePath(req.RelativePath); err != nil {
			return err
		}
	}
	switch req.MIMEType {
	case "", "image/jpeg", "image/png":
	default:
		return fmt.Errorf("mime_type must be image/jpeg or image/png")
	}
	for _, c := range req.DisplayName {
		if c == '/' || c == '\\' || c == 0 {
			return fmt.Errorf("display_name must not contain path separators")
		}
	}
	return nil
}

// HandleCapture handles POST /capture. The photo is taken in the background;
// the outcome is broadcast as a toast event.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	if h.Capture == nil {
		http.Error(w, "capture not configured", http.StatusServiceUnavailable)
		return
	}
	if h.Gate != nil {
		if st := h.Gate.Check(); !st.AllGranted {
			http.Error(w, st.Message(), http.StatusServiceUnavailable)
			return
		}
	}

	var req CaptureRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateCaptureRequest(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.runningMu.Lock()
	if h.running || h.Capture.Busy() {
		h.runningMu.Unlock()
		http.Error(w, "capture already in progress", http.StatusConflict)
		return
	}
	h.running = true
	h.runningMu.Unlock()

	out := h.NewOptions()
	if req.DisplayName != "" {
		out.DisplayName = req.DisplayName
	}
	if req.MIMEType != "" {
		out.MIMEType = req.MIMEType
	}
	if req.RelativePath != "" {
		out.RelativePath = req.RelativePath
	}

	done := func() {
		h.runningMu.Lock()
		h.running = false
		h.runningMu.Unlock()
	}
	h.Capture.TakePicture(context.Background(), out, capture.Callbacks{
		OnImageSaved: func(res capture.OutputResult) {
			done()
			h.Broadcaster.Toast("Photo capture succeeded: " + res.SavedURI)
			if h.OnCaptured != nil {
				h.OnCaptured(nil)
			}
		},
		OnError: func(err *capture.Error) {
			done()
			h.Broadcaster.Broadcast(LevelError, "Photo capture failed: "+err.Error())
			log.Printf("capture failed: %v", err)
			if h.OnCaptured != nil {
				h.OnCaptured(err)
			}
		},
	})

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleLuma returns the luminosity snapshot as JSON.
func (h *Handlers) HandleLuma(w http.ResponseWriter, r *http.Request) {
	if h.Luma == nil {
		http.Error(w, "analysis disabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.Luma.Snapshot())
}

// HandleLumaChart renders the luminosity history as a go-echarts line chart.
func (h *Handlers) HandleLumaChart(w http.ResponseWriter, r *http.Request) {
	if h.Luma == nil {
		http.Error(w, "analysis disabled", http.StatusServiceUnavailable)
		return
	}
	snap := h.Luma.Snapshot()

	x := make([]int, len(snap.Samples))
	data := make([]opts.LineData, len(snap.Samples))
	first := int(snap.Count) - len(snap.Samples) + 1
	for i, v := range snap.Samples {
		x[i] = first + i
		data[i] = opts.LineData{Value: v}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Luminosity", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Average luminosity",
			Subtitle: fmt.Sprintf("last=%.2f mean=%.2f sd=%.2f n=%d", snap.Last, snap.Mean, snap.StdDev, len(snap.Samples)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "sample"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "luma", Min: 0, Max: 255}),
	)
	line.SetXAxis(x).AddSeries("luma", data)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// HandleMediaList returns the saved photos, newest first (?limit=N).
func (h *Handlers) HandleMediaList(w http.ResponseWriter, r *http.Request) {
	if h.Media == nil {
		http.Error(w, "media store not configured", http.StatusServiceUnavailable)
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	items, err := h.Media.List(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []media.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

// HandleMediaItem serves the content of one saved photo.
func (h *Handlers) HandleMediaItem(w http.ResponseWriter, r *http.Request) {
	if h.Media == nil {
		http.Error(w, "media store not configured", http.StatusServiceUnavailable)
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	rc, item, err := h.Media.Open(r.Context(), id)
	if errors.Is(err, media.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", item.MIMEType)
	http.ServeContent(w, r, item.DisplayName, item.CreatedAt, rc)
}

// HandlePermissions reports the permission state.
func (h *Handlers) HandlePermissions(w http.ResponseWriter, r *http.Request) {
	h.writePermissions(w, func(g PermissionGate) permission.State { return g.Check() })
}

// HandlePermissionsRequest asks for the missing permissions again.
func (h *Handlers) HandlePermissionsRequest(w http.ResponseWriter, r *http.Request) {
	h.writePermissions(w, func(g PermissionGate) permission.State { return g.Request() })
}

type permissionsResponse struct {
	permission.State
	Message string `json:"message,omitempty"`
}

func (h *Handlers) writePermissions(w http.ResponseWriter, eval func(PermissionGate) permission.State) {
	st := permission.State{AllGranted: true}
	if h.Gate != nil {
		st = eval(h.Gate)
	}
	writeJSON(w, http.StatusOK, permissionsResponse{State: st, Message: st.Message()})
}

// HandleStats returns pipeline counters.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{}
	if h.Stats != nil {
		stats = h.Stats()
	}
	stats["sse_clients"] = h.Broadcaster.Clients()
	writeJSON(w, http.StatusOK, stats)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
