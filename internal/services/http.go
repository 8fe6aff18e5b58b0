package services

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dpup/impedance.ersn.net/server/internal/export"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/grid"
)

// Handlers serves read-only views of the service over HTTP
type Handlers struct {
	svc  *ImpedanceService
	pool *IngestPool
}

// NewHandlers creates the HTTP handlers. pool may be nil.
func NewHandlers(svc *ImpedanceService, pool *IngestPool) *Handlers {
	return &Handlers{svc: svc, pool: pool}
}

// Routes maps paths to handlers for registration with the server
func (h *Handlers) Routes() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"/":                           h.Homepage,
		"/api/v1/status":              h.Status,
		"/api/v1/impedance.csv":       h.ImpedanceCSV,
		"/api/v1/attachments.csv":     h.AttachmentsCSV,
		"/api/v1/attachments.geojson": h.AttachmentsGeoJSON,
		"/api/v1/attachments.kml":     h.AttachmentsKML,
	}
}

// StatusResponse is the body of the status endpoint
type StatusResponse struct {
	Datasets []string   `json:"datasets"`
	Service  Stats      `json:"service"`
	Pool     *PoolStats `json:"pool,omitempty"`
	Time     time.Time  `json:"time"`
}

// Status reports datasets and processing counters
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	datasets, err := h.svc.Datasets(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	resp := StatusResponse{Datasets: datasets, Service: h.svc.Stats(), Time: h.svc.now().UTC()}
	if h.pool != nil {
		stats := h.pool.Stats()
		resp.Pool = &stats
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to write status", "error", err)
	}
}

// ImpedanceCSV serves the public export of the dataset's latest run
func (h *Handlers) ImpedanceCSV(w http.ResponseWriter, r *http.Request) {
	ds, ok := datasetParam(w, r)
	if !ok {
		return
	}
	run, found, err := h.svc.LatestRun(ds)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		httpError(w, http.StatusNotFound, fmt.Errorf("no aggregation run for %s", ds))
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("X-Run-Id", run.RunID)
	if _, err := w.Write(run.PublicCSV); err != nil {
		slog.Error("Failed to write impedance export", "error", err)
	}
}

// AttachmentsCSV serves the current attachments of a dataset
func (h *Handlers) AttachmentsCSV(w http.ResponseWriter, r *http.Request) {
	h.serveView(w, r, "text/csv; charset=utf-8", func(w http.ResponseWriter, v export.View) error {
		return export.WriteAttachmentCSV(w, v)
	})
}

// AttachmentsGeoJSON serves events and attached segments as GeoJSON
func (h *Handlers) AttachmentsGeoJSON(w http.ResponseWriter, r *http.Request) {
	h.serveView(w, r, "application/geo+json", func(w http.ResponseWriter, v export.View) error {
		return export.WriteGeoJSON(w, v)
	})
}

// AttachmentsKML serves events and attached segments as KML
func (h *Handlers) AttachmentsKML(w http.ResponseWriter, r *http.Request) {
	h.serveView(w, r, "application/vnd.google-earth.kml+xml", func(w http.ResponseWriter, v export.View) error {
		return export.WriteKML(w, v)
	})
}

func (h *Handlers) serveView(w http.ResponseWriter, r *http.Request, contentType string,
	write func(http.ResponseWriter, export.View) error) {
	ds, ok := datasetParam(w, r)
	if !ok {
		return
	}
	view, err := h.svc.View(r.Context(), ds)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	if err := write(w, view); err != nil {
		slog.Error("Failed to write export", "dataset_id", ds, "error", err)
	}
}

func datasetParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	ds := r.URL.Query().Get("dataset")
	if _, err := grid.Parse(ds); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("invalid dataset %q", ds))
		return "", false
	}
	return ds, true
}

func httpError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// Homepage serves a simple HTML page at the server root
func (h *Handlers) Homepage(w http.ResponseWriter, r *http.Request) {
	// Only handle the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	html := `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>impedance.ersn.net</title>
    <style>
        body {
            font-family: 'Courier New', Consolas, monospace;
            background: #000;
            color: #0f0;
            padding: 20px;
            line-height: 1.4;
        }
        a { color: #0ff; text-decoration: none; }
        a:hover { text-decoration: underline; }
        pre { margin: 0; }
        .header { color: #ff0; }
    </style>
</head>
<body>
<pre>
<span class="header">impedance.ersn.net</span>

Pedestrian impedance for sidewalk and crosswalk segments, adjusted for
live hazard alerts and agency-reported events.

<span class="header">API Endpoints:</span>

  <a href="/api/v1/status">GET /api/v1/status</a>                                - Datasets and counters
  GET /api/v1/impedance.csv?dataset={cell}            - Latest impedance export
  GET /api/v1/attachments.csv?dataset={cell}          - Current attachments
  GET /api/v1/attachments.geojson?dataset={cell}      - Events and attached segments
  GET /api/v1/attachments.kml?dataset={cell}          - Same, as KML

Dataset ids are 0.1 degree grid cells, e.g. 33.8N84.3W
</pre>
</body>
</html>`

	if _, err := fmt.Fprint(w, html); err != nil {
		slog.Error("Failed to write homepage HTML", "error", err)
	}
}
