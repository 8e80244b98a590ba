package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"heatpump-cloud/internal/auth"
	cycle "heatpump-cloud/internal/cycle/domain"
	measurement "heatpump-cloud/internal/measurement/domain"
	"heatpump-cloud/internal/measurement/infrastructure/excel"
	runapp "heatpump-cloud/internal/run/application"
	runrepo "heatpump-cloud/internal/run/infrastructure/postgres"
)

const (
	timeLayout       = time.RFC3339
	defaultMaxUpload = 32 << 20
	runsPath         = "/api/v1/runs"
)

// RunExecutor executes pipeline runs.
type RunExecutor interface {
	Run(ctx context.Context, req runapp.Request) (*runapp.Result, error)
	Config() runapp.Config
}

// RunReader reads persisted runs.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*runrepo.Run, error)
	ListRuns(ctx context.Context, tenantID string, limit int) ([]runrepo.Run, error)
	ListRows(ctx context.Context, runID string) ([]runrepo.Row, error)
}

// Handler provides run HTTP endpoints.
type Handler struct {
	runner    RunExecutor
	reader    RunReader
	maxUpload int64
}

// NewHandler constructs a handler. reader may be nil when runs are not
// persisted; read endpoints then answer 503.
func NewHandler(runner RunExecutor, reader RunReader) (*Handler, error) {
	if runner == nil {
		return nil, errors.New("runs handler: nil runner")
	}
	return &Handler{runner: runner, reader: reader, maxUpload: defaultMaxUpload}, nil
}

// ServeHTTP handles /api/v1/runs and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == runsPath:
		switch r.Method {
		case http.MethodPost:
			h.handleCreate(w, r)
		case http.MethodGet:
			h.handleList(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	case strings.HasPrefix(r.URL.Path, runsPath+"/"):
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleRun(w, r)
		return
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read upload failed", http.StatusBadRequest)
		return
	}

	req := runapp.Request{
		TenantID:    auth.TenantIDFromContext(r.Context()),
		RequestedBy: auth.SubjectFromContext(r.Context()),
		Source:      excel.NewBytesSource(filepath.Base(header.Filename), data),
	}
	if raw := r.FormValue("config"); raw != "" {
		cfg := h.runner.Config()
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			http.Error(w, "config must be valid JSON", http.StatusBadRequest)
			return
		}
		req.Config = &cfg
	}

	result, err := h.runner.Run(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), statusForRunError(err))
		return
	}
	writeJSON(w, http.StatusCreated, result.Summary)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		http.Error(w, "run history unavailable", http.StatusServiceUnavailable)
		return
	}
	limit := 0
	if value := r.URL.Query().Get("limit"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	tenantID := auth.TenantIDFromContext(r.Context())
	if tenantID == "" {
		tenantID = r.URL.Query().Get("tenant_id")
	}
	if tenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	runs, err := h.reader.ListRuns(r.Context(), tenantID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]runView, 0, len(runs))
	for i := range runs {
		views = append(views, toRunView(&runs[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		http.Error(w, "run history unavailable", http.StatusServiceUnavailable)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, runsPath+"/"), "/")
	if len(parts) > 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	run, err := h.reader.GetRun(r.Context(), parts[0])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if tenantID := auth.TenantIDFromContext(r.Context()); tenantID != "" && run.TenantID != tenantID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	switch action {
	case "":
		writeJSON(w, http.StatusOK, toRunView(run))
	case "rows":
		rows, err := h.reader.ListRows(r.Context(), run.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		views := make([]rowView, 0, len(rows))
		for _, row := range rows {
			views = append(views, toRowView(row))
		}
		writeJSON(w, http.StatusOK, views)
	case "download":
		h.handleDownload(w, r, run)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request, run *runrepo.Run) {
	if run.Location == "" {
		http.Error(w, "report not available", http.StatusNotFound)
		return
	}
	file, err := os.Open(run.Location)
	if err != nil {
		http.Error(w, "report not available", http.StatusNotFound)
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", run.ID+".zip"))
	http.ServeContent(w, r, run.ID+".zip", info.ModTime(), file)
}

func statusForRunError(err error) int {
	switch {
	case errors.Is(err, excel.ErrSheetNotFound),
		errors.Is(err, measurement.ErrColumnNotFound),
		errors.Is(err, measurement.ErrEmptyTable),
		errors.Is(err, cycle.ErrNoValidOperatingPoint),
		errors.Is(err, cycle.ErrInvalidDesignPoint),
		errors.Is(err, cycle.ErrDesignConvergence):
		return http.StatusUnprocessableEntity
	case strings.HasPrefix(err.Error(), "config:"), strings.HasPrefix(err.Error(), "columns:"),
		strings.HasPrefix(err.Error(), "mapping:"):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

type runView struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	Workbook      string          `json:"workbook"`
	Status        string          `json:"status"`
	Stage         string          `json:"stage"`
	Error         string          `json:"error,omitempty"`
	Design        json.RawMessage `json:"design,omitempty"`
	RowsAligned   int             `json:"rows_aligned"`
	RowsSolved    int             `json:"rows_solved"`
	RowsFailed    int             `json:"rows_failed"`
	DroppedSource int             `json:"dropped_source"`
	DroppedSink   int             `json:"dropped_sink"`
	IntervalHours *float64        `json:"interval_h,omitempty"`
	COPMean       *float64        `json:"cop_mean,omitempty"`
	CreatedAt     string          `json:"created_at"`
	StartedAt     string          `json:"started_at,omitempty"`
	FinishedAt    string          `json:"finished_at,omitempty"`
	DownloadURL   string          `json:"download_url,omitempty"`
}

func toRunView(run *runrepo.Run) runView {
	view := runView{
		ID:            run.ID,
		TenantID:      run.TenantID,
		Workbook:      run.Workbook,
		Status:        run.Status,
		Stage:         run.Stage,
		Error:         run.Error,
		RowsAligned:   run.RowsAligned,
		RowsSolved:    run.RowsSolved,
		RowsFailed:    run.RowsFailed,
		DroppedSource: run.DroppedSource,
		DroppedSink:   run.DroppedSink,
		IntervalHours: run.IntervalHours,
		COPMean:       run.COPMean,
		CreatedAt:     formatTime(run.CreatedAt),
		StartedAt:     formatTimePtr(run.StartedAt),
		FinishedAt:    formatTimePtr(run.FinishedAt),
	}
	if len(run.Design) > 0 {
		view.Design = json.RawMessage(run.Design)
	}
	if run.Location != "" {
		view.DownloadURL = runsPath + "/" + run.ID + "/download"
	}
	return view
}

type rowView struct {
	Seq         int      `json:"seq"`
	Time        string   `json:"time"`
	TEvapRefC   *float64 `json:"T_evap_ref_C"`
	TCondRefC   *float64 `json:"T_cond_ref_C"`
	MassFlowKgS *float64 `json:"m_dot_kg_s"`
	PCompKW     *float64 `json:"P_comp_kW"`
	QCondKW     *float64 `json:"Q_cond_kW"`
	QEvapKW     *float64 `json:"Q_evap_kW"`
	COP         *float64 `json:"COP"`
	Status      string   `json:"status"`
	Error       string   `json:"error,omitempty"`
}

func toRowView(row runrepo.Row) rowView {
	return rowView{
		Seq:         row.Seq,
		Time:        formatTime(row.At),
		TEvapRefC:   row.TEvapRefC,
		TCondRefC:   row.TCondRefC,
		MassFlowKgS: row.MassFlowKgS,
		PCompKW:     row.PCompKW,
		QCondKW:     row.QCondKW,
		QEvapKW:     row.QEvapKW,
		COP:         row.COP,
		Status:      row.Status,
		Error:       row.Error,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(timeLayout)
}

func formatTimePtr(value *time.Time) string {
	if value == nil {
		return ""
	}
	return formatTime(*value)
}
