package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/remitoIA/purchase-ingest-service/internal/auth"
	"github.com/remitoIA/purchase-ingest-service/internal/db"
	"github.com/remitoIA/purchase-ingest-service/internal/extract"
	"github.com/remitoIA/purchase-ingest-service/internal/models"
	"github.com/remitoIA/purchase-ingest-service/internal/services"
	"github.com/remitoIA/purchase-ingest-service/internal/storage"
)

const Version = "1.0.0"

// Handler handles HTTP requests for document ingestion and purchase
// lifecycle management
type Handler struct {
	config    *models.Config
	pipeline  *extract.Pipeline
	purchases *services.PurchaseService
}

// NewHandler creates a new API handler
func NewHandler(config *models.Config, pipeline *extract.Pipeline, purchases *services.PurchaseService) *Handler {
	return &Handler{
		config:    config,
		pipeline:  pipeline,
		purchases: purchases,
	}
}

// SetupRoutes configures the HTTP routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Ingestion
	router.HandleFunc("/api/documents", h.UploadDocument).Methods("POST")

	// Purchase lifecycle
	router.HandleFunc("/api/purchases", h.ListPurchases).Methods("GET")
	router.HandleFunc("/api/purchases/{id}", h.GetPurchase).Methods("GET")
	router.HandleFunc("/api/purchases/{id}/validate", h.ValidatePurchase).Methods("POST")
	router.HandleFunc("/api/purchases/{id}/confirm", h.ConfirmPurchase).Methods("POST")
	router.HandleFunc("/api/purchases/{id}/rollback", h.RollbackPurchase).Methods("POST")
	router.HandleFunc("/api/purchases/{id}/resend-stock", h.ResendStock).Methods("POST")
	router.HandleFunc("/api/purchases/{id}/cancel", h.CancelPurchase).Methods("POST")

	// Line edits
	router.HandleFunc("/api/purchases/{id}/lines/{lineId}", h.UpdateLine).Methods("PUT")
	router.HandleFunc("/api/purchases/{id}/lines/{lineId}", h.DeleteLine).Methods("DELETE")

	// Audit
	router.HandleFunc("/api/purchases/{id}/ledger", h.GetLedger).Methods("GET")
	router.HandleFunc("/api/purchases/{id}/events", h.GetEvents).Methods("GET")
	router.HandleFunc("/api/diagnostics", h.GetDiagnostics).Methods("GET")

	// Health check
	router.HandleFunc("/health", h.Health).Methods("GET")

	return router
}

// HealthResponse represents the health check response structure
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Memory    MemoryStats       `json:"memory"`
	Tesseract ServiceStatus     `json:"tesseract"`
	Poppler   ServiceStatus     `json:"poppler"`
	Database  ServiceStatus     `json:"database"`
	Storage   ServiceStatus     `json:"storage"`
	AI        map[string]string `json:"ai"`
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	Allocated string `json:"allocated"`
	Total     string `json:"total"`
	System    string `json:"system"`
}

// ServiceStatus represents the status of a service dependency
type ServiceStatus struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

var startTime = time.Now()

// Health endpoint - enhanced for monitoring
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	tesseractStatus := h.checkTesseract()
	popplerStatus := h.checkPoppler()
	databaseStatus := h.checkDatabase()
	storageStatus := h.checkStorage()

	response := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(startTime).String(),
		Memory: MemoryStats{
			Allocated: fmt.Sprintf("%.2f MB", float64(m.Alloc)/1024/1024),
			Total:     fmt.Sprintf("%.2f MB", float64(m.TotalAlloc)/1024/1024),
			System:    fmt.Sprintf("%.2f MB", float64(m.Sys)/1024/1024),
		},
		Tesseract: tesseractStatus,
		Poppler:   popplerStatus,
		Database:  databaseStatus,
		Storage:   storageStatus,
		AI: map[string]string{
			"defaultProvider": h.config.AI.DefaultProvider,
		},
	}

	// Missing OCR tooling only disables the optical fallback
	if !databaseStatus.Available {
		response.Status = "unhealthy"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else if !tesseractStatus.Available || !popplerStatus.Available {
		response.Status = "degraded"
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(response)
}

// checkTesseract verifies Tesseract OCR is available
func (h *Handler) checkTesseract() ServiceStatus {
	cmd := exec.Command("tesseract", "--version")
	output, err := cmd.CombinedOutput()

	if err != nil {
		return ServiceStatus{
			Available: false,
			Error:     "tesseract not found or not executable",
		}
	}

	version := "unknown"
	lines := strings.Split(string(output), "\n")
	if len(lines) > 0 {
		version = strings.TrimSpace(lines[0])
	}

	return ServiceStatus{
		Available: true,
		Version:   version,
	}
}

// checkPoppler verifies pdftoppm is available for rasterization
func (h *Handler) checkPoppler() ServiceStatus {
	cmd := exec.Command("pdftoppm", "-v")
	output, err := cmd.CombinedOutput()

	if err != nil {
		return ServiceStatus{
			Available: false,
			Error:     "pdftoppm not found or not executable",
		}
	}

	version := "unknown"
	lines := strings.Split(string(output), "\n")
	if len(lines) > 0 {
		version = strings.TrimSpace(lines[0])
	}

	return ServiceStatus{
		Available: true,
		Version:   version,
	}
}

// checkDatabase verifies PostgreSQL connection
func (h *Handler) checkDatabase() ServiceStatus {
	if db.Pool == nil {
		return ServiceStatus{
			Available: false,
			Error:     "database pool not initialized",
		}
	}

	return ServiceStatus{
		Available: true,
		Version:   "PostgreSQL",
	}
}

// checkStorage verifies MinIO connection
func (h *Handler) checkStorage() ServiceStatus {
	if storage.Client == nil {
		return ServiceStatus{
			Available: false,
			Error:     "storage client not initialized",
		}
	}

	return ServiceStatus{
		Available: true,
		Version:   "MinIO S3",
	}
}

// UploadResponse is returned after a document runs through the pipeline.
type UploadResponse struct {
	Purchase      *models.PurchaseDraft    `json:"purchase"`
	Events        []models.ExtractionEvent `json:"events"`
	OpticalUsed   bool                     `json:"optical_used"`
	OracleUsed    bool                     `json:"oracle_used"`
	OCRSeconds    float64                  `json:"ocr_seconds"`
	OracleSeconds float64                  `json:"oracle_seconds"`
	TotalSeconds  float64                  `json:"total_seconds"`
}

// UploadDocument ingests one PDF and always answers with a draft, even a
// zero-line one flagged for review
func (h *Handler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()
	requestStart := time.Now()

	if _, err := auth.GetClaimsFromContext(ctx); err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	if db.Pool == nil {
		h.sendError(w, http.StatusServiceUnavailable, "database_unavailable", "database not available")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes())
	if err := r.ParseMultipartForm(h.config.MaxUploadBytes()); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_upload", "file too large or invalid form data")
		return
	}

	supplierID, err := uuid.Parse(r.FormValue("supplier_id"))
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_supplier", "supplier_id must be a valid UUID")
		return
	}
	exists, err := db.SupplierExists(ctx, supplierID)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "database_error", err.Error())
		return
	}
	if !exists {
		h.sendError(w, http.StatusNotFound, "unknown_supplier", "supplier not found")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "missing_file", "no file provided (use 'file' field)")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "read_failed", "failed to read file")
		return
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		h.sendError(w, http.StatusBadRequest, "invalid_file_type", "only PDF documents are accepted")
		return
	}

	doc := extract.Document{
		ID:         uuid.New(),
		SupplierID: supplierID,
		Filename:   header.Filename,
		Data:       data,
	}

	outcome, err := h.pipeline.Run(ctx, doc)
	if err != nil {
		h.sendError(w, http.StatusUnprocessableEntity, "extraction_failed", err.Error())
		return
	}

	// Archive the original; ingestion proceeds even when the archive is
	// unavailable
	if storage.Client != nil {
		if url, err := storage.UploadDocument(ctx, supplierID, doc.ID, data); err != nil {
			log.Printf("[Storage] archive failed for %s: %v", doc.ID, err)
		} else {
			outcome.Draft.DocumentURL = url
		}
	}

	if err := db.SavePurchase(ctx, outcome.Draft); err != nil {
		h.sendError(w, http.StatusInternalServerError, "database_error", err.Error())
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(UploadResponse{
		Purchase:      outcome.Draft,
		Events:        outcome.Events,
		OpticalUsed:   outcome.OpticalUsed,
		OracleUsed:    outcome.OracleUsed,
		OCRSeconds:    outcome.OCRSeconds,
		OracleSeconds: outcome.OracleSeconds,
		TotalSeconds:  time.Since(requestStart).Seconds(),
	})
}

// ListPurchases returns recent drafts, optionally filtered by supplier
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()
	if _, err := auth.GetClaimsFromContext(ctx); err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	if db.Pool == nil {
		h.sendError(w, http.StatusServiceUnavailable, "database_unavailable", "database not available")
		return
	}

	var supplierID *uuid.UUID
	if raw := r.URL.Query().Get("supplier_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "invalid_supplier", "supplier_id must be a valid UUID")
			return
		}
		supplierID = &id
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	drafts, err := db.ListPurchases(ctx, supplierID, limit)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "database_error", err.Error())
		return
	}
	if drafts == nil {
		drafts = []models.PurchaseDraft{}
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"purchases": drafts,
		"count":     len(drafts),
	})
}

// GetPurchase returns one draft with its lines
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()
	if _, err := auth.GetClaimsFromContext(ctx); err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	draft, err := db.GetPurchase(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.sendError(w, http.StatusNotFound, "not_found", "purchase not found")
			return
		}
		h.sendError(w, http.StatusInternalServerError, "database_error", err.Error())
		return
	}

	json.NewEncoder(w).Encode(draft)
}

// ValidatePurchase auto-links lines against the catalog
func (h *Handler) ValidatePurchase(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()
	if _, err := auth.GetClaimsFromContext(ctx); err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	result, err := h.purchases.Validate(ctx, id)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	json.NewEncoder(w).Encode(result)
}

type confirmRequest struct {
	TolerancePct *float64 `json:"tolerance_pct"`
	ToleranceAbs *float64 `json:"tolerance_abs"`
	Force        bool     `json:"force"`
	Strict       bool     `json:"strict"`
	Debug        bool     `json:"debug"`
}

// ConfirmPurchase applies stock deltas when totals agree within tolerance
func (h *Handler) ConfirmPurchase(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()
	if _, err := auth.GetClaimsFromContext(ctx); err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	var req confirmRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.sendError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
			return
		}
	}

	opts := services.ConfirmOptions{Force: req.Force, Strict: req.Strict, Debug: req.Debug}
	if req.TolerancePct != nil {
		pct := decimal.NewFromFloat(*req.TolerancePct)
		opts.TolerancePct = &pct
	}
	if req.ToleranceAbs != nil {
		abs := decimal.NewFromFloat(*req.ToleranceAbs)
		opts.ToleranceAbs = &abs
	}

	result, err := h.purchases.Confirm(ctx, id, opts)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	json.NewEncoder(w).Encode(result)
}

// RollbackPurchase reverses a confirmed draft's stock effect
func (h *Handler) RollbackPurchase(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()
	if _, err := auth.GetClaimsFromContext(ctx); err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	result, err := h.purchases.Rollback(ctx, id)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	json.NewEncoder(w).Encode(result)
}

// ResendStock previews or reapplies lost deltas for a confirmed draft
func (h *Handler) ResendStock(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()
	if _, err := auth.GetClaimsFromContext(ctx); err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	apply := r.URL.Query().Get("apply") == "true"

	result, err := h.purchases.ResendStock(ctx, id, apply)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	json.NewEncoder(w).Encode(result)
}

// CancelPurchase voids an unconfirmed draft
func (h *Handler) CancelPurchase(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()
	if _, err := auth.GetClaimsFromContext(ctx); err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.purchases.Cancel(ctx, id); err != nil {
		h.sendServiceError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"status":  models.StatusVoided,
	})
}

// UpdateLine edits one line on an unconfirmed draft
func (h *Handler) UpdateLine(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()
	if _, err := auth.GetClaimsFromContext(ctx); err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.pathID(w, r, "lineId")
	if !ok {
		return
	}

	var updates map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}

	if err := db.UpdateLine(ctx, id, lineID, updates); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.sendError(w, http.StatusConflict, "not_editable", "line not found or draft no longer editable")
			return
		}
		h.sendError(w, http.StatusInternalServerError, "database_error", err.Error())
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "line updated",
	})
}

// DeleteLine soft-deletes a line; it stays on the draft for audit but is
// excluded from totals and stock
func (h *Handler) DeleteLine(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()
	if _, err := auth.GetClaimsFromContext(ctx); err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.pathID(w, r, "lineId")
	if !ok {
		return
	}

	updates := map[string]interface{}{"link_state": models.LinkDeleted}
	if err := db.UpdateLine(ctx, id, lineID, updates); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.sendError(w, http.StatusConflict, "not_editable", "line not found or draft no longer editable")
			return
		}
		h.sendError(w, http.StatusInternalServerError, "database_error", err.Error())
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "line deleted",
	})
}

// GetLedger returns the stock ledger entries journaled for one purchase
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()
	if _, err := auth.GetClaimsFromContext(ctx); err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	entries, err := db.LedgerForSource(ctx, id)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "database_error", err.Error())
		return
	}
	if entries == nil {
		entries = []models.StockLedgerEntry{}
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// GetEvents returns the extraction event trail for one document
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()
	if _, err := auth.GetClaimsFromContext(ctx); err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	events, err := db.EventsForDocument(ctx, id)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "database_error", err.Error())
		return
	}
	if events == nil {
		events = []models.ExtractionEvent{}
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// GetDiagnostics returns rolling-window pipeline counters
func (h *Handler) GetDiagnostics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()
	if _, err := auth.GetClaimsFromContext(ctx); err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	if db.Pool == nil {
		h.sendError(w, http.StatusServiceUnavailable, "database_unavailable", "database not available")
		return
	}

	windowHours := h.config.Pipeline.MetricsWindowHours
	if raw := r.URL.Query().Get("window_hours"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			windowHours = parsed
		}
	}

	metrics, err := db.WindowMetrics(ctx, windowHours)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "database_error", err.Error())
		return
	}

	json.NewEncoder(w).Encode(metrics)
}

// pathID parses a UUID route variable, answering 400 itself on failure.
func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_id", name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// sendServiceError maps engine sentinels onto HTTP statuses.
func (h *Handler) sendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound) || errors.Is(err, db.ErrNotFound):
		h.sendError(w, http.StatusNotFound, "not_found", "purchase not found")
	case errors.Is(err, services.ErrStrictUnmatched):
		h.sendError(w, http.StatusUnprocessableEntity, "unmatched_lines", err.Error())
	case errors.Is(err, services.ErrNotEditable), errors.Is(err, services.ErrNotConfirmed),
		errors.Is(err, services.ErrConfirmConflict):
		h.sendError(w, http.StatusConflict, "status_conflict", err.Error())
	default:
		h.sendError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// sendError sends an error response
func (h *Handler) sendError(w http.ResponseWriter, statusCode int, code, message string) {
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error":  code,
		"detail": message,
	})
}
