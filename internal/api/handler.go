package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parcelpost/relay/internal/engine"
	"github.com/parcelpost/relay/internal/store"
	"github.com/parcelpost/relay/internal/tracking"
)

// Dispatcher defines the engine surface the API exposes
type Dispatcher interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (uuid.UUID, error)
	SubmitBatch(ctx context.Context, reqs []engine.SubmitRequest) (uuid.UUID, error)
	Status(ctx context.Context, id uuid.UUID) (*engine.StatusInfo, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	Retry(ctx context.Context, id uuid.UUID) (bool, error)
	RecordOpenPing(ctx context.Context, trackingID string, meta tracking.Meta)
	RecordClickPing(ctx context.Context, trackingID, url string, meta tracking.Meta) string
	JobEngagement(ctx context.Context, id uuid.UUID) (*tracking.JobStats, error)
	BatchEngagement(ctx context.Context, batchID uuid.UUID) (*store.BatchStats, error)
	RecordDeliveryOutcome(ctx context.Context, id uuid.UUID, outcome string) (bool, error)
	BatchMessages(ctx context.Context, batchID uuid.UUID) ([]*engine.StatusInfo, error)
	Stats(ctx context.Context) (*engine.EngineStats, error)
	PauseDispatch()
	ResumeDispatch()
}

// MessageRequest represents the incoming request body
type MessageRequest struct {
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body,omitempty"`
	TemplateID   string            `json:"template_id,omitempty"`
	Vars         map[string]string `json:"vars,omitempty"`
	Class        string            `json:"class,omitempty"`
	Priority     int               `json:"priority,omitempty"`
	DelaySeconds int               `json:"delay_seconds,omitempty"`
}

// BatchRequest wraps the messages of one batch submission
type BatchRequest struct {
	Messages []MessageRequest `json:"messages"`
}

// MessageResponse is returned after accepting a message
type MessageResponse struct {
	ID string `json:"id"`
}

// BatchResponse is returned after accepting a batch
type BatchResponse struct {
	BatchID string `json:"batch_id"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// trackingPixel is a 1x1 transparent GIF served for open pings.
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	engine Dispatcher
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, eng Dispatcher) *Handler {
	return &Handler{
		logger: logger,
		engine: eng,
	}
}

func (req MessageRequest) toSubmit() engine.SubmitRequest {
	return engine.SubmitRequest{
		Recipient:  req.Recipient,
		Subject:    req.Subject,
		Body:       req.Body,
		TemplateID: req.TemplateID,
		Vars:       req.Vars,
		Class:      req.Class,
		Priority:   req.Priority,
		Delay:      time.Duration(req.DelaySeconds) * time.Second,
	}
}

// CreateMessage handles POST /v1/messages
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.DelaySeconds < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid delay", "delay_seconds must be >= 0")
		return
	}

	id, err := h.engine.Submit(ctx, req.toSubmit())
	if err != nil {
		if errors.Is(err, engine.ErrSuppressed) {
			h.writeError(w, http.StatusUnprocessableEntity, "suppressed_recipient",
				"Recipient is suppressed", "The recipient has opted out of marketing messages")
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(MessageResponse{ID: id.String()})
}

// CreateBatch handles POST /v1/messages/batch
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Empty batch", "messages must contain at least one entry")
		return
	}

	reqs := make([]engine.SubmitRequest, 0, len(req.Messages))
	for _, m := range req.Messages {
		reqs = append(reqs, m.toSubmit())
	}

	batchID, err := h.engine.SubmitBatch(ctx, reqs)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid batch", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(BatchResponse{BatchID: batchID.String()})
}

// GetMessage handles GET /v1/messages/{id}
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	info, err := h.engine.Status(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Message not found", "")
			return
		}
		h.logger.Error("failed to get message status",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get message", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(info)
}

// CancelMessage handles POST /v1/messages/{id}/cancel
func (h *Handler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	cancelled, err := h.engine.Cancel(ctx, id)
	if err != nil {
		h.logger.Error("failed to cancel message",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to cancel message", "")
		return
	}
	if !cancelled {
		h.writeError(w, http.StatusConflict, "not_cancellable",
			"Message cannot be cancelled", "The message is unknown or already reached a terminal state")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     id.String(),
		"status": store.StatusCancelled,
	})
}

// RetryMessage handles POST /v1/messages/{id}/retry
func (h *Handler) RetryMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	retried, err := h.engine.Retry(ctx, id)
	if err != nil {
		h.logger.Error("failed to retry message",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retry message", "")
		return
	}
	if !retried {
		h.writeError(w, http.StatusConflict, "not_retryable",
			"Message cannot be retried", "The message is unknown or already completed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     id.String(),
		"status": store.StatusQueued,
	})
}

// GetMessageEngagement handles GET /v1/messages/{id}/engagement
func (h *Handler) GetMessageEngagement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	stats, err := h.engine.JobEngagement(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Message not found", "")
			return
		}
		h.logger.Error("failed to get engagement stats",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get engagement stats", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(stats)
}

// GetBatchStats handles GET /v1/batches/{id}/stats
func (h *Handler) GetBatchStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	stats, err := h.engine.BatchEngagement(ctx, id)
	if err != nil {
		h.logger.Error("failed to get batch stats",
			zap.Error(err),
			zap.String("batch_id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get batch stats", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(stats)
}

// ListBatchMessages handles GET /v1/batches/{id}/messages
func (h *Handler) ListBatchMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	infos, err := h.engine.BatchMessages(ctx, id)
	if err != nil {
		h.logger.Error("failed to list batch messages",
			zap.Error(err),
			zap.String("batch_id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list batch messages", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":  infos,
		"count": len(infos),
	})
}

// PauseQueue handles POST /v1/queue/pause
func (h *Handler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	h.engine.PauseDispatch()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"queue": "paused"})
}

// ResumeQueue handles POST /v1/queue/resume
func (h *Handler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	h.engine.ResumeDispatch()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"queue": "running"})
}

// GetQueueStats handles GET /v1/queue/stats
func (h *Handler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to get queue stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get queue stats", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(stats)
}

// DeliveryCallback handles POST /v1/callbacks/delivery. Providers post
// terminal outcomes here after the message left our hands.
func (h *Handler) DeliveryCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		MessageID string `json:"message_id"`
		Outcome   string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	id, err := uuid.Parse(req.MessageID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message_id", "message_id must be a valid UUID")
		return
	}

	applied, err := h.engine.RecordDeliveryOutcome(ctx, id, req.Outcome)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid outcome", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]bool{"applied": applied})
}

// TrackOpen handles GET /track/open/{token}.gif. The response is the
// same pixel whether or not the token is known.
func (h *Handler) TrackOpen(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	h.engine.RecordOpenPing(r.Context(), token, pingMeta(r))

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(trackingPixel)
}

// TrackClick handles GET /track/click/{token}?url=...
func (h *Handler) TrackClick(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	target := r.URL.Query().Get("url")
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid url", "url must be an absolute http or https URL")
		return
	}

	redirect := h.engine.RecordClickPing(r.Context(), token, target, pingMeta(r))
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func pingMeta(r *http.Request) tracking.Meta {
	return tracking.Meta{
		UserAgent: r.UserAgent(),
		IPAddress: clientIP(r),
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
