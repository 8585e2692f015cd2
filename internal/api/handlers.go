package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/osa-io/osa/internal/domain"
)

const failedListLimit = 100

type (
	healthResponse struct {
		Status        string `json:"status"`
		UptimeSeconds int64  `json:"uptime_seconds"`
		Database      string `json:"database"`
	}

	queueDepthEntry struct {
		ConsumerGroup string `json:"consumer_group"`
		EventType     string `json:"event_type"`
		Status        string `json:"status"`
		Count         int64  `json:"count"`
	}

	failedDeliveryEntry struct {
		ID            int64     `json:"id"`
		EventID       string    `json:"event_id"`
		EventType     string    `json:"event_type"`
		ConsumerGroup string    `json:"consumer_group"`
		RetryCount    int       `json:"retry_count"`
		DeliveryError string    `json:"delivery_error"`
		UpdatedAt     time.Time `json:"updated_at"`
	}
)

// handleHealth reports liveness and database reachability. Public: load
// balancers and probes call it without credentials.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Database:      "ok",
	}

	status := http.StatusOK

	if err := s.conn.HealthCheck(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = "unreachable"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, s.logger, status, resp)
}

// handleQueueDepths reports per-group pending, claimed and failed counts.
func (s *Server) handleQueueDepths(w http.ResponseWriter, r *http.Request) {
	depths, err := s.outbox.QueueDepths(r.Context())
	if err != nil {
		WriteProblem(w, r, s.logger, ProblemFromError(err))

		return
	}

	entries := make([]queueDepthEntry, 0, len(depths))
	for _, d := range depths {
		entries = append(entries, queueDepthEntry{
			ConsumerGroup: d.ConsumerGroup,
			EventType:     d.EventType,
			Status:        string(d.Status),
			Count:         d.Count,
		})
	}

	writeJSON(w, s.logger, http.StatusOK, map[string]any{"queues": entries})
}

// handleListFailed lists parked deliveries awaiting operator attention.
func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	failed, err := s.outbox.ListFailed(r.Context(), failedListLimit)
	if err != nil {
		WriteProblem(w, r, s.logger, ProblemFromError(err))

		return
	}

	entries := make([]failedDeliveryEntry, 0, len(failed))
	for _, f := range failed {
		entries = append(entries, failedDeliveryEntry{
			ID:            f.ID,
			EventID:       f.EventID.String(),
			EventType:     f.EventType,
			ConsumerGroup: f.ConsumerGroup,
			RetryCount:    f.RetryCount,
			DeliveryError: f.DeliveryError,
			UpdatedAt:     f.UpdatedAt,
		})
	}

	writeJSON(w, s.logger, http.StatusOK, map[string]any{"failed": entries})
}

// handleResurrect moves one parked delivery back to pending with a clean
// retry budget.
func (s *Server) handleResurrect(w http.ResponseWriter, r *http.Request) {
	deliveryID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteProblem(w, r, s.logger,
			NewProblemDetail(http.StatusBadRequest, "Bad Request", "delivery id must be an integer"))

		return
	}

	err = s.outbox.Resurrect(r.Context(), deliveryID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			WriteProblem(w, r, s.logger,
				NewProblemDetail(http.StatusNotFound, "Not Found", "no failed delivery with that id"))

			return
		}

		WriteProblem(w, r, s.logger, ProblemFromError(err))

		return
	}

	s.logger.Info("delivery resurrected", "delivery_id", deliveryID)

	writeJSON(w, s.logger, http.StatusOK, map[string]any{"delivery_id": deliveryID, "status": "pending"})
}
