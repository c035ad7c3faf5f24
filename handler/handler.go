// Package handler serves read-only lead reports from the durable store as an
// API Gateway Lambda function.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"lead-agent/internal/domain"
	"lead-agent/internal/operator"
	"lead-agent/internal/repository"
	"lead-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type reportResponse struct {
	ID     int64  `json:"id"`
	Report string `json:"report"`
	Status string `json:"status"`
}

type Handler struct {
	reader      repository.Reader
	maxAttempts int
}

func NewHandler(reader repository.Reader, maxAttempts int) (*Handler, error) {
	if reader == nil {
		return nil, errors.New("handler: reader must not be nil")
	}
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	return &Handler{reader: reader, maxAttempts: maxAttempts}, nil
}

// Handle answers GET /leads/{id}.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := slog.With("correlation_id", correlationID)

	if req.HTTPMethod != "" && req.HTTPMethod != http.MethodGet {
		return respond(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "method_not_allowed"}), nil
	}
	id, err := strconv.ParseInt(strings.TrimSpace(req.PathParameters["id"]), 10, 64)
	if err != nil || id <= 0 {
		return respond(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_id"}), nil
	}

	rec, err := repository.ReadLead(ctx, h.reader, id)
	if err != nil {
		log.Error("read lead failed", "recipient", id, "err", err)
		return respond(http.StatusInternalServerError, correlationID, errorResponse{Error: string(usecase.ErrorInternal)}), nil
	}
	if !known(rec) {
		return respond(http.StatusNotFound, correlationID, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "lead_not_found"}), nil
	}

	log.Info("lead report served", "recipient", id)
	return respond(http.StatusOK, correlationID, reportResponse{
		ID:     id,
		Report: operator.FormatReport(rec, "", "", h.maxAttempts),
		Status: string(rec.Status),
	}), nil
}

func known(rec repository.LeadRecord) bool {
	return len(rec.History) > 0 || rec.HasFollowUp || rec.Blocked || rec.Status != domain.StatusActive
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func respond(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(raw),
	}
}
