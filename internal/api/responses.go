// Package api holds the JSON shapes written by the HTTP layer.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"tradechat/internal/engine/actors"
	"tradechat/internal/models"
	"tradechat/internal/utils"

	"github.com/google/uuid"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

type ConversationListResponse struct {
	Conversations []models.ConversationSummary `json:"conversations"`
	Total         int                          `json:"total"`
}

type MarkReadResponse struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	MarkedRead     int64     `json:"marked_read"`
}

type DeliveredResponse struct {
	MessageID uuid.UUID `json:"message_id"`
	Changed   bool      `json:"changed"`
}

type HealthResponse struct {
	Status     string                `json:"status"`
	Store      string                `json:"store"`
	Uptime     string                `json:"uptime"`
	ServerTime time.Time             `json:"server_time"`
	Deliveries *actors.DeliveryStats `json:"deliveries,omitempty"`
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError maps err to its HTTP status. Errors that are not AppErrors are reported
// as internal without exposing their text.
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := utils.AsAppError(err)
	if !ok {
		WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "INTERNAL",
			Message: "internal server error",
		})
		return
	}

	status := utils.AppErrorToHTTPStatus(appErr.Code)
	body := ErrorResponse{Error: appErr.Code, Message: appErr.Message, Reason: appErr.Reason}
	if status == http.StatusInternalServerError {
		body.Message = "internal server error"
	}
	WriteJSON(w, status, body)
}
