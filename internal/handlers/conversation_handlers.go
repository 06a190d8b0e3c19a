package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"tradechat/internal/api"
	"tradechat/internal/chat"
	"tradechat/internal/middleware"
	"tradechat/internal/models"
	"tradechat/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Maximum accepted request body for a message.
const maxMessageBody = 64 << 10

// writeError logs server side failures before writing the error response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if status := statusOf(err); status >= http.StatusInternalServerError {
		s.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	api.WriteError(w, err)
}

func statusOf(err error) int {
	if appErr, ok := utils.AsAppError(err); ok {
		return utils.AppErrorToHTTPStatus(appErr.Code)
	}
	return http.StatusInternalServerError
}

func actorFrom(r *http.Request) (models.Actor, error) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		return models.Actor{}, utils.NewUnauthorizedError("no authenticated user")
	}
	return actor, nil
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, utils.NewValidationError("invalid " + name)
	}
	return id, nil
}

// HandleOpenConversation returns the conversation for a job, creating it when allowed.
// GET /conversations/job/{jobID}?tradesperson_id=
func (s *Server) HandleOpenConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFrom(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		result, err := s.Service.OpenOrCreate(r.Context(), actor, chi.URLParam(r, "jobID"), r.URL.Query().Get("tradesperson_id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, result)
	}
}

// HandleListConversations lists the caller's conversations.
// GET /conversations
func (s *Server) HandleListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFrom(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		summaries, err := s.Service.ListMyConversations(r.Context(), actor)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, api.ConversationListResponse{
			Conversations: summaries,
			Total:         len(summaries),
		})
	}
}

// HandleGetMessages pages through a conversation.
// GET /conversations/{conversationID}/messages?cursor=&limit=
func (s *Server) HandleGetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFrom(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		conversationID, err := uuidParam(r, "conversationID")
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit < 0 {
				s.writeError(w, r, utils.NewValidationError("limit must be a non-negative integer"))
				return
			}
		}

		page, err := s.Service.FetchMessages(r.Context(), actor, conversationID, r.URL.Query().Get("cursor"), limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, page)
	}
}

// HandleSendMessage appends a message from the caller.
// POST /conversations/{conversationID}/messages
func (s *Server) HandleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFrom(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		conversationID, err := uuidParam(r, "conversationID")
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		var req chat.SendInput
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBody)).Decode(&req); err != nil {
			s.writeError(w, r, utils.NewValidationError("invalid request body"))
			return
		}
		if req.MessageType == "" {
			req.MessageType = models.MessageText
		}

		msg, err := s.Service.Send(r.Context(), actor, conversationID, req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, msg)
	}
}

// HandleMarkRead marks the other party's messages as read.
// POST /conversations/{conversationID}/read
func (s *Server) HandleMarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFrom(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		conversationID, err := uuidParam(r, "conversationID")
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		marked, err := s.Service.MarkRead(r.Context(), actor, conversationID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, api.MarkReadResponse{ConversationID: conversationID, MarkedRead: marked})
	}
}

// HandleMarkDelivered acknowledges one message.
// POST /conversations/{conversationID}/messages/{messageID}/delivered
func (s *Server) HandleMarkDelivered() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFrom(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		conversationID, err := uuidParam(r, "conversationID")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		messageID, err := uuidParam(r, "messageID")
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		changed, err := s.Service.MarkDelivered(r.Context(), actor, conversationID, messageID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, api.DeliveredResponse{MessageID: messageID, Changed: changed})
	}
}
