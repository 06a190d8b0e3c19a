package handlers

import (
	"net/http"
	"strings"

	"tradechat/internal/api"
	"tradechat/internal/middleware"
	"tradechat/internal/utils"
	"tradechat/internal/websocket"

	ws "github.com/gorilla/websocket"
)

func (s *Server) upgrader() *ws.Upgrader {
	return &ws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || middleware.OriginAllowed(s.AllowedOrigins, origin)
		},
	}
}

// HandleWebSocket upgrades an authenticated request to a live event stream. Browsers
// cannot set headers on websocket requests, so the token may come as ?token=.
func (s *Server) HandleWebSocket() http.HandlerFunc {
	upgrader := s.upgrader()
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.URL.Query().Get("token")
		if tokenString == "" {
			tokenString = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if tokenString == "" {
			api.WriteError(w, utils.NewUnauthorizedError("missing authentication token"))
			return
		}

		claims, err := s.Tokens.ValidateToken(tokenString)
		if err != nil {
			api.WriteError(w, utils.NewAppError(utils.ErrInvalidToken, "Invalid or expired token", err))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// The upgrader has already written the HTTP error
			s.Logger.Warn().Err(err).Str("user_id", claims.UserID).Msg("websocket upgrade failed")
			return
		}

		client := websocket.NewClient(s.Hub, claims.UserID, conn)
		client.Hub.Register <- client

		go client.WritePump()
		go client.ReadPump()
	}
}
