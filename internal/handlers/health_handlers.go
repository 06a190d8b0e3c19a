package handlers

import (
	"net/http"
	"time"

	"tradechat/internal/api"
)

// HandleHealth reports liveness and the delivery actor's counters.
func (s *Server) HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := api.HealthResponse{
			Status:     "healthy",
			Store:      s.StoreType,
			Uptime:     s.Metrics.Uptime().Round(time.Second).String(),
			ServerTime: time.Now().UTC(),
		}

		if s.Engine != nil {
			stats, err := s.Engine.Stats(time.Second)
			if err != nil {
				s.Logger.Warn().Err(err).Msg("delivery actor unavailable")
				resp.Status = "degraded"
			} else {
				resp.Deliveries = stats
			}
		}
		api.WriteJSON(w, http.StatusOK, resp)
	}
}
