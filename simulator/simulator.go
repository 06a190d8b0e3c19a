// Package simulator drives concurrent conversation traffic against a running server.
package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"tradechat/internal/api"
	"tradechat/internal/engine/actors"
	"tradechat/internal/fixtures"
	"tradechat/internal/middleware"
	"tradechat/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type SimConfig struct {
	ServerURL      string
	SimulationTime time.Duration
	Workers        int
	ActionInterval time.Duration // per worker
	ListenerRatio  float64       // fraction of users holding a websocket
	DisconnectRate float64
	ReconnectRate  float64
	ZipfS          float64
	ReportInterval time.Duration
}

type SimulationStats struct {
	mu                  sync.RWMutex
	StartTime           time.Time
	TotalRequests       int64
	SuccessRequests     int64
	FailedRequests      int64
	AverageLatency      time.Duration
	ConversationsOpened int64
	MessagesSent        int64
	PagesFetched        int64
	ReadMarks           int64
	EventsReceived      int64
	Denials             map[string]int64
	Violations          []string
}

// SimulatedUser is a marketplace user with a minted token and an optional live connection.
type SimulatedUser struct {
	ID          string
	Role        models.Role
	Token       string
	Listener    bool
	IsConnected bool
	conn        *websocket.Conn
}

type conversationKey struct {
	jobID          string
	tradespersonID string
}

type Simulator struct {
	config        SimConfig
	set           *fixtures.Set
	stats         *SimulationStats
	users         map[string]*SimulatedUser
	conversations map[conversationKey]uuid.UUID
	client        *http.Client
	rng           *rand.Rand
	rngMu         sync.Mutex
	logger        zerolog.Logger
	mu            sync.RWMutex
}

// NewSimulator mints a token for every user in set.
func NewSimulator(config SimConfig, set *fixtures.Set, tokens *middleware.TokenManager, logger zerolog.Logger) (*Simulator, error) {
	if len(set.Interests) == 0 {
		return nil, fmt.Errorf("fixtures contain no interests to simulate")
	}
	if config.Workers <= 0 {
		config.Workers = 5
	}
	if config.ZipfS <= 1 {
		config.ZipfS = 1.07
	}

	s := &Simulator{
		config: config,
		set:    set,
		stats: &SimulationStats{
			StartTime: time.Now(),
			Denials:   make(map[string]int64),
		},
		users:         make(map[string]*SimulatedUser, len(set.Users)),
		conversations: make(map[conversationKey]uuid.UUID),
		client:        &http.Client{Timeout: 10 * time.Second},
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:        logger,
	}

	for _, u := range set.Users {
		token, err := tokens.GenerateToken(models.Actor{ID: u.ID, Role: u.Role})
		if err != nil {
			return nil, fmt.Errorf("mint token for %s: %w", u.ID, err)
		}
		s.users[u.ID] = &SimulatedUser{
			ID:       u.ID,
			Role:     u.Role,
			Token:    token,
			Listener: s.rng.Float64() < config.ListenerRatio,
		}
	}
	return s, nil
}

func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Info().
		Int("users", len(s.users)).
		Int("interests", len(s.set.Interests)).
		Int("workers", s.config.Workers).
		Msg("starting simulation")

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.SimulateActivities(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.simulateConnectivity(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.collectMetrics(ctx)
	}()

	wg.Wait()
	s.disconnectAll()
	return nil
}

func (s *Simulator) intn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}

func (s *Simulator) float() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

// getZipfIndex favours low indexes so a few jobs see most of the traffic.
func (s *Simulator) getZipfIndex(max int) int {
	if max <= 1 {
		return 0
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	zipf := rand.NewZipf(s.rng, s.config.ZipfS, 1, uint64(max-1))
	return int(zipf.Uint64())
}

// apiResult is a decoded response from the server.
type apiResult struct {
	Status int
	Body   []byte
	Error  api.ErrorResponse
}

func (s *Simulator) makeRequest(ctx context.Context, user *SimulatedUser, method, endpoint string, data interface{}) (*apiResult, error) {
	var body io.Reader
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.ServerURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+user.Token)

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		// Requests cut off by the end of the run are not server failures
		if ctx.Err() == nil {
			s.recordRequestMetrics(start, false)
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		s.recordRequestMetrics(start, false)
		return nil, err
	}

	result := &apiResult{Status: resp.StatusCode, Body: raw}
	if resp.StatusCode >= 400 {
		json.Unmarshal(raw, &result.Error)
	}
	// Denials are expected outcomes, not failures
	s.recordRequestMetrics(start, resp.StatusCode < 500)
	return result, nil
}

func (s *Simulator) recordRequestMetrics(start time.Time, ok bool) {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()

	latency := time.Since(start)
	s.stats.TotalRequests++
	if ok {
		s.stats.SuccessRequests++
	} else {
		s.stats.FailedRequests++
	}

	totalLatency := s.stats.AverageLatency * time.Duration(s.stats.TotalRequests-1)
	s.stats.AverageLatency = (totalLatency + latency) / time.Duration(s.stats.TotalRequests)
}

func (s *Simulator) recordViolation(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	s.logger.Error().Str("violation", msg).Msg("unexpected server behaviour")

	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()
	s.stats.Violations = append(s.stats.Violations, msg)
}

func (s *Simulator) count(field *int64) {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()
	*field++
}

// connect opens the user's websocket and counts events until it closes.
func (s *Simulator) connect(ctx context.Context, user *SimulatedUser) error {
	wsURL := "ws" + strings.TrimPrefix(s.config.ServerURL, "http") + "/ws?token=" + user.Token
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	user.conn = conn
	user.IsConnected = true
	s.mu.Unlock()

	go func() {
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var event actors.Event
			if err := json.Unmarshal(frame, &event); err != nil {
				s.recordViolation("undecodable event for %s: %v", user.ID, err)
				continue
			}
			s.count(&s.stats.EventsReceived)
		}
	}()
	return nil
}

func (s *Simulator) disconnect(user *SimulatedUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.conn != nil {
		user.conn.Close()
		user.conn = nil
	}
	user.IsConnected = false
}

func (s *Simulator) disconnectAll() {
	for _, user := range s.users {
		s.disconnect(user)
	}
}

func (s *Simulator) simulateConnectivity(ctx context.Context) {
	for _, user := range s.users {
		if user.Listener {
			if err := s.connect(ctx, user); err != nil {
				s.logger.Warn().Err(err).Str("user_id", user.ID).Msg("websocket connect failed")
			}
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, user := range s.users {
				if !user.Listener {
					continue
				}
				s.mu.RLock()
				connected := user.IsConnected
				s.mu.RUnlock()

				if connected && s.float() < s.config.DisconnectRate {
					s.disconnect(user)
				} else if !connected && s.float() < s.config.ReconnectRate {
					if err := s.connect(ctx, user); err != nil {
						s.logger.Debug().Err(err).Str("user_id", user.ID).Msg("reconnect failed")
					}
				}
			}
		}
	}
}

func (s *Simulator) activeListeners() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	active := 0
	for _, user := range s.users {
		if user.IsConnected {
			active++
		}
	}
	return active
}

func (s *Simulator) collectMetrics(ctx context.Context) {
	interval := s.config.ReportInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := s.GetMetrics()
			s.logger.Info().
				Dur("elapsed", time.Since(s.stats.StartTime)).
				Float64("requests_per_second", m.RequestsPerSecond).
				Dur("avg_latency", m.AverageLatency).
				Int("listeners", m.ActiveListeners).
				Int64("messages", m.MessagesSent).
				Int64("events", m.EventsReceived).
				Int("violations", len(m.Violations)).
				Msg("simulation progress")
		}
	}
}

// SimulationMetrics is a snapshot of the simulation's counters.
type SimulationMetrics struct {
	TotalUsers          int
	ActiveListeners     int
	Conversations       int
	ConversationsOpened int64
	MessagesSent        int64
	PagesFetched        int64
	ReadMarks           int64
	EventsReceived      int64
	Denials             map[string]int64
	Violations          []string
	AverageLatency      time.Duration
	ErrorCount          int64
	RequestsPerSecond   float64
}

// GetMetrics returns the current simulation metrics
func (s *Simulator) GetMetrics() SimulationMetrics {
	listeners := s.activeListeners()
	s.mu.RLock()
	conversations := len(s.conversations)
	s.mu.RUnlock()

	s.stats.mu.RLock()
	defer s.stats.mu.RUnlock()

	denials := make(map[string]int64, len(s.stats.Denials))
	for k, v := range s.stats.Denials {
		denials[k] = v
	}

	return SimulationMetrics{
		TotalUsers:          len(s.users),
		ActiveListeners:     listeners,
		Conversations:       conversations,
		ConversationsOpened: s.stats.ConversationsOpened,
		MessagesSent:        s.stats.MessagesSent,
		PagesFetched:        s.stats.PagesFetched,
		ReadMarks:           s.stats.ReadMarks,
		EventsReceived:      s.stats.EventsReceived,
		Denials:             denials,
		Violations:          append([]string(nil), s.stats.Violations...),
		AverageLatency:      s.stats.AverageLatency,
		ErrorCount:          s.stats.FailedRequests,
		RequestsPerSecond:   float64(s.stats.TotalRequests) / time.Since(s.stats.StartTime).Seconds(),
	}
}
