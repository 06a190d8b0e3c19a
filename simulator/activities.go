package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"tradechat/internal/api"
	"tradechat/internal/chat"
	"tradechat/internal/fixtures"
	"tradechat/internal/models"
	"tradechat/internal/utils"

	"github.com/google/uuid"
)

// SimulateActivities runs the worker pool until ctx is done.
func (s *Simulator) SimulateActivities(ctx context.Context) {
	interval := s.config.ActionInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := s.step(ctx); err != nil && ctx.Err() == nil {
						s.logger.Debug().Err(err).Int("worker", workerID).Msg("activity failed")
					}
				}
			}
		}(i)
	}
	wg.Wait()
}

func (s *Simulator) step(ctx context.Context) error {
	interest := s.set.Interests[s.getZipfIndex(len(s.set.Interests))]
	key := conversationKey{jobID: interest.JobID, tradespersonID: interest.TradespersonID}

	s.mu.RLock()
	convID, known := s.conversations[key]
	s.mu.RUnlock()

	if !known {
		return s.openConversation(ctx, interest)
	}

	switch roll := s.float(); {
	case roll < 0.5:
		return s.sendMessage(ctx, key, convID)
	case roll < 0.75:
		return s.fetchMessages(ctx, key, convID)
	case roll < 0.9:
		return s.markRead(ctx, key, convID)
	default:
		return s.listConversations(ctx, key)
	}
}

func (s *Simulator) party(key conversationKey, homeowner bool) *SimulatedUser {
	if homeowner {
		if user, ok := s.users[s.set.HomeownerOf(key.jobID)]; ok {
			return user
		}
	}
	return s.users[key.tradespersonID]
}

func (s *Simulator) randomParty(key conversationKey) *SimulatedUser {
	return s.party(key, s.intn(2) == 0)
}

// openConversation checks the gate: only exact paid access may open.
func (s *Simulator) openConversation(ctx context.Context, interest models.InterestRecord) error {
	user := s.users[interest.TradespersonID]
	if user == nil {
		return fmt.Errorf("unknown tradesperson %s", interest.TradespersonID)
	}

	res, err := s.makeRequest(ctx, user, http.MethodGet, "/conversations/job/"+url.PathEscape(interest.JobID), nil)
	if err != nil {
		return err
	}

	paid := fixtures.Paid(interest)
	switch {
	case res.Status == http.StatusOK && paid:
		var opened chat.OpenResult
		if err := json.Unmarshal(res.Body, &opened); err != nil {
			return err
		}
		s.mu.Lock()
		s.conversations[conversationKey{interest.JobID, interest.TradespersonID}] = opened.ConversationID
		s.mu.Unlock()
		s.count(&s.stats.ConversationsOpened)

	case res.Status == http.StatusForbidden && !paid:
		if res.Error.Error != utils.ErrNotPaid {
			s.recordViolation("job %s: expected NOT_PAID, got %s", interest.JobID, res.Error.Error)
		}
		s.stats.mu.Lock()
		s.stats.Denials[res.Error.Error]++
		s.stats.mu.Unlock()

	default:
		s.recordViolation("open %s/%s with status %q returned %d",
			interest.JobID, interest.TradespersonID, interest.Status, res.Status)
	}
	return nil
}

func (s *Simulator) sendMessage(ctx context.Context, key conversationKey, convID uuid.UUID) error {
	user := s.randomParty(key)

	body := map[string]string{
		"message_type": string(models.MessageText),
		"content":      fmt.Sprintf("%s about %s at %s", user.ID, key.jobID, time.Now().Format(time.RFC3339Nano)),
	}
	res, err := s.makeRequest(ctx, user, http.MethodPost, fmt.Sprintf("/conversations/%s/messages", convID), body)
	if err != nil {
		return err
	}
	if res.Status != http.StatusCreated {
		s.recordViolation("send to %s returned %d (%s)", convID, res.Status, res.Error.Error)
		return nil
	}

	var msg models.Message
	if err := json.Unmarshal(res.Body, &msg); err != nil {
		return err
	}
	if msg.Status != models.StatusSent || msg.SenderID != user.ID {
		s.recordViolation("message %s came back as %s from %s", msg.ID, msg.Status, msg.SenderID)
	}
	s.count(&s.stats.MessagesSent)
	return nil
}

// fetchMessages walks a few pages and checks the log has no duplicates or gaps in order.
func (s *Simulator) fetchMessages(ctx context.Context, key conversationKey, convID uuid.UUID) error {
	user := s.randomParty(key)
	cursor := ""
	var lastSeq int64

	for pages := 0; pages < 3; pages++ {
		path := fmt.Sprintf("/conversations/%s/messages?limit=20", convID)
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}

		res, err := s.makeRequest(ctx, user, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		if res.Status != http.StatusOK {
			s.recordViolation("fetch %s returned %d (%s)", convID, res.Status, res.Error.Error)
			return nil
		}

		var page chat.MessagePage
		if err := json.Unmarshal(res.Body, &page); err != nil {
			return err
		}
		s.count(&s.stats.PagesFetched)

		for _, msg := range page.Messages {
			if msg.Seq <= lastSeq {
				s.recordViolation("conversation %s listed seq %d after %d", convID, msg.Seq, lastSeq)
			}
			lastSeq = msg.Seq
		}
		if !page.HasMore {
			return nil
		}
		cursor = page.NextCursor
	}
	return nil
}

// markRead clears the reader's counter and confirms the listing agrees.
func (s *Simulator) markRead(ctx context.Context, key conversationKey, convID uuid.UUID) error {
	user := s.randomParty(key)

	res, err := s.makeRequest(ctx, user, http.MethodPost, fmt.Sprintf("/conversations/%s/read", convID), nil)
	if err != nil {
		return err
	}
	if res.Status != http.StatusOK {
		s.recordViolation("read %s returned %d (%s)", convID, res.Status, res.Error.Error)
		return nil
	}
	s.count(&s.stats.ReadMarks)
	return nil
}

func (s *Simulator) listConversations(ctx context.Context, key conversationKey) error {
	user := s.randomParty(key)

	res, err := s.makeRequest(ctx, user, http.MethodGet, "/conversations", nil)
	if err != nil {
		return err
	}
	if res.Status != http.StatusOK {
		s.recordViolation("list for %s returned %d", user.ID, res.Status)
		return nil
	}

	var list api.ConversationListResponse
	if err := json.Unmarshal(res.Body, &list); err != nil {
		return err
	}
	for _, conv := range list.Conversations {
		if conv.UnreadCount < 0 {
			s.recordViolation("conversation %s has negative unread count %d", conv.ID, conv.UnreadCount)
		}
	}
	return nil
}
