package conversation

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"convoai/internal/apperr"
	"convoai/internal/intelligence"
	"convoai/internal/llm"
	"convoai/internal/metrics"
	"convoai/internal/storage"
)

const (
	maxTitleRunes   = 200
	maxContentRunes = 32000
	autoTitleRunes  = 50
	defaultPageSize = 20
	maxPageSize     = 100
)

type Store interface {
	CreateConversation(ctx context.Context, c storage.Conversation) (storage.Conversation, error)
	GetConversation(ctx context.Context, userID int64, id string) (storage.Conversation, error)
	ListConversations(ctx context.Context, userID int64, f storage.ConversationFilter) ([]storage.Conversation, int, error)
	UpdateTitle(ctx context.Context, userID int64, id, title string) error
	EndConversation(ctx context.Context, userID int64, id string) (bool, error)
	DeleteConversation(ctx context.Context, userID int64, id string) error
	AppendMessage(ctx context.Context, userID int64, m storage.Message, opts storage.AppendOptions) (storage.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]storage.Message, error)
	GetProfile(ctx context.Context, userID int64) (storage.Profile, error)
}

type Gateway interface {
	Complete(ctx context.Context, call llm.Call) (llm.Reply, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, userID int64, conversationID string, depth intelligence.Depth) (intelligence.Analysis, error)
	SaveFallback(ctx context.Context, userID int64, conversationID string) (intelligence.Analysis, error)
}

// Deduplicator reports whether an idempotency key is seen for the first time.
// Release forgets a key whose send never stored a message.
type Deduplicator interface {
	MarkFirst(ctx context.Context, userID int64, conversationID, key string) (bool, error)
	Release(ctx context.Context, userID int64, conversationID, key string) error
}

type Config struct {
	Store        Store
	Gateway      Gateway
	Summarizer   Summarizer
	Dedupe       Deduplicator
	SystemPrompt string
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

type Service struct {
	cfg   Config
	locks *lockSet
	newID func() string
}

func New(cfg Config) *Service {
	return &Service{cfg: cfg, locks: newLockSet(), newID: uuid.NewString}
}

func (s *Service) Create(ctx context.Context, userID int64, title string) (storage.Conversation, error) {
	title, err := cleanTitle(title, true)
	if err != nil {
		return storage.Conversation{}, err
	}
	c, err := s.cfg.Store.CreateConversation(ctx, storage.Conversation{
		ID:     s.newID(),
		UserID: userID,
		Title:  title,
		Status: storage.StatusActive,
	})
	if err != nil {
		return storage.Conversation{}, notFound(err, "user not found")
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ConversationsCreated.Inc()
	}
	s.cfg.Logger.Debug().Int64("user_id", userID).Str("conversation_id", c.ID).Msg("conversation created")
	return c, nil
}

type ListOptions struct {
	Page     int
	PageSize int
	Status   string
	Search   string
	DateFrom *time.Time
	DateTo   *time.Time
}

type Page struct {
	Conversations []storage.Conversation
	Total         int
	Page          int
	PageSize      int
}

func (s *Service) List(ctx context.Context, userID int64, opts ListOptions) (Page, error) {
	switch opts.Status {
	case "", storage.StatusActive, storage.StatusEnded:
	default:
		return Page{}, apperr.New(apperr.ValidationError, "status must be active or ended")
	}
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = defaultPageSize
	}
	opts.PageSize = min(opts.PageSize, maxPageSize)
	convs, total, err := s.cfg.Store.ListConversations(ctx, userID, storage.ConversationFilter{
		Status:   opts.Status,
		Search:   strings.TrimSpace(opts.Search),
		DateFrom: opts.DateFrom,
		DateTo:   opts.DateTo,
		Limit:    opts.PageSize,
		Offset:   (opts.Page - 1) * opts.PageSize,
	})
	if err != nil {
		return Page{}, err
	}
	return Page{Conversations: convs, Total: total, Page: opts.Page, PageSize: opts.PageSize}, nil
}

type Detail struct {
	Conversation storage.Conversation
	Messages     []storage.Message
}

func (s *Service) Get(ctx context.Context, userID int64, id string) (Detail, error) {
	c, err := s.cfg.Store.GetConversation(ctx, userID, id)
	if err != nil {
		return Detail{}, notFound(err, "conversation not found")
	}
	msgs, err := s.cfg.Store.ListMessages(ctx, c.ID, 0)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Conversation: c, Messages: msgs}, nil
}

func (s *Service) UpdateTitle(ctx context.Context, userID int64, id, title string) (storage.Conversation, error) {
	title, err := cleanTitle(title, false)
	if err != nil {
		return storage.Conversation{}, err
	}
	if err := s.cfg.Store.UpdateTitle(ctx, userID, id, title); err != nil {
		return storage.Conversation{}, notFound(err, "conversation not found")
	}
	c, err := s.cfg.Store.GetConversation(ctx, userID, id)
	if err != nil {
		return storage.Conversation{}, notFound(err, "conversation not found")
	}
	return c, nil
}

// Delete removes the conversation and its messages in any state.
func (s *Service) Delete(ctx context.Context, userID int64, id string) error {
	unlock := s.locks.lock(id)
	defer unlock()
	if err := s.cfg.Store.DeleteConversation(ctx, userID, id); err != nil {
		return notFound(err, "conversation not found")
	}
	s.cfg.Logger.Debug().Int64("user_id", userID).Str("conversation_id", id).Msg("conversation deleted")
	return nil
}

type EndOptions struct {
	Summarize bool
	Depth     intelligence.Depth
}

type EndResult struct {
	Conversation storage.Conversation
	// Analysis is set when this call produced a summary.
	Analysis     *intelligence.Analysis
	AlreadyEnded bool
}

// End closes an active conversation and optionally summarizes it. Ending an
// ended conversation returns it unchanged. A failed summary leaves the
// conversation ended with a fallback summary.
func (s *Service) End(ctx context.Context, userID int64, id string, opts EndOptions) (EndResult, error) {
	ctx = context.WithoutCancel(ctx)
	unlock := s.locks.lock(id)
	defer unlock()

	changed, err := s.cfg.Store.EndConversation(ctx, userID, id)
	if err != nil {
		return EndResult{}, notFound(err, "conversation not found")
	}
	if !changed {
		c, err := s.cfg.Store.GetConversation(ctx, userID, id)
		if err != nil {
			return EndResult{}, notFound(err, "conversation not found")
		}
		return EndResult{Conversation: c, AlreadyEnded: true}, nil
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ConversationsEnded.Inc()
	}

	var analysis *intelligence.Analysis
	if opts.Summarize && s.cfg.Summarizer != nil {
		a, err := s.cfg.Summarizer.Summarize(ctx, userID, id, opts.Depth)
		if err != nil {
			s.cfg.Logger.Warn().Err(err).Str("conversation_id", id).Msg("summary on end failed, storing fallback")
			a, err = s.cfg.Summarizer.SaveFallback(ctx, userID, id)
			if err != nil {
				s.cfg.Logger.Error().Err(err).Str("conversation_id", id).Msg("store fallback summary")
			}
		}
		if err == nil {
			analysis = &a
		}
	}

	c, err := s.cfg.Store.GetConversation(ctx, userID, id)
	if err != nil {
		return EndResult{}, notFound(err, "conversation not found")
	}
	s.cfg.Logger.Info().Int64("user_id", userID).Str("conversation_id", id).Int("messages", c.MessageCount).Msg("conversation ended")
	return EndResult{Conversation: c, Analysis: analysis}, nil
}

// GenerateSummary summarizes the conversation on demand in any state.
func (s *Service) GenerateSummary(ctx context.Context, userID int64, id string, depth intelligence.Depth) (intelligence.Analysis, error) {
	ctx = context.WithoutCancel(ctx)
	unlock := s.locks.lock(id)
	defer unlock()
	if s.cfg.Summarizer == nil {
		return intelligence.Analysis{}, apperr.New(apperr.Internal, "summaries are not configured")
	}
	return s.cfg.Summarizer.Summarize(ctx, userID, id, depth)
}

func cleanTitle(title string, allowEmpty bool) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" && !allowEmpty {
		return "", apperr.New(apperr.ValidationError, "title is required")
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		return "", apperr.Newf(apperr.ValidationError, "title must be at most %d characters", maxTitleRunes)
	}
	return title, nil
}

func notFound(err error, msg string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.New(apperr.NotFound, msg)
	}
	return err
}
