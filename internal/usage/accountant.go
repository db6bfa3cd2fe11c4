package usage

import (
	"context"
	"errors"

	"convoai/internal/apperr"
	"convoai/internal/storage"
)

type Store interface {
	AddTokens(ctx context.Context, userID int64, tokens int64) error
	GetProfile(ctx context.Context, userID int64) (storage.Profile, error)
}

type KeyChecker interface {
	HasUserKey(ctx context.Context, userID int64) (bool, error)
}

type Snapshot struct {
	TotalTokensUsed    int64 `json:"total_tokens_used"`
	TotalConversations int64 `json:"total_conversations"`
	TotalMessages      int64 `json:"total_messages"`
	HasCustomAPIKey    bool  `json:"has_custom_api_key"`
}

type Accountant struct {
	store Store
	keys  KeyChecker
}

func NewAccountant(store Store, keys KeyChecker) *Accountant {
	return &Accountant{store: store, keys: keys}
}

// Record adds tokens spent outside a chat turn, such as summaries. Chat turns
// are charged together with the reply insert.
func (a *Accountant) Record(ctx context.Context, userID int64, tokens int64) error {
	if tokens < 0 {
		return apperr.New(apperr.ValidationError, "token usage cannot be negative")
	}
	if tokens == 0 {
		return nil
	}
	if err := a.store.AddTokens(ctx, userID, tokens); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.New(apperr.NotFound, "user not found")
		}
		return err
	}
	return nil
}

func (a *Accountant) Snapshot(ctx context.Context, userID int64) (Snapshot, error) {
	p, err := a.store.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Snapshot{}, apperr.New(apperr.NotFound, "user not found")
		}
		return Snapshot{}, err
	}
	has, err := a.keys.HasUserKey(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		TotalTokensUsed:    p.TotalTokensUsed,
		TotalConversations: p.TotalConversations,
		TotalMessages:      p.TotalMessages,
		HasCustomAPIKey:    has,
	}, nil
}
