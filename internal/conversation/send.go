package conversation

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"convoai/internal/apperr"
	"convoai/internal/llm"
	"convoai/internal/providers"
	"convoai/internal/router"
	"convoai/internal/storage"
)

type SendInput struct {
	Content string
	// IdempotencyKey makes a retried send a rejected duplicate instead of a
	// second turn.
	IdempotencyKey string
	Provider       string
	Model          string
}

type SendResult struct {
	UserMessage      storage.Message
	Reply            storage.Message
	Provider         providers.Kind
	Model            string
	TokensUsed       int
	ProcessingTimeMS int64
	TotalTokensUsed  int64
}

// SendMessage runs one chat turn. The user message is stored before the
// provider is called and stays stored when the call fails. The reply and its
// token usage are stored together. Turns on one conversation are serialized.
func (s *Service) SendMessage(ctx context.Context, userID int64, id string, in SendInput) (SendResult, error) {
	started := time.Now()
	ctx = context.WithoutCancel(ctx)

	content := strings.TrimSpace(in.Content)
	if content == "" {
		return SendResult{}, apperr.New(apperr.ValidationError, "message content is required")
	}
	if utf8.RuneCountInString(content) > maxContentRunes {
		return SendResult{}, apperr.Newf(apperr.ValidationError, "message must be at most %d characters", maxContentRunes)
	}
	override := router.Override{Provider: strings.TrimSpace(in.Provider), Model: strings.TrimSpace(in.Model)}
	if override.Provider != "" {
		if _, err := providers.ParseKind(override.Provider); err != nil {
			return SendResult{}, apperr.Wrap(apperr.ValidationError, "provider must be one of gemini, groq, cohere", err)
		}
	}

	unlock := s.locks.lock(id)
	defer unlock()

	conv, err := s.cfg.Store.GetConversation(ctx, userID, id)
	if err != nil {
		return SendResult{}, notFound(err, "conversation not found")
	}
	if !conv.Active() {
		return SendResult{}, apperr.New(apperr.ConversationNotActive, "conversation has ended")
	}
	var marked string
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" && s.cfg.Dedupe != nil {
		first, err := s.cfg.Dedupe.MarkFirst(ctx, userID, id, key)
		switch {
		case err != nil:
			s.cfg.Logger.Error().Err(err).Str("conversation_id", id).Msg("failed to dedupe send")
		case !first:
			return SendResult{}, apperr.New(apperr.ValidationError, "duplicate request: this idempotency key was already used")
		default:
			marked = key
		}
	}

	userMsg, err := s.cfg.Store.AppendMessage(ctx, userID, storage.Message{
		ID:             s.newID(),
		ConversationID: id,
		Role:           string(providers.RoleUser),
		Content:        content,
	}, storage.AppendOptions{RequireActive: true})
	if err != nil {
		if marked != "" {
			if rerr := s.cfg.Dedupe.Release(ctx, userID, id, marked); rerr != nil {
				s.cfg.Logger.Error().Err(rerr).Str("conversation_id", id).Msg("release idempotency key")
			}
		}
		return SendResult{}, appendError(err)
	}
	if userMsg.Seq == 1 && conv.Title == "" {
		s.autoTitle(ctx, userID, &conv, content)
	}

	history, err := s.history(ctx, id)
	if err != nil {
		return SendResult{}, err
	}
	profile, err := s.cfg.Store.GetProfile(ctx, userID)
	if err != nil {
		return SendResult{}, notFound(err, "user not found")
	}

	reply, err := s.cfg.Gateway.Complete(ctx, llm.Call{
		Route: router.Input{
			UserID:       userID,
			Profile:      profile,
			Conversation: &conv,
			Override:     override,
		},
		History:     history,
		Temperature: profile.Temperature,
		MaxTokens:   maxTokens(profile),
	})
	if err != nil {
		s.cfg.Logger.Warn().Err(err).Int64("user_id", userID).Str("conversation_id", id).Msg("chat turn failed")
		return SendResult{}, err
	}

	text := strings.TrimSpace(reply.Text)
	tokens := reply.TotalTokens
	replyMsg, err := s.cfg.Store.AppendMessage(ctx, userID, storage.Message{
		ID:             s.newID(),
		ConversationID: id,
		Role:           string(providers.RoleAssistant),
		Content:        text,
		TokenCount:     &tokens,
	}, storage.AppendOptions{
		Provider: string(reply.Provider),
		Model:    reply.Model,
		Tokens:   int64(tokens),
	})
	if err != nil {
		return SendResult{}, appendError(err)
	}

	res := SendResult{
		UserMessage: userMsg,
		Reply:       replyMsg,
		Provider:    reply.Provider,
		Model:       reply.Model,
		TokensUsed:  tokens,
	}
	if p, err := s.cfg.Store.GetProfile(ctx, userID); err == nil {
		res.TotalTokensUsed = p.TotalTokensUsed
	} else {
		s.cfg.Logger.Warn().Err(err).Int64("user_id", userID).Msg("reload profile after turn")
	}
	res.ProcessingTimeMS = time.Since(started).Milliseconds()
	s.cfg.Logger.Debug().
		Int64("user_id", userID).
		Str("conversation_id", id).
		Str("provider", string(reply.Provider)).
		Str("model", reply.Model).
		Int("tokens", tokens).
		Int64("processing_time_ms", res.ProcessingTimeMS).
		Msg("chat turn stored")
	return res, nil
}

// history returns every stored message in seq order, led by the system prompt.
func (s *Service) history(ctx context.Context, id string) ([]providers.Message, error) {
	msgs, err := s.cfg.Store.ListMessages(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	out := make([]providers.Message, 0, len(msgs)+1)
	if p := strings.TrimSpace(s.cfg.SystemPrompt); p != "" {
		out = append(out, providers.Message{Role: providers.RoleSystem, Content: p})
	}
	for _, m := range msgs {
		out = append(out, providers.Message{Role: providers.Role(m.Role), Content: m.Content})
	}
	return out, nil
}

// autoTitle names an untitled conversation after its first message.
func (s *Service) autoTitle(ctx context.Context, userID int64, conv *storage.Conversation, content string) {
	title := strings.Join(strings.Fields(content), " ")
	if r := []rune(title); len(r) > autoTitleRunes {
		title = strings.TrimSpace(string(r[:autoTitleRunes])) + "..."
	}
	if err := s.cfg.Store.UpdateTitle(ctx, userID, conv.ID, title); err != nil {
		s.cfg.Logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("auto title")
		return
	}
	conv.Title = title
}

func maxTokens(p storage.Profile) int {
	if p.MaxTokens == nil {
		return 0
	}
	return *p.MaxTokens
}

func appendError(err error) error {
	switch {
	case errors.Is(err, storage.ErrConversationEnded):
		return apperr.New(apperr.ConversationNotActive, "conversation has ended")
	case errors.Is(err, storage.ErrNotFound):
		return apperr.New(apperr.NotFound, "conversation not found")
	default:
		return err
	}
}
