package intelligence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"convoai/internal/apperr"
	"convoai/internal/llm"
	"convoai/internal/providers"
	"convoai/internal/router"
	"convoai/internal/storage"
)

const analystPrompt = "You are an expert conversation analyzer. Provide concise, accurate analysis."

// Summarize analyses a conversation at the given depth and stores the result
// on it. An empty depth uses the user's configured default. It shares the
// chat failure taxonomy since it is a completion call.
func (s *Service) Summarize(ctx context.Context, userID int64, conversationID string, depth Depth) (Analysis, error) {
	conv, err := s.cfg.Store.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return Analysis{}, notFound(err)
	}
	profile, err := s.cfg.Store.GetProfile(ctx, userID)
	if err != nil {
		return Analysis{}, notFound(err)
	}
	depth = resolveDepth(depth, profile)
	limit := 0
	if depth == DepthBasic {
		limit = s.cfg.BasicWindow
	}
	msgs, err := s.cfg.Store.ListMessages(ctx, conv.ID, limit)
	if err != nil {
		return Analysis{}, err
	}
	if len(msgs) == 0 {
		a := emptyAnalysis()
		return a, s.save(ctx, userID, conv.ID, a, false)
	}

	transcript := transcriptOf(msgs)
	prompt, err := s.prompt(ctx, userID, conv.ID, depth, transcript)
	if err != nil {
		return Analysis{}, err
	}
	reply, err := s.cfg.Gateway.Complete(ctx, llm.Call{
		Route: router.Input{UserID: userID, Profile: profile, Conversation: &conv},
		History: []providers.Message{
			{Role: providers.RoleSystem, Content: analystPrompt},
			{Role: providers.RoleUser, Content: prompt},
		},
		MaxTokens:   1024,
		Temperature: profile.Temperature,
	})
	if err != nil {
		return Analysis{}, err
	}
	if s.cfg.Usage != nil {
		if err := s.cfg.Usage.Record(ctx, userID, int64(reply.TotalTokens)); err != nil {
			s.cfg.Logger.Error().Err(err).Int64("user_id", userID).Msg("record summary usage")
		}
	}

	var a Analysis
	if depth == DepthBasic {
		a = Analysis{Summary: stripFences(reply.Text)}
	} else {
		a = parseAnalysis(reply.Text, transcript)
	}
	if strings.TrimSpace(a.Summary) == "" {
		a.Summary = fallbackText(msgs)
	}
	return a, s.save(ctx, userID, conv.ID, a, true)
}

// SaveFallback stores a summary built without a provider, used when
// summarizing failed after a conversation was ended.
func (s *Service) SaveFallback(ctx context.Context, userID int64, conversationID string) (Analysis, error) {
	msgs, err := s.cfg.Store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return Analysis{}, err
	}
	a := emptyAnalysis()
	if len(msgs) > 0 {
		transcript := transcriptOf(msgs)
		a = Analysis{
			Summary:   fallbackText(msgs),
			KeyTopics: deriveTopics(transcript),
			Sentiment: keywordSentiment(transcript),
		}
	}
	return a, s.save(ctx, userID, conversationID, a, false)
}

func (s *Service) save(ctx context.Context, userID int64, id string, a Analysis, embed bool) error {
	sum := storage.Summary{Text: a.Summary, Topics: a.KeyTopics, Sentiment: a.Sentiment}
	if embed && s.cfg.Embeddings {
		v, err := s.embed(ctx, userID, a.Summary)
		if err != nil {
			s.cfg.Logger.Warn().Err(err).Str("conversation_id", id).Msg("summary embedding skipped")
		} else {
			sum.Embedding = v
		}
	}
	if err := s.cfg.Store.SetSummary(ctx, userID, id, sum); err != nil {
		return notFound(err)
	}
	return nil
}

func (s *Service) prompt(ctx context.Context, userID int64, id string, depth Depth, transcript string) (string, error) {
	switch depth {
	case DepthBasic:
		return fmt.Sprintf("Provide a brief 2-3 sentence summary of this conversation:\n\n%s\n\nSummary:", transcript), nil
	case DepthComprehensive:
		prior, err := s.cfg.Store.ListSummarized(ctx, userID, id, 3)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		b.WriteString("Analyze this conversation comprehensively and provide:\n")
		b.WriteString("1. A detailed summary (3-5 sentences)\n2. Key points discussed\n3. Main topics covered\n")
		b.WriteString("4. Important decisions or action items\n5. Overall sentiment (positive, negative, neutral or mixed)\n")
		if len(prior) > 0 {
			b.WriteString("\nFor continuity, these are summaries of the user's earlier conversations:\n")
			for _, p := range prior {
				title := p.Title
				if title == "" {
					title = "untitled"
				}
				fmt.Fprintf(&b, "- %s: %s\n", title, *p.Summary)
			}
			b.WriteString("Mention connections to them when relevant.\n")
		}
		fmt.Fprintf(&b, "\nConversation:\n%s\n\n", transcript)
		b.WriteString("Provide your analysis in JSON format with keys: summary, key_points, topics, decisions, sentiment")
		return b.String(), nil
	default:
		return fmt.Sprintf("Analyze this conversation and provide:\n1. A summary (2-4 sentences)\n2. Key points discussed\n"+
			"3. Main topics covered\n4. Overall sentiment (positive, negative, neutral or mixed)\n\nConversation:\n%s\n\n"+
			"Provide your analysis in JSON format with keys: summary, key_points, topics, sentiment", transcript), nil
	}
}

func transcriptOf(msgs []storage.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, m.Role+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

func fallbackText(msgs []storage.Message) string {
	first := msgs[0].Content
	for _, m := range msgs {
		if m.Role == string(providers.RoleUser) {
			first = m.Content
			break
		}
	}
	cut, _ := truncateRunes(strings.TrimSpace(first), 200)
	return "Conversation about: " + cut + "..."
}

func emptyAnalysis() Analysis {
	return Analysis{Summary: emptySummary, KeyTopics: []string{}, Sentiment: SentimentNeutral}
}

func notFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.New(apperr.NotFound, "conversation not found")
	}
	return err
}
