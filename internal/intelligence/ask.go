package intelligence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"convoai/internal/llm"
	"convoai/internal/providers"
	"convoai/internal/router"
	"convoai/internal/storage"
)

const (
	askTopK = 5

	noConversationsAnswer = "No past conversations found."
	noMatchAnswer         = "No relevant conversations found for your query."

	historianPrompt = "You are a helpful assistant that answers questions about past conversations accurately."
)

// Phrases a model uses when the context did not contain the answer.
var unansweredMarkers = []string{"cannot be answered", "not available", "no information"}

// Answer is a natural-language reply to a question about past conversations.
// Confidence is the score of the best matching conversation.
type Answer struct {
	Answer           string         `json:"answer"`
	Related          []Hit          `json:"related_conversations"`
	Confidence       float64        `json:"confidence"`
	Mode             string         `json:"mode"`
	Provider         providers.Kind `json:"provider,omitempty"`
	Model            string         `json:"model,omitempty"`
	TokensUsed       int            `json:"tokens_used"`
	ProcessingTimeMS int64          `json:"processing_time_ms"`
}

// Ask answers a question from the user's most relevant conversations. When
// nothing matches it answers without calling a provider.
func (s *Service) Ask(ctx context.Context, userID int64, q Query) (Answer, error) {
	started := time.Now()
	q, err := normalize(q)
	if err != nil {
		return Answer{}, err
	}
	limit := askTopK
	if q.MaxResults > 0 {
		limit = min(q.MaxResults, askTopK)
	}
	r, err := s.rank(ctx, userID, q, limit)
	if err != nil {
		return Answer{}, err
	}

	ans := Answer{Related: r.hits, Mode: r.mode}
	switch {
	case r.candidates == 0:
		ans.Answer = noConversationsAnswer
	case len(r.hits) == 0:
		ans.Answer = noMatchAnswer
	default:
		ans.Confidence = r.hits[0].Score
		related, err := s.answerContext(ctx, r.hits)
		if err != nil {
			return Answer{}, err
		}
		reply, err := s.cfg.Gateway.Complete(ctx, llm.Call{
			Route: router.Input{UserID: userID, Profile: r.profile},
			History: []providers.Message{
				{Role: providers.RoleSystem, Content: historianPrompt},
				{Role: providers.RoleUser, Content: askPrompt(q.Text, related)},
			},
			Temperature: r.profile.Temperature,
		})
		if err != nil {
			return Answer{}, err
		}
		if s.cfg.Usage != nil {
			if err := s.cfg.Usage.Record(ctx, userID, int64(reply.TotalTokens)); err != nil {
				s.cfg.Logger.Error().Err(err).Int64("user_id", userID).Msg("record answer usage")
			}
		}
		ans.Answer = answerText(q.Text, reply.Text)
		ans.Provider = reply.Provider
		ans.Model = reply.Model
		ans.TokensUsed = reply.TotalTokens
	}

	ans.ProcessingTimeMS = time.Since(started).Milliseconds()
	s.logQuery(ctx, storage.QueryLogEntry{
		UserID:           userID,
		Query:            q.Text,
		ResultIDs:        hitIDs(ans.Related),
		Mode:             ans.Mode,
		Response:         ans.Answer,
		Confidence:       ans.Confidence,
		ProcessingTimeMS: ans.ProcessingTimeMS,
	})
	return ans, nil
}

// answerContext describes each conversation by its summary, or by its first
// few messages when it has none.
func (s *Service) answerContext(ctx context.Context, hits []Hit) (string, error) {
	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Conversation %s (created: %s):\n", h.ConversationID, h.CreatedAt.UTC().Format(time.DateOnly))
		if h.Summary != "" {
			b.WriteString("Summary: " + h.Summary)
			continue
		}
		msgs, err := s.cfg.Store.ListMessages(ctx, h.ConversationID, 0)
		if err != nil {
			return "", err
		}
		lines := make([]string, 0, 5)
		for j, m := range msgs {
			if j == 5 {
				break
			}
			cut, _ := truncateRunes(m.Content, 200)
			lines = append(lines, m.Role+": "+cut)
		}
		b.WriteString(strings.Join(lines, "\n"))
	}
	return b.String(), nil
}

func askPrompt(query, related string) string {
	return fmt.Sprintf("Based on the following past conversations, answer this query:\n\nQuery: %s\n\n"+
		"Relevant Conversations:\n%s\n\nProvide a helpful, specific answer based on the conversation history. "+
		"If the query cannot be answered from the given conversations, clearly state that the information "+
		"is not available in the conversation history.", query, related)
}

// answerText replaces a model's generic refusal with a reply naming the query.
func answerText(query, text string) string {
	text = strings.TrimSpace(text)
	lower := strings.ToLower(text)
	for _, m := range unansweredMarkers {
		if strings.Contains(lower, m) {
			return fmt.Sprintf("I couldn't find specific information about '%s' in your past conversations. "+
				"The conversations I found don't contain relevant details about this topic.", query)
		}
	}
	return text
}
