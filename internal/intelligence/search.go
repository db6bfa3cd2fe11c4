package intelligence

import (
	"context"
	"sort"
	"strings"
	"time"

	"convoai/internal/apperr"
	"convoai/internal/storage"
)

const (
	ModeSemantic = "semantic"
	ModeKeyword  = "keyword"

	defaultMaxResults = 10
	maxMaxResults     = 50
)

type Query struct {
	Text       string     `json:"query"`
	DateFrom   *time.Time `json:"date_from,omitempty"`
	DateTo     *time.Time `json:"date_to,omitempty"`
	Topics     []string   `json:"topics,omitempty"`
	Sentiment  string     `json:"sentiment,omitempty"`
	MaxResults int        `json:"max_results,omitempty"`
}

type Hit struct {
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	Summary        string    `json:"summary,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Score          float64   `json:"score"`
	Snippet        string    `json:"snippet"`
}

type SearchResult struct {
	Mode             string `json:"mode"`
	Hits             []Hit  `json:"results"`
	ProcessingTimeMS int64  `json:"processing_time_ms"`
}

type candidate struct {
	conv storage.Conversation
	text string
}

// Search filters the user's conversations by date, topics and sentiment, then
// ranks the rest by embedding similarity, or by keyword overlap when
// embeddings are off or unavailable. An empty result is not an error.
func (s *Service) Search(ctx context.Context, userID int64, q Query) (SearchResult, error) {
	started := time.Now()
	q, err := normalize(q)
	if err != nil {
		return SearchResult{}, err
	}
	limit := q.MaxResults
	if limit <= 0 {
		limit = defaultMaxResults
	}
	r, err := s.rank(ctx, userID, q, min(limit, maxMaxResults))
	if err != nil {
		return SearchResult{}, err
	}

	res := SearchResult{Mode: r.mode, Hits: r.hits, ProcessingTimeMS: time.Since(started).Milliseconds()}
	s.logQuery(ctx, storage.QueryLogEntry{
		UserID:           userID,
		Query:            q.Text,
		ResultIDs:        hitIDs(r.hits),
		Mode:             r.mode,
		ProcessingTimeMS: res.ProcessingTimeMS,
	})
	return res, nil
}

func normalize(q Query) (Query, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return q, apperr.New(apperr.ValidationError, "search query is required")
	}
	if q.Sentiment != "" {
		q.Sentiment = strings.ToLower(strings.TrimSpace(q.Sentiment))
		if !ValidSentiment(q.Sentiment) {
			return q, apperr.New(apperr.ValidationError, "sentiment must be positive, negative, neutral or mixed")
		}
	}
	if q.DateFrom != nil && q.DateTo != nil && q.DateTo.Before(*q.DateFrom) {
		return q, apperr.New(apperr.ValidationError, "date_to is before date_from")
	}
	return q, nil
}

type ranking struct {
	mode       string
	hits       []Hit
	candidates int
	profile    storage.Profile
}

// rank returns at most limit hits, best first. Semantic ranking also needs
// the user to have semantic search enabled.
func (s *Service) rank(ctx context.Context, userID int64, q Query, limit int) (ranking, error) {
	profile, err := s.cfg.Store.GetProfile(ctx, userID)
	if err != nil {
		return ranking{}, err
	}
	convs, _, err := s.cfg.Store.ListConversations(ctx, userID, storage.ConversationFilter{
		Sentiment: q.Sentiment,
		DateFrom:  q.DateFrom,
		DateTo:    q.DateTo,
	})
	if err != nil {
		return ranking{}, err
	}
	candidates := make([]candidate, 0, len(convs))
	for _, c := range convs {
		if !hasTopics(c, q.Topics) {
			continue
		}
		text, err := s.documentText(ctx, c)
		if err != nil {
			return ranking{}, err
		}
		candidates = append(candidates, candidate{conv: c, text: text})
	}

	mode := ModeKeyword
	var hits []Hit
	if s.cfg.Embeddings && profile.SemanticSearch && len(candidates) > 0 {
		hits, err = s.rankSemantic(ctx, userID, q.Text, candidates)
		switch {
		case err == nil:
			mode = ModeSemantic
		case s.cfg.Required:
			return ranking{}, apperr.Wrap(apperr.EmbeddingUnavailable, "semantic search is unavailable right now", err)
		default:
			s.cfg.Logger.Warn().Err(err).Int64("user_id", userID).Msg("semantic search failed, using keyword ranking")
		}
	}
	if mode == ModeKeyword {
		hits = rankKeyword(q.Text, candidates)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.After(hits[j].CreatedAt)
		}
		return hits[i].ConversationID > hits[j].ConversationID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	if hits == nil {
		hits = []Hit{}
	}
	return ranking{mode: mode, hits: hits, candidates: len(candidates), profile: profile}, nil
}

func (s *Service) logQuery(ctx context.Context, e storage.QueryLogEntry) {
	if err := s.cfg.Store.LogQuery(ctx, e); err != nil {
		s.cfg.Logger.Error().Err(err).Int64("user_id", e.UserID).Msg("write query log")
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Searches.WithLabelValues(e.Mode).Inc()
	}
}

func hitIDs(hits []Hit) []string {
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ConversationID)
	}
	return ids
}

// History returns the user's recent searches, newest first.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]storage.QueryLogEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.cfg.Store.ListQueries(ctx, userID, limit)
}

func hasTopics(c storage.Conversation, want []string) bool {
	for _, w := range want {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		found := false
		for _, t := range c.KeyTopics {
			if strings.Contains(strings.ToLower(t), w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// documentText is what a conversation is ranked on: title, summary, topics and
// its first few messages.
func (s *Service) documentText(ctx context.Context, c storage.Conversation) (string, error) {
	parts := []string{c.Title}
	if c.Summary != nil {
		parts = append(parts, *c.Summary)
	}
	parts = append(parts, strings.Join(c.KeyTopics, " "))
	if c.MessageCount > 0 {
		msgs, err := s.cfg.Store.ListMessages(ctx, c.ID, 0)
		if err != nil {
			return "", err
		}
		for i, m := range msgs {
			if i == 5 {
				break
			}
			parts = append(parts, m.Content)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n")), nil
}

func (s *Service) rankSemantic(ctx context.Context, userID int64, query string, candidates []candidate) ([]Hit, error) {
	qv, err := s.embed(ctx, userID, query)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		v := c.conv.SummaryEmbedding
		if len(v) == 0 {
			if strings.TrimSpace(c.text) == "" {
				continue
			}
			embedText := c.text
			if c.conv.Summary != nil {
				embedText = *c.conv.Summary
			}
			v, err = s.embed(ctx, userID, embedText)
			if err != nil {
				return nil, err
			}
			if c.conv.Summary != nil {
				if err := s.cfg.Store.SetSummaryEmbedding(ctx, userID, c.conv.ID, v); err != nil {
					s.cfg.Logger.Warn().Err(err).Str("conversation_id", c.conv.ID).Msg("store summary embedding")
				}
			}
		}
		score := cosine(qv, v)
		if score < s.cfg.MinSimilarity {
			continue
		}
		hits = append(hits, newHit(c, score, semanticSnippet(c)))
	}
	return hits, nil
}

func rankKeyword(query string, candidates []candidate) []Hit {
	terms := queryTerms(query)
	hits := make([]Hit, 0, len(candidates))
	if len(terms) == 0 {
		return hits
	}
	for _, c := range candidates {
		lower := strings.ToLower(c.text)
		matched, first := 0, -1
		for _, t := range terms {
			if i := strings.Index(lower, t); i >= 0 {
				matched++
				if first < 0 || i < first {
					first = i
				}
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, newHit(c, float64(matched)/float64(len(terms)), snippetAround(c.text, first)))
	}
	return hits
}

func queryTerms(query string) []string {
	seen := map[string]bool{}
	var all, meaningful []string
	for _, w := range words(query) {
		w = strings.Trim(w, "'-")
		if len([]rune(w)) < 2 || seen[w] {
			continue
		}
		seen[w] = true
		all = append(all, w)
		if !stopWords[w] {
			meaningful = append(meaningful, w)
		}
	}
	if len(meaningful) > 0 {
		return meaningful
	}
	return all
}

func newHit(c candidate, score float64, snippet string) Hit {
	h := Hit{
		ConversationID: c.conv.ID,
		Title:          c.conv.Title,
		CreatedAt:      c.conv.CreatedAt,
		Score:          score,
		Snippet:        snippet,
	}
	if c.conv.Summary != nil {
		h.Summary = *c.conv.Summary
	}
	return h
}

func semanticSnippet(c candidate) string {
	text := c.text
	if c.conv.Summary != nil {
		text = *c.conv.Summary
	}
	cut, more := truncateRunes(strings.TrimSpace(text), 200)
	if more {
		cut += "..."
	}
	return cut
}

// snippetAround returns about 160 characters of text around byte offset at.
func snippetAround(text string, at int) string {
	lower := strings.ToLower(text)
	if len(lower) != len(text) {
		// Case folding changed byte offsets; fall back to the start.
		at = 0
	}
	start := max(at-60, 0)
	end := min(start+160, len(text))
	for start > 0 && !utf8Start(text[start]) {
		start--
	}
	for end < len(text) && !utf8Start(text[end]) {
		end++
	}
	out := strings.Join(strings.Fields(text[start:end]), " ")
	if start > 0 {
		out = "..." + out
	}
	if end < len(text) {
		out += "..."
	}
	return out
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
