package intelligence

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"convoai/internal/llm"
	"convoai/internal/metrics"
	"convoai/internal/storage"
)

type Depth string

const (
	DepthBasic         Depth = "basic"
	DepthDetailed      Depth = "detailed"
	DepthComprehensive Depth = "comprehensive"
)

// ParseDepth accepts an empty value, which means the user's default depth.
func ParseDepth(s string) (Depth, error) {
	switch d := Depth(strings.ToLower(strings.TrimSpace(s))); d {
	case "", DepthBasic, DepthDetailed, DepthComprehensive:
		return d, nil
	default:
		return "", fmt.Errorf("unknown analysis depth %q", s)
	}
}

const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
	SentimentMixed    = "mixed"
)

func ValidSentiment(s string) bool {
	switch s {
	case SentimentPositive, SentimentNegative, SentimentNeutral, SentimentMixed:
		return true
	}
	return false
}

// Analysis is the outcome of summarizing a conversation. KeyTopics is nil and
// Sentiment empty for basic summaries.
type Analysis struct {
	Summary   string   `json:"summary"`
	KeyTopics []string `json:"key_topics"`
	Sentiment string   `json:"sentiment,omitempty"`
	KeyPoints []string `json:"key_points,omitempty"`
}

// resolveDepth picks the profile default for an empty depth.
func resolveDepth(d Depth, p storage.Profile) Depth {
	if d != "" {
		return d
	}
	if pd, err := ParseDepth(p.AnalysisDepth); err == nil && pd != "" {
		return pd
	}
	return DepthDetailed
}

type Store interface {
	GetConversation(ctx context.Context, userID int64, id string) (storage.Conversation, error)
	ListConversations(ctx context.Context, userID int64, f storage.ConversationFilter) ([]storage.Conversation, int, error)
	ListSummarized(ctx context.Context, userID int64, excludeID string, limit int) ([]storage.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]storage.Message, error)
	GetProfile(ctx context.Context, userID int64) (storage.Profile, error)
	SetSummary(ctx context.Context, userID int64, id string, sum storage.Summary) error
	SetSummaryEmbedding(ctx context.Context, userID int64, id string, embedding []float64) error
	LogQuery(ctx context.Context, e storage.QueryLogEntry) error
	ListQueries(ctx context.Context, userID int64, limit int) ([]storage.QueryLogEntry, error)
}

type Gateway interface {
	Complete(ctx context.Context, call llm.Call) (llm.Reply, error)
	Embed(ctx context.Context, userID int64, text string) ([]float64, error)
}

type UsageRecorder interface {
	Record(ctx context.Context, userID int64, tokens int64) error
}

type Config struct {
	Store         Store
	Gateway       Gateway
	Usage         UsageRecorder
	Cache         *EmbeddingCache
	BasicWindow   int
	Embeddings    bool
	Required      bool
	MinSimilarity float64
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

type Service struct {
	cfg Config
}

func New(cfg Config) *Service {
	if cfg.BasicWindow <= 0 {
		cfg.BasicWindow = 10
	}
	return &Service{cfg: cfg}
}
