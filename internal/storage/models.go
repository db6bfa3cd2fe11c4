package storage

import "time"

const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type Profile struct {
	UserID             int64
	PreferredProvider  string
	TotalTokensUsed    int64
	TotalConversations int64
	TotalMessages      int64
	AISettings
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AISettings are a user's generation and analysis defaults. Nil Temperature
// and MaxTokens fall back to the service configuration.
type AISettings struct {
	Temperature    *float64
	MaxTokens      *int
	AnalysisDepth  string
	SemanticSearch bool
}

// ProviderSetting is the per-provider part of a profile. EncAPIKey holds a
// sealed envelope and must never leave the process in clear or sealed form.
type ProviderSetting struct {
	UserID         int64
	Provider       string
	EncAPIKey      *string
	PreferredModel *string
	UpdatedAt      time.Time
}

func (p ProviderSetting) HasKey() bool {
	return p.EncAPIKey != nil && *p.EncAPIKey != ""
}

type Conversation struct {
	ID               string
	UserID           int64
	Title            string
	Status           string
	Provider         string
	Model            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	EndedAt          *time.Time
	Summary          *string
	KeyTopics        []string
	Sentiment        *string
	SummaryEmbedding []float64
	MessageCount     int
	DurationMinutes  int
}

func (c Conversation) Active() bool { return c.Status == StatusActive }

type Message struct {
	ID             string
	ConversationID string
	Seq            int
	Role           string
	Content        string
	TokenCount     *int
	CreatedAt      time.Time
}

// Summary is the analysis attached to a conversation. Nil Topics and empty
// Sentiment keep whatever the conversation already has.
type Summary struct {
	Text      string
	Topics    []string
	Sentiment string
	Embedding []float64
}

type ConversationFilter struct {
	Status    string
	Sentiment string
	Search    string
	DateFrom  *time.Time
	DateTo    *time.Time
	Limit     int
	Offset    int
}

type QueryLogEntry struct {
	ID        int64
	UserID    int64
	Query     string
	ResultIDs []string
	Mode      string
	// Response and Confidence are set for answered questions only.
	Response         string
	Confidence       float64
	ProcessingTimeMS int64
	CreatedAt        time.Time
}
