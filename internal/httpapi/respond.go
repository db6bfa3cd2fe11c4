package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"convoai/internal/apperr"
	"convoai/internal/intelligence"
	"convoai/internal/storage"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err with the status of its kind. Errors without a kind
// are logged and shown as a generic internal error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		s.cfg.Logger.Error().Err(err).Str("route", r.Pattern).Str("kind", string(kind)).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: apperr.Message(err)}})
}

// decode reads a JSON body. An empty body leaves v untouched when optional.
func decode(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Wrap(apperr.ValidationError, "request body must be valid JSON", err)
	}
	return nil
}

type conversationView struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Status          string     `json:"status"`
	Provider        string     `json:"provider,omitempty"`
	Model           string     `json:"model,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	EndedAt         *time.Time `json:"ended_at"`
	Summary         *string    `json:"summary"`
	KeyTopics       []string   `json:"key_topics"`
	Sentiment       *string    `json:"sentiment"`
	MessageCount    int        `json:"message_count"`
	DurationMinutes int        `json:"duration_minutes"`
}

func viewConversation(c storage.Conversation) conversationView {
	return conversationView{
		ID:              c.ID,
		Title:           c.Title,
		Status:          c.Status,
		Provider:        c.Provider,
		Model:           c.Model,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
		EndedAt:         c.EndedAt,
		Summary:         c.Summary,
		KeyTopics:       c.KeyTopics,
		Sentiment:       c.Sentiment,
		MessageCount:    c.MessageCount,
		DurationMinutes: c.DurationMinutes,
	}
}

func viewConversations(cs []storage.Conversation) []conversationView {
	out := make([]conversationView, 0, len(cs))
	for _, c := range cs {
		out = append(out, viewConversation(c))
	}
	return out
}

type messageView struct {
	ID         string    `json:"id"`
	Seq        int       `json:"seq"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	TokenCount *int      `json:"token_count,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func viewMessage(m storage.Message) messageView {
	return messageView{ID: m.ID, Seq: m.Seq, Role: m.Role, Content: m.Content, TokenCount: m.TokenCount, CreatedAt: m.CreatedAt}
}

func viewMessages(ms []storage.Message) []messageView {
	out := make([]messageView, 0, len(ms))
	for _, m := range ms {
		out = append(out, viewMessage(m))
	}
	return out
}

type queryView struct {
	ID               int64     `json:"id"`
	Query            string    `json:"query"`
	ResultIDs        []string  `json:"result_ids"`
	Mode             string    `json:"mode"`
	Response         string    `json:"response,omitempty"`
	Confidence       float64   `json:"confidence,omitempty"`
	ProcessingTimeMS int64     `json:"processing_time_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

func viewQueries(qs []storage.QueryLogEntry) []queryView {
	out := make([]queryView, 0, len(qs))
	for _, q := range qs {
		out = append(out, queryView{
			ID:               q.ID,
			Query:            q.Query,
			ResultIDs:        q.ResultIDs,
			Mode:             q.Mode,
			Response:         q.Response,
			Confidence:       q.Confidence,
			ProcessingTimeMS: q.ProcessingTimeMS,
			CreatedAt:        q.CreatedAt,
		})
	}
	return out
}

type analysisView struct {
	ConversationID string `json:"conversation_id"`
	intelligence.Analysis
}
