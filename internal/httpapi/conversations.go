package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"convoai/internal/apperr"
	"convoai/internal/conversation"
	"convoai/internal/intelligence"
	"convoai/internal/providers"
)

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := decode(w, r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.cfg.Conversations.Create(r.Context(), userID(r), req.Title)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewConversation(c))
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := conversation.ListOptions{
		Status: strings.ToLower(strings.TrimSpace(q.Get("status"))),
		Search: q.Get("search"),
	}
	var err error
	if opts.Page, err = intParam(q.Get("page")); err != nil {
		s.writeError(w, r, err)
		return
	}
	if opts.PageSize, err = intParam(q.Get("page_size")); err != nil {
		s.writeError(w, r, err)
		return
	}
	if opts.DateFrom, err = dateParam(q.Get("date_from"), false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if opts.DateTo, err = dateParam(q.Get("date_to"), true); err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.cfg.Conversations.List(r.Context(), userID(r), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": viewConversations(page.Conversations),
		"total":         page.Total,
		"page":          page.Page,
		"page_size":     page.PageSize,
	})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	d, err := s.cfg.Conversations.Get(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": viewConversation(d.Conversation),
		"messages":     viewMessages(d.Messages),
	})
}

func (s *Server) updateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := decode(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.cfg.Conversations.UpdateTitle(r.Context(), userID(r), r.PathValue("id"), req.Title)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewConversation(c))
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Conversations.Delete(r.Context(), userID(r), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendResponse struct {
	UserMessage      messageView    `json:"user_message"`
	Reply            messageView    `json:"reply"`
	Provider         providers.Kind `json:"provider"`
	Model            string         `json:"model"`
	TokensUsed       int            `json:"tokens_used"`
	ProcessingTimeMS int64          `json:"processing_time_ms"`
	TotalTokensUsed  int64          `json:"total_tokens_used"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content        string `json:"content"`
		Message        string `json:"message"`
		Provider       string `json:"provider"`
		Model          string `json:"model"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := decode(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Content == "" {
		req.Content = req.Message
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	res, err := s.cfg.Conversations.SendMessage(r.Context(), userID(r), r.PathValue("id"), conversation.SendInput{
		Content:        req.Content,
		IdempotencyKey: req.IdempotencyKey,
		Provider:       req.Provider,
		Model:          req.Model,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{
		UserMessage:      viewMessage(res.UserMessage),
		Reply:            viewMessage(res.Reply),
		Provider:         res.Provider,
		Model:            res.Model,
		TokensUsed:       res.TokensUsed,
		ProcessingTimeMS: res.ProcessingTimeMS,
		TotalTokensUsed:  res.TotalTokensUsed,
	})
}

func (s *Server) endConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GenerateSummary *bool `json:"generate_summary"`
		depthRequest
	}
	if err := decode(w, r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	depth, err := req.depth()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opts := conversation.EndOptions{Summarize: true, Depth: depth}
	if req.GenerateSummary != nil {
		opts.Summarize = *req.GenerateSummary
	}
	res, err := s.cfg.Conversations.End(r.Context(), userID(r), r.PathValue("id"), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation":  viewConversation(res.Conversation),
		"analysis":      res.Analysis,
		"already_ended": res.AlreadyEnded,
	})
}

func (s *Server) summarize(w http.ResponseWriter, r *http.Request) {
	var req depthRequest
	if err := decode(w, r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	depth, err := req.depth()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	a, err := s.cfg.Conversations.GenerateSummary(r.Context(), userID(r), id, depth)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysisView{ConversationID: id, Analysis: a})
}

// depthRequest accepts analysis_depth, and depth as an older alias. Neither
// set means the user's default.
type depthRequest struct {
	AnalysisDepth string `json:"analysis_depth"`
	Depth         string `json:"depth"`
}

func (d depthRequest) depth() (intelligence.Depth, error) {
	raw := d.AnalysisDepth
	if strings.TrimSpace(raw) == "" {
		raw = d.Depth
	}
	v, err := intelligence.ParseDepth(raw)
	if err != nil {
		return "", apperr.Wrap(apperr.ValidationError, "analysis_depth must be basic, detailed or comprehensive", err)
	}
	return v, nil
}

func intParam(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Newf(apperr.ValidationError, "%q is not a valid number", raw)
	}
	return n, nil
}

// dateParam accepts RFC 3339 or a plain date. A plain end date covers the
// whole day.
func dateParam(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, apperr.Newf(apperr.ValidationError, "%q is not a valid date", raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
