package httpapi

import (
	"net/http"

	"convoai/internal/intelligence"
)

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	var q intelligence.Query
	if err := decode(w, r, &q, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.cfg.Intelligence.Search(r.Context(), userID(r), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) ask(w http.ResponseWriter, r *http.Request) {
	var q intelligence.Query
	if err := decode(w, r, &q, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	ans, err := s.cfg.Intelligence.Ask(r.Context(), userID(r), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (s *Server) searchHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.cfg.Intelligence.History(r.Context(), userID(r), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queries": viewQueries(entries)})
}
