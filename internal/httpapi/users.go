package httpapi

import (
	"net/http"
	"time"

	"convoai/internal/account"
	"convoai/internal/providers"
	"convoai/internal/storage"
)

type userView struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      userView  `json:"user"`
}

func (s *Server) issue(w http.ResponseWriter, r *http.Request, status int, u storage.User) {
	token, exp, err := s.cfg.Tokens.Issue(u.ID, u.Username)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, tokenResponse{
		Token:     token,
		ExpiresAt: exp,
		User:      userView{ID: u.ID, Username: u.Username, Email: u.Email, CreatedAt: u.CreatedAt},
	})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req account.Registration
	if err := decode(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.cfg.Accounts.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.issue(w, r, http.StatusCreated, u)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.cfg.Accounts.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.issue(w, r, http.StatusOK, u)
}

func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	p, err := s.cfg.Accounts.Profile(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) usage(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.Usage.Snapshot(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) setKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := decode(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Accounts.SetAPIKey(r.Context(), userID(r), r.PathValue("provider"), req.APIKey); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) removeKey(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Accounts.RemoveAPIKey(r.Context(), userID(r), r.PathValue("provider")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var req account.ProfileUpdate
	if err := decode(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	uid := userID(r)
	if err := s.cfg.Accounts.UpdateProfile(r.Context(), uid, req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.cfg.Accounts.Profile(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) changePassword(w http.ResponseWriter, r *http.Request) {
	var req account.PasswordChange
	if err := decode(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Accounts.ChangePassword(r.Context(), userID(r), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setPreferences(w http.ResponseWriter, r *http.Request) {
	var req account.Preferences
	if err := decode(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	uid := userID(r)
	if err := s.cfg.Accounts.SetPreferences(r.Context(), uid, req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.cfg.Accounts.Profile(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type providerView struct {
	Provider     providers.Kind `json:"provider"`
	DefaultModel string         `json:"default_model"`
	Available    bool           `json:"available"`
	Embeddings   bool           `json:"embeddings"`
}

// providers lists the supported providers and whether the caller can use each.
func (s *Server) providers(w http.ResponseWriter, r *http.Request) {
	avail, err := s.cfg.Availability.Available(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_, embedKind := s.cfg.Catalog.Embedder()
	out := make([]providerView, 0, len(providers.All))
	for _, k := range s.cfg.Catalog.Kinds() {
		a, err := s.cfg.Catalog.Get(k)
		if err != nil {
			continue
		}
		out = append(out, providerView{Provider: k, DefaultModel: a.DefaultModel(), Available: avail[k], Embeddings: k == embedKind})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"default":   s.cfg.DefaultProvider,
		"providers": out,
	})
}
