package account

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"convoai/internal/apperr"
	"convoai/internal/crypto"
	"convoai/internal/intelligence"
	"convoai/internal/providers"
	"convoai/internal/storage"
)

const (
	minPasswordLen = 8
	maxTemperature = 2.0
	maxReplyTokens = 8192
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

type Store interface {
	CreateUser(ctx context.Context, u storage.User, preferredProvider string) (storage.User, error)
	GetUserByUsername(ctx context.Context, username string) (storage.User, error)
	GetUser(ctx context.Context, id int64) (storage.User, error)
	GetProfile(ctx context.Context, userID int64) (storage.Profile, error)
	SetPreferredProvider(ctx context.Context, userID int64, provider string) error
	SetAISettings(ctx context.Context, userID int64, a storage.AISettings) error
	UpdatePassword(ctx context.Context, userID int64, passwordHash string) error
	UpdateEmail(ctx context.Context, userID int64, email string) error
	ListProviderSettings(ctx context.Context, userID int64) ([]storage.ProviderSetting, error)
	SetProviderKey(ctx context.Context, userID int64, provider string, encAPIKey *string) error
	SetPreferredModel(ctx context.Context, userID int64, provider string, model *string) error
	ListSealedKeys(ctx context.Context) ([]storage.ProviderSetting, error)
}

type Config struct {
	Store           Store
	Keyring         *crypto.Keyring
	DefaultProvider providers.Kind
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	Logger     zerolog.Logger
}

type Service struct {
	cfg Config
}

func New(cfg Config) *Service {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = providers.Gemini
	}
	return &Service{cfg: cfg}
}

type Registration struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

func (r Registration) validate() error {
	if !usernamePattern.MatchString(r.Username) {
		return apperr.New(apperr.ValidationError, "username must be 3-32 letters, digits, dots, dashes or underscores")
	}
	if r.Email != "" && !validEmail(r.Email) {
		return apperr.New(apperr.ValidationError, "email address is not valid")
	}
	return checkNewPassword(r.Password, r.PasswordConfirm)
}

func validEmail(email string) bool {
	return strings.Contains(email, "@") && !strings.ContainsAny(email, " \t\n")
}

func checkNewPassword(password, confirm string) error {
	if len(password) < minPasswordLen {
		return apperr.Newf(apperr.ValidationError, "password must be at least %d characters", minPasswordLen)
	}
	if password != confirm {
		return apperr.New(apperr.ValidationError, "passwords do not match")
	}
	return nil
}

// Register creates the user and its profile.
func (s *Service) Register(ctx context.Context, r Registration) (storage.User, error) {
	r.Username = strings.TrimSpace(r.Username)
	r.Email = strings.TrimSpace(r.Email)
	if err := r.validate(); err != nil {
		return storage.User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(r.Password), s.cfg.BcryptCost)
	if err != nil {
		return storage.User{}, fmt.Errorf("hash password: %w", err)
	}
	u, err := s.cfg.Store.CreateUser(ctx, storage.User{
		Username:     r.Username,
		Email:        r.Email,
		PasswordHash: string(hash),
	}, string(s.cfg.DefaultProvider))
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return storage.User{}, apperr.New(apperr.ValidationError, "username already exists")
		}
		return storage.User{}, err
	}
	s.cfg.Logger.Info().Int64("user_id", u.ID).Str("username", u.Username).Msg("user registered")
	return u, nil
}

// Authenticate checks the password. Unknown users and wrong passwords are
// indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, username, password string) (storage.User, error) {
	u, err := s.cfg.Store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.User{}, apperr.New(apperr.Unauthorized, "invalid credentials")
		}
		return storage.User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		s.cfg.Logger.Info().Str("username", u.Username).Msg("login failed")
		return storage.User{}, apperr.New(apperr.Unauthorized, "invalid credentials")
	}
	return u, nil
}

type PasswordChange struct {
	OldPassword        string `json:"old_password"`
	NewPassword        string `json:"new_password"`
	NewPasswordConfirm string `json:"new_password_confirm"`
}

// ChangePassword replaces the password after checking the current one. A
// wrong current password is a validation error, not an auth failure, since
// the caller is already signed in.
func (s *Service) ChangePassword(ctx context.Context, userID int64, c PasswordChange) error {
	u, err := s.cfg.Store.GetUser(ctx, userID)
	if err != nil {
		return notFound(err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(c.OldPassword)) != nil {
		return apperr.New(apperr.ValidationError, "current password is incorrect")
	}
	if err := checkNewPassword(c.NewPassword, c.NewPasswordConfirm); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(c.NewPassword), s.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.cfg.Store.UpdatePassword(ctx, userID, string(hash)); err != nil {
		return notFound(err)
	}
	s.cfg.Logger.Info().Int64("user_id", userID).Msg("password changed")
	return nil
}

// ProfileUpdate holds editable account fields. Nil fields are left alone.
type ProfileUpdate struct {
	Email *string `json:"email"`
}

func (s *Service) UpdateProfile(ctx context.Context, userID int64, u ProfileUpdate) error {
	if u.Email == nil {
		return nil
	}
	email := strings.TrimSpace(*u.Email)
	if email != "" && !validEmail(email) {
		return apperr.New(apperr.ValidationError, "email address is not valid")
	}
	if err := s.cfg.Store.UpdateEmail(ctx, userID, email); err != nil {
		return notFound(err)
	}
	return nil
}

// SetAPIKey seals and stores the user's key for provider. The key is never
// returned or logged.
func (s *Service) SetAPIKey(ctx context.Context, userID int64, provider, key string) error {
	kind, err := parseProvider(provider)
	if err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return apperr.New(apperr.ValidationError, "api key is required")
	}
	sealed, err := s.cfg.Keyring.Seal(key, crypto.APIKeyBinding(userID, string(kind)))
	if err != nil {
		return fmt.Errorf("seal api key: %w", err)
	}
	if err := s.cfg.Store.SetProviderKey(ctx, userID, string(kind), &sealed); err != nil {
		return notFound(err)
	}
	s.cfg.Logger.Info().Int64("user_id", userID).Str("provider", string(kind)).Msg("api key stored")
	return nil
}

func (s *Service) RemoveAPIKey(ctx context.Context, userID int64, provider string) error {
	kind, err := parseProvider(provider)
	if err != nil {
		return err
	}
	if err := s.cfg.Store.SetProviderKey(ctx, userID, string(kind), nil); err != nil {
		return notFound(err)
	}
	s.cfg.Logger.Info().Int64("user_id", userID).Str("provider", string(kind)).Msg("api key removed")
	return nil
}

// Preferences changes the preferred provider, per-provider models and AI
// settings. Empty fields are left alone; an empty model value clears that
// preference.
type Preferences struct {
	PreferredProvider string            `json:"preferred_provider"`
	Models            map[string]string `json:"models"`
	Temperature       *float64          `json:"temperature"`
	MaxTokens         *int              `json:"max_tokens"`
	AnalysisDepth     string            `json:"analysis_depth"`
	SemanticSearch    *bool             `json:"enable_semantic_search"`
}

func (p Preferences) validateAI() error {
	if t := p.Temperature; t != nil && (*t < 0 || *t > maxTemperature) {
		return apperr.Newf(apperr.ValidationError, "temperature must be between 0 and %g", maxTemperature)
	}
	if m := p.MaxTokens; m != nil && (*m < 1 || *m > maxReplyTokens) {
		return apperr.Newf(apperr.ValidationError, "max_tokens must be between 1 and %d", maxReplyTokens)
	}
	if _, err := intelligence.ParseDepth(p.AnalysisDepth); err != nil {
		return apperr.Wrap(apperr.ValidationError, "analysis_depth must be basic, detailed or comprehensive", err)
	}
	return nil
}

func (p Preferences) touchesAI() bool {
	return p.Temperature != nil || p.MaxTokens != nil || strings.TrimSpace(p.AnalysisDepth) != "" || p.SemanticSearch != nil
}

func (s *Service) SetPreferences(ctx context.Context, userID int64, p Preferences) error {
	var preferred providers.Kind
	if strings.TrimSpace(p.PreferredProvider) != "" {
		k, err := parseProvider(p.PreferredProvider)
		if err != nil {
			return err
		}
		preferred = k
	}
	models := make(map[providers.Kind]*string, len(p.Models))
	for name, model := range p.Models {
		k, err := parseProvider(name)
		if err != nil {
			return err
		}
		if m := strings.TrimSpace(model); m != "" {
			models[k] = &m
		} else {
			models[k] = nil
		}
	}
	if err := p.validateAI(); err != nil {
		return err
	}

	if preferred != "" {
		if err := s.cfg.Store.SetPreferredProvider(ctx, userID, string(preferred)); err != nil {
			return notFound(err)
		}
	}
	for k, m := range models {
		if err := s.cfg.Store.SetPreferredModel(ctx, userID, string(k), m); err != nil {
			return notFound(err)
		}
	}
	if p.touchesAI() {
		return s.setAISettings(ctx, userID, p)
	}
	return nil
}

// setAISettings merges the given fields into the stored settings.
func (s *Service) setAISettings(ctx context.Context, userID int64, p Preferences) error {
	cur, err := s.cfg.Store.GetProfile(ctx, userID)
	if err != nil {
		return notFound(err)
	}
	a := cur.AISettings
	if p.Temperature != nil {
		a.Temperature = p.Temperature
	}
	if p.MaxTokens != nil {
		a.MaxTokens = p.MaxTokens
	}
	if d, _ := intelligence.ParseDepth(p.AnalysisDepth); d != "" {
		a.AnalysisDepth = string(d)
	}
	if p.SemanticSearch != nil {
		a.SemanticSearch = *p.SemanticSearch
	}
	if err := s.cfg.Store.SetAISettings(ctx, userID, a); err != nil {
		return notFound(err)
	}
	return nil
}

type ProviderView struct {
	Provider       providers.Kind `json:"provider"`
	HasKey         bool           `json:"has_key"`
	PreferredModel string         `json:"preferred_model,omitempty"`
}

type Profile struct {
	UserID             int64          `json:"user_id"`
	Username           string         `json:"username"`
	Email              string         `json:"email,omitempty"`
	PreferredProvider  string         `json:"preferred_provider"`
	TotalTokensUsed    int64          `json:"total_tokens_used"`
	TotalConversations int64          `json:"total_conversations"`
	TotalMessages      int64          `json:"total_messages"`
	Temperature        *float64       `json:"temperature"`
	MaxTokens          *int           `json:"max_tokens"`
	AnalysisDepth      string         `json:"analysis_depth"`
	SemanticSearch     bool           `json:"enable_semantic_search"`
	Providers          []ProviderView `json:"providers"`
	CreatedAt          time.Time      `json:"created_at"`
}

// Profile exposes the user's settings with keys reduced to HasKey.
func (s *Service) Profile(ctx context.Context, userID int64) (Profile, error) {
	u, err := s.cfg.Store.GetUser(ctx, userID)
	if err != nil {
		return Profile{}, notFound(err)
	}
	p, err := s.cfg.Store.GetProfile(ctx, userID)
	if err != nil {
		return Profile{}, notFound(err)
	}
	settings, err := s.cfg.Store.ListProviderSettings(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	byKind := make(map[string]storage.ProviderSetting, len(settings))
	for _, st := range settings {
		byKind[st.Provider] = st
	}
	views := make([]ProviderView, 0, len(providers.All))
	for _, k := range providers.All {
		v := ProviderView{Provider: k}
		if st, ok := byKind[string(k)]; ok {
			v.HasKey = st.HasKey()
			if st.PreferredModel != nil {
				v.PreferredModel = *st.PreferredModel
			}
		}
		views = append(views, v)
	}
	return Profile{
		UserID:             u.ID,
		Username:           u.Username,
		Email:              u.Email,
		PreferredProvider:  p.PreferredProvider,
		TotalTokensUsed:    p.TotalTokensUsed,
		TotalConversations: p.TotalConversations,
		TotalMessages:      p.TotalMessages,
		Temperature:        p.Temperature,
		MaxTokens:          p.MaxTokens,
		AnalysisDepth:      p.AnalysisDepth,
		SemanticSearch:     p.SemanticSearch,
		Providers:          views,
		CreatedAt:          u.CreatedAt,
	}, nil
}

func parseProvider(name string) (providers.Kind, error) {
	k, err := providers.ParseKind(name)
	if err != nil {
		return "", apperr.Wrap(apperr.ValidationError, "provider must be one of gemini, groq, cohere", err)
	}
	return k, nil
}

func notFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.New(apperr.NotFound, "user not found")
	}
	return err
}
