package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// CreateUser inserts the user and its profile in one transaction.
func (s *Store) CreateUser(ctx context.Context, u User, preferredProvider string) (User, error) {
	now := s.now()
	u.CreatedAt = now
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		q := s.sql.Select("1").From("users").Where(sq.Eq{"username": u.Username})
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build user exists query: %w", err)
		}
		var one int
		switch err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&one); {
		case err == nil:
			return ErrConflict
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check user exists: %w", err)
		}

		ins := s.sql.Insert("users").
			Columns("username", "email", "password_hash", "created_at").
			Values(u.Username, u.Email, u.PasswordHash, now).
			Suffix("RETURNING id")
		sqlStr, args, err = ins.ToSql()
		if err != nil {
			return fmt.Errorf("build insert user query: %w", err)
		}
		if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&u.ID); err != nil {
			return fmt.Errorf("insert user: %w", err)
		}

		_, err = execBuilt(ctx, tx, s.sql.Insert("profiles").
			Columns("user_id", "preferred_provider", "created_at", "updated_at").
			Values(u.ID, preferredProvider, now, now), "insert profile")
		return err
	})
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return s.getUser(ctx, sq.Eq{"username": username})
}

func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	return s.getUser(ctx, sq.Eq{"id": id})
}

func (s *Store) getUser(ctx context.Context, where sq.Sqlizer) (User, error) {
	q := s.sql.Select("id", "username", "email", "password_hash", "created_at").From("users").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build get user query: %w", err)
	}
	var u User
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *Store) GetProfile(ctx context.Context, userID int64) (Profile, error) {
	q := s.sql.Select(
		"user_id", "preferred_provider", "total_tokens_used", "total_conversations", "total_messages",
		"temperature", "max_tokens", "analysis_depth", "semantic_search", "created_at", "updated_at",
	).
		From("profiles").
		Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Profile{}, fmt.Errorf("build get profile query: %w", err)
	}
	var p Profile
	var temperature sql.NullFloat64
	var maxTokens sql.NullInt64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&p.UserID,
		&p.PreferredProvider,
		&p.TotalTokensUsed,
		&p.TotalConversations,
		&p.TotalMessages,
		&temperature,
		&maxTokens,
		&p.AnalysisDepth,
		&p.SemanticSearch,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	if temperature.Valid {
		p.Temperature = &temperature.Float64
	}
	if maxTokens.Valid {
		n := int(maxTokens.Int64)
		p.MaxTokens = &n
	}
	return p, nil
}

// SetAISettings replaces the user's generation and analysis defaults.
func (s *Store) SetAISettings(ctx context.Context, userID int64, a AISettings) error {
	var temperature, maxTokens any
	if a.Temperature != nil {
		temperature = *a.Temperature
	}
	if a.MaxTokens != nil {
		maxTokens = *a.MaxTokens
	}
	res, err := execBuilt(ctx, s.db, s.sql.Update("profiles").
		Set("temperature", temperature).
		Set("max_tokens", maxTokens).
		Set("analysis_depth", a.AnalysisDepth).
		Set("semantic_search", a.SemanticSearch).
		Set("updated_at", s.now()).
		Where(sq.Eq{"user_id": userID}), "set ai settings")
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	res, err := execBuilt(ctx, s.db, s.sql.Update("users").
		Set("password_hash", passwordHash).
		Where(sq.Eq{"id": userID}), "update password")
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) UpdateEmail(ctx context.Context, userID int64, email string) error {
	res, err := execBuilt(ctx, s.db, s.sql.Update("users").
		Set("email", email).
		Where(sq.Eq{"id": userID}), "update email")
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) SetPreferredProvider(ctx context.Context, userID int64, provider string) error {
	res, err := execBuilt(ctx, s.db, s.sql.Update("profiles").
		Set("preferred_provider", provider).
		Set("updated_at", s.now()).
		Where(sq.Eq{"user_id": userID}), "set preferred provider")
	if err != nil {
		return err
	}
	return requireRow(res)
}

// AddTokens increments the cumulative token counter. Negative amounts are
// rejected so the counter stays monotonic.
func (s *Store) AddTokens(ctx context.Context, userID int64, tokens int64) error {
	if tokens < 0 {
		return fmt.Errorf("negative token amount %d", tokens)
	}
	res, err := execBuilt(ctx, s.db, s.sql.Update("profiles").
		Set("total_tokens_used", sq.Expr("total_tokens_used + ?", tokens)).
		Set("updated_at", s.now()).
		Where(sq.Eq{"user_id": userID}), "add tokens")
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) ListProviderSettings(ctx context.Context, userID int64) ([]ProviderSetting, error) {
	return s.listProviderSettings(ctx, sq.Eq{"user_id": userID})
}

// ListSealedKeys returns every setting that carries a stored key.
func (s *Store) ListSealedKeys(ctx context.Context) ([]ProviderSetting, error) {
	return s.listProviderSettings(ctx, sq.NotEq{"enc_api_key": nil})
}

func (s *Store) listProviderSettings(ctx context.Context, where sq.Sqlizer) ([]ProviderSetting, error) {
	q := s.sql.Select("user_id", "provider", "enc_api_key", "preferred_model", "updated_at").
		From("provider_settings").
		Where(where).
		OrderBy("user_id ASC", "provider ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list provider settings query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list provider settings: %w", err)
	}
	defer rows.Close()

	out := make([]ProviderSetting, 0)
	for rows.Next() {
		var p ProviderSetting
		var encAPIKey, model sql.NullString
		if err := rows.Scan(&p.UserID, &p.Provider, &encAPIKey, &model, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan provider setting row: %w", err)
		}
		if encAPIKey.Valid {
			p.EncAPIKey = &encAPIKey.String
		}
		if model.Valid {
			p.PreferredModel = &model.String
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider setting rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetProviderSetting(ctx context.Context, userID int64, provider string) (ProviderSetting, error) {
	all, err := s.listProviderSettings(ctx, sq.Eq{"user_id": userID, "provider": provider})
	if err != nil {
		return ProviderSetting{}, err
	}
	if len(all) == 0 {
		return ProviderSetting{}, ErrNotFound
	}
	return all[0], nil
}

// SetProviderKey stores or clears (nil) the sealed key for a provider.
func (s *Store) SetProviderKey(ctx context.Context, userID int64, provider string, encAPIKey *string) error {
	_, err := execBuilt(ctx, s.db, s.sql.Insert("provider_settings").
		Columns("user_id", "provider", "enc_api_key", "updated_at").
		Values(userID, provider, encAPIKey, s.now()).
		Suffix("ON CONFLICT(user_id, provider) DO UPDATE SET enc_api_key=excluded.enc_api_key, updated_at=excluded.updated_at"),
		"set provider key")
	return err
}

func (s *Store) SetPreferredModel(ctx context.Context, userID int64, provider string, model *string) error {
	_, err := execBuilt(ctx, s.db, s.sql.Insert("provider_settings").
		Columns("user_id", "provider", "preferred_model", "updated_at").
		Values(userID, provider, model, s.now()).
		Suffix("ON CONFLICT(user_id, provider) DO UPDATE SET preferred_model=excluded.preferred_model, updated_at=excluded.updated_at"),
		"set preferred model")
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
