package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var conversationColumns = []string{
	"id", "user_id", "title", "status", "provider", "model", "created_at", "updated_at", "ended_at",
	"summary", "key_topics", "sentiment", "summary_embedding", "message_count", "duration_minutes",
}

// CreateConversation inserts an active conversation and bumps the owner's
// conversation counter in the same transaction.
func (s *Store) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	now := s.now()
	c.Status = StatusActive
	c.CreatedAt, c.UpdatedAt = now, now
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := execBuilt(ctx, tx, s.sql.Insert("conversations").
			Columns("id", "user_id", "title", "status", "created_at", "updated_at").
			Values(c.ID, c.UserID, c.Title, c.Status, now, now), "insert conversation"); err != nil {
			return err
		}
		res, err := execBuilt(ctx, tx, s.sql.Update("profiles").
			Set("total_conversations", sq.Expr("total_conversations + 1")).
			Set("updated_at", now).
			Where(sq.Eq{"user_id": c.UserID}), "bump conversation counter")
		if err != nil {
			return err
		}
		return requireRow(res)
	})
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, userID int64, id string) (Conversation, error) {
	q := s.sql.Select(conversationColumns...).
		From("conversations").
		Where(sq.Eq{"id": id, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build get conversation query: %w", err)
	}
	c, err := scanConversation(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns one page, newest first, and the total number of
// conversations matching the filter.
func (s *Store) ListConversations(ctx context.Context, userID int64, f ConversationFilter) ([]Conversation, int, error) {
	where := sq.And{sq.Eq{"user_id": userID}}
	if f.Status != "" {
		where = append(where, sq.Eq{"status": f.Status})
	}
	if f.Sentiment != "" {
		where = append(where, sq.Eq{"sentiment": f.Sentiment})
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		like := "%" + strings.ToLower(term) + "%"
		where = append(where, sq.Or{
			sq.Expr("LOWER(title) LIKE ?", like),
			sq.Expr("LOWER(COALESCE(summary, '')) LIKE ?", like),
		})
	}
	if f.DateFrom != nil {
		where = append(where, sq.GtOrEq{"created_at": f.DateFrom.UTC()})
	}
	if f.DateTo != nil {
		where = append(where, sq.LtOrEq{"created_at": f.DateTo.UTC()})
	}

	countSQL, countArgs, err := s.sql.Select("COUNT(*)").From("conversations").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count conversations query: %w", err)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	q := s.sql.Select(conversationColumns...).
		From("conversations").
		Where(where).
		OrderBy("created_at DESC", "id DESC")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	out, err := s.queryConversations(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ListSummarized returns the user's most recent conversations that carry a
// summary, excluding one id.
func (s *Store) ListSummarized(ctx context.Context, userID int64, excludeID string, limit int) ([]Conversation, error) {
	q := s.sql.Select(conversationColumns...).
		From("conversations").
		Where(sq.And{
			sq.Eq{"user_id": userID},
			sq.NotEq{"id": excludeID},
			sq.NotEq{"summary": nil},
		}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit))
	return s.queryConversations(ctx, q)
}

func (s *Store) queryConversations(ctx context.Context, q sq.SelectBuilder) ([]Conversation, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list conversations query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateTitle(ctx context.Context, userID int64, id, title string) error {
	res, err := execBuilt(ctx, s.db, s.sql.Update("conversations").
		Set("title", title).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": id, "user_id": userID}), "update title")
	if err != nil {
		return err
	}
	return requireRow(res)
}

// EndConversation moves an active conversation to ended and reports whether
// this call performed the transition.
func (s *Store) EndConversation(ctx context.Context, userID int64, id string) (bool, error) {
	c, err := s.GetConversation(ctx, userID, id)
	if err != nil {
		return false, err
	}
	if !c.Active() {
		return false, nil
	}
	now := s.now()
	minutes := int(now.Sub(c.CreatedAt).Minutes())
	if minutes < 0 {
		minutes = 0
	}
	res, err := execBuilt(ctx, s.db, s.sql.Update("conversations").
		Set("status", StatusEnded).
		Set("ended_at", now).
		Set("updated_at", now).
		Set("duration_minutes", minutes).
		Where(sq.Eq{"id": id, "user_id": userID, "status": StatusActive}), "end conversation")
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// SetSummary stores an analysis. The embedding is always replaced since it
// belongs to the summary text.
func (s *Store) SetSummary(ctx context.Context, userID int64, id string, sum Summary) error {
	var topics, sentiment, embedding any
	if sum.Topics != nil {
		b, err := json.Marshal(sum.Topics)
		if err != nil {
			return fmt.Errorf("marshal topics: %w", err)
		}
		topics = string(b)
	}
	if sum.Sentiment != "" {
		sentiment = sum.Sentiment
	}
	if len(sum.Embedding) > 0 {
		b, err := json.Marshal(sum.Embedding)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
		embedding = string(b)
	}
	res, err := execBuilt(ctx, s.db, s.sql.Update("conversations").
		Set("summary", sum.Text).
		Set("key_topics", sq.Expr("COALESCE(?, key_topics)", topics)).
		Set("sentiment", sq.Expr("COALESCE(?, sentiment)", sentiment)).
		Set("summary_embedding", embedding).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": id, "user_id": userID}), "set summary")
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) SetSummaryEmbedding(ctx context.Context, userID int64, id string, embedding []float64) error {
	b, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	res, err := execBuilt(ctx, s.db, s.sql.Update("conversations").
		Set("summary_embedding", string(b)).
		Where(sq.Eq{"id": id, "user_id": userID}), "set summary embedding")
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteConversation removes the conversation and its messages together.
func (s *Store) DeleteConversation(ctx context.Context, userID int64, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := execBuilt(ctx, tx, s.sql.Delete("conversations").
			Where(sq.Eq{"id": id, "user_id": userID}), "delete conversation")
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return err
		}
		_, err = execBuilt(ctx, tx, s.sql.Delete("messages").
			Where(sq.Eq{"conversation_id": id}), "delete messages")
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var endedAt sql.NullTime
	var summary, topics, sentiment, embedding sql.NullString
	if err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.Title,
		&c.Status,
		&c.Provider,
		&c.Model,
		&c.CreatedAt,
		&c.UpdatedAt,
		&endedAt,
		&summary,
		&topics,
		&sentiment,
		&embedding,
		&c.MessageCount,
		&c.DurationMinutes,
	); err != nil {
		return Conversation{}, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		c.EndedAt = &t
	}
	if summary.Valid {
		c.Summary = &summary.String
	}
	if sentiment.Valid {
		c.Sentiment = &sentiment.String
	}
	if topics.Valid {
		c.KeyTopics = []string{}
		if err := json.Unmarshal([]byte(topics.String), &c.KeyTopics); err != nil {
			return Conversation{}, fmt.Errorf("decode key topics: %w", err)
		}
	}
	if embedding.Valid {
		if err := json.Unmarshal([]byte(embedding.String), &c.SummaryEmbedding); err != nil {
			return Conversation{}, fmt.Errorf("decode summary embedding: %w", err)
		}
	}
	return c, nil
}
