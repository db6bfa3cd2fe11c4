package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// AppendOptions controls the bookkeeping done with a message insert.
// RequireActive rejects the insert once the conversation has ended. A non-empty
// Provider records the sticky provider/model, and Tokens is added to the
// owner's usage.
type AppendOptions struct {
	RequireActive bool
	Provider      string
	Model         string
	Tokens        int64
}

// AppendMessage assigns the next seq and inserts the message. The
// conversation's message_count and the owner's counters change in the same
// transaction.
func (s *Store) AppendMessage(ctx context.Context, userID int64, m Message, opts AppendOptions) (Message, error) {
	if opts.Tokens < 0 {
		return Message{}, fmt.Errorf("negative token amount %d", opts.Tokens)
	}
	now := s.now()
	m.CreatedAt = now
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		q := s.sql.Select("status", "message_count").
			From("conversations").
			Where(sq.Eq{"id": m.ConversationID, "user_id": userID})
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build conversation state query: %w", err)
		}
		var status string
		var count int
		if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&status, &count); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("load conversation state: %w", err)
		}
		if opts.RequireActive && status != StatusActive {
			return ErrConversationEnded
		}

		m.Seq = count + 1
		if _, err := execBuilt(ctx, tx, s.sql.Insert("messages").
			Columns("id", "conversation_id", "seq", "role", "content", "token_count", "created_at").
			Values(m.ID, m.ConversationID, m.Seq, m.Role, m.Content, m.TokenCount, now), "insert message"); err != nil {
			return err
		}

		upd := s.sql.Update("conversations").
			Set("message_count", sq.Expr("message_count + 1")).
			Set("updated_at", now).
			Where(sq.Eq{"id": m.ConversationID})
		if opts.Provider != "" {
			upd = upd.Set("provider", opts.Provider).Set("model", opts.Model)
		}
		if _, err := execBuilt(ctx, tx, upd, "bump message count"); err != nil {
			return err
		}

		_, err = execBuilt(ctx, tx, s.sql.Update("profiles").
			Set("total_messages", sq.Expr("total_messages + 1")).
			Set("total_tokens_used", sq.Expr("total_tokens_used + ?", opts.Tokens)).
			Set("updated_at", now).
			Where(sq.Eq{"user_id": userID}), "bump profile counters")
		return err
	})
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// ListMessages returns the conversation's messages in seq order. A positive
// limit keeps only the most recent ones.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	q := s.sql.Select("id", "conversation_id", "seq", "role", "content", "token_count", "created_at").
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID})
	if limit > 0 {
		q = q.OrderBy("seq DESC").Limit(uint64(limit))
	} else {
		q = q.OrderBy("seq ASC")
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		var tokens sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &tokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if tokens.Valid {
			n := int(tokens.Int64)
			m.TokenCount = &n
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	sqlStr, args, err := s.sql.Select("COUNT(*)").From("messages").Where(sq.Eq{"conversation_id": conversationID}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count messages query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
