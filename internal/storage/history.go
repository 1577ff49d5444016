package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const titleBudget = 40

// CreateConversation starts a new thread for the owner, titling it from the
// first user message.
func (s *Store) CreateConversation(ctx context.Context, accountID, firstMessage string) (Conversation, error) {
	now := time.Now().UTC()
	c := Conversation{
		ID:        newID(),
		AccountID: accountID,
		Title:     makeTitle(firstMessage),
		Archived:  false,
		CreatedAt: now,
		UpdatedAt: now,
	}

	q := s.sql.Insert("conversations").
		Columns("id", "account_id", "title", "archived", "created_at", "updated_at").
		Values(c.ID, c.AccountID, c.Title, c.Archived, c.CreatedAt, c.UpdatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build create conversation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	q := s.sql.Select("id", "account_id", "title", "archived", "created_at", "updated_at").
		From("conversations").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build conversation query: %w", err)
	}

	var c Conversation
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&c.ID, &c.AccountID, &c.Title, &c.Archived, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// AppendParams describes one message append. Credit cost is policy supplied by
// the caller; the token count is computed here.
type AppendParams struct {
	ConversationID string
	Role           string
	Content        string
	Model          string
	CreditCost     int64
}

// AppendMessage writes the message and bumps the conversation's updated_at as
// one transaction; a partial write of either half is not possible.
func (s *Store) AppendMessage(ctx context.Context, p AppendParams) (Message, error) {
	now := time.Now().UTC()
	m := Message{
		ID:             newID(),
		ConversationID: p.ConversationID,
		Role:           p.Role,
		Content:        p.Content,
		TokenCount:     s.estimate(p.Content),
		CreditCost:     p.CreditCost,
		Model:          p.Model,
		CreatedAt:      now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	bump := s.sql.Update("conversations").
		Set("updated_at", now).
		Where(sq.Eq{"id": p.ConversationID})
	sqlStr, args, err := bump.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build conversation bump query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return Message{}, fmt.Errorf("bump conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Message{}, ErrNotFound
	}

	ins := s.sql.Insert("messages").
		Columns("id", "conversation_id", "role", "content", "token_count", "credit_cost", "model", "created_at").
		Values(m.ID, m.ConversationID, m.Role, m.Content, m.TokenCount, m.CreditCost, m.Model, m.CreatedAt).
		Suffix("RETURNING seq")
	sqlStr, args, err = ins.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build message insert: %w", err)
	}
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&m.Seq); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit append tx: %w", err)
	}
	return m, nil
}

// ListMessages returns a conversation's messages oldest first, timestamp
// order with insertion order breaking ties.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit uint64) ([]Message, error) {
	q := s.sql.Select("seq", "id", "conversation_id", "role", "content", "token_count", "credit_cost", "model", "created_at").
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("created_at ASC", "seq ASC").
		Limit(limit)
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
		if err := rows.Scan(&m.Seq, &m.ID, &m.ConversationID, &m.Role, &m.Content, &m.TokenCount, &m.CreditCost, &m.Model, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

// ListConversationsForOwner returns the owner's conversations, most recently
// updated first.
func (s *Store) ListConversationsForOwner(ctx context.Context, accountID string, limit uint64) ([]Conversation, error) {
	q := s.sql.Select("id", "account_id", "title", "archived", "created_at", "updated_at").
		From("conversations").
		Where(sq.Eq{"account_id": accountID}).
		OrderBy("updated_at DESC").
		Limit(limit)
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
		var c Conversation
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Title, &c.Archived, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

// makeTitle trims the first message to the title budget, dropping line breaks
// and marking truncation with an ellipsis.
func makeTitle(message string) string {
	flat := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(message)
	runes := []rune(flat)
	if len(runes) > titleBudget {
		runes = runes[:titleBudget]
	}
	truncated := strings.TrimSpace(string(runes))
	if len([]rune(truncated)) == titleBudget {
		return truncated + "..."
	}
	return truncated
}
