package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

func (s *Store) GetAccountByFingerprint(ctx context.Context, fingerprint string) (Account, error) {
	return s.getAccount(ctx, sq.Eq{"fingerprint": fingerprint})
}

func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	return s.getAccount(ctx, sq.Eq{"id": id})
}

func (s *Store) getAccount(ctx context.Context, where sq.Sqlizer) (Account, error) {
	q := s.sql.Select("id", "fingerprint", "user_agent", "ip_hash", "is_anonymous", "balance", "total_requests", "created_at", "last_active").
		From("accounts").
		Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Account{}, fmt.Errorf("build account query: %w", err)
	}

	var a Account
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&a.ID,
		&a.Fingerprint,
		&a.UserAgent,
		&a.IPHash,
		&a.IsAnonymous,
		&a.Balance,
		&a.TotalRequests,
		&a.CreatedAt,
		&a.LastActive,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// CreateAccount inserts a new account carrying its initial grant and the
// matching audit row in one transaction; a committed account row can never
// exist without the grant it is owed. The fingerprint carries a unique
// constraint; when a concurrent request already created the account, created
// is false, nothing is written, and the caller should re-fetch.
func (s *Store) CreateAccount(ctx context.Context, a Account, grant int64, reason string) (Account, bool, error) {
	if a.ID == "" {
		a.ID = newID()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.LastActive.IsZero() {
		a.LastActive = now
	}
	if grant < 0 {
		grant = 0
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, false, fmt.Errorf("begin create account tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ins := s.sql.Insert("accounts").
		Columns("id", "fingerprint", "user_agent", "ip_hash", "is_anonymous", "balance", "total_requests", "created_at", "last_active").
		Values(a.ID, a.Fingerprint, a.UserAgent, a.IPHash, a.IsAnonymous, grant, 0, a.CreatedAt, a.LastActive).
		Suffix("ON CONFLICT(fingerprint) DO NOTHING")
	sqlStr, args, err := ins.ToSql()
	if err != nil {
		return Account{}, false, fmt.Errorf("build create account query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return Account{}, false, fmt.Errorf("create account: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Account{}, false, nil
	}

	if grant > 0 {
		audit := s.sql.Insert("credit_transactions").
			Columns("account_id", "amount", "reason", "message_id", "created_at").
			Values(a.ID, grant, reason, nil, now)
		sqlStr, args, err = audit.ToSql()
		if err != nil {
			return Account{}, false, fmt.Errorf("build grant audit insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return Account{}, false, fmt.Errorf("insert grant audit row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Account{}, false, fmt.Errorf("commit create account tx: %w", err)
	}
	a.Balance = grant
	a.TotalRequests = 0
	return a, true, nil
}

func (s *Store) TouchLastActive(ctx context.Context, accountID string) error {
	q := s.sql.Update("accounts").
		Set("last_active", time.Now().UTC()).
		Where(sq.Eq{"id": accountID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build touch query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("touch last active: %w", err)
	}
	return nil
}

// BalanceChange describes one atomic adjustment of an account balance.
type BalanceChange struct {
	AccountID    string
	Delta        int64
	Reason       string
	MessageID    *string
	CountRequest bool
}

// AdjustBalance applies the change and records the matching audit row in one
// transaction. The floor check is part of the UPDATE itself, so two concurrent
// debits against a balance of 1 resolve to exactly one success.
func (s *Store) AdjustBalance(ctx context.Context, change BalanceChange) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin balance tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	upd := s.sql.Update("accounts").
		Set("balance", sq.Expr("balance + ?", change.Delta)).
		Set("last_active", now).
		Where(sq.Eq{"id": change.AccountID}).
		Where(sq.Expr("balance + ? >= 0", change.Delta)).
		Suffix("RETURNING balance")
	if change.CountRequest {
		upd = upd.Set("total_requests", sq.Expr("total_requests + 1"))
	}

	sqlStr, args, err := upd.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build balance update: %w", err)
	}

	var newBalance int64
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&newBalance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, s.classifyBalanceMiss(ctx, tx, change.AccountID)
		}
		return 0, fmt.Errorf("adjust balance: %w", err)
	}

	ins := s.sql.Insert("credit_transactions").
		Columns("account_id", "amount", "reason", "message_id", "created_at").
		Values(change.AccountID, change.Delta, change.Reason, change.MessageID, now)
	sqlStr, args, err = ins.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build credit transaction insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return 0, fmt.Errorf("insert credit transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit balance tx: %w", err)
	}
	return newBalance, nil
}

func (s *Store) classifyBalanceMiss(ctx context.Context, tx *sql.Tx, accountID string) error {
	q := s.sql.Select("1").From("accounts").Where(sq.Eq{"id": accountID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build account exists query: %w", err)
	}
	var one int
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("check account exists: %w", err)
	}
	return ErrInsufficientCredits
}

// SumTransactions returns the signed sum of an account's audit records. It
// must always equal the account balance.
func (s *Store) SumTransactions(ctx context.Context, accountID string) (int64, error) {
	q := s.sql.Select("COALESCE(SUM(amount), 0)").
		From("credit_transactions").
		Where(sq.Eq{"account_id": accountID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build sum query: %w", err)
	}
	var sum int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return sum, nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID string, limit uint64) ([]CreditTransaction, error) {
	q := s.sql.Select("id", "account_id", "amount", "reason", "message_id", "created_at").
		From("credit_transactions").
		Where(sq.Eq{"account_id": accountID}).
		OrderBy("created_at ASC", "id ASC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list transactions query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]CreditTransaction, 0)
	for rows.Next() {
		var t CreditTransaction
		var msgID sql.NullString
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &t.Reason, &msgID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		if msgID.Valid {
			t.MessageID = &msgID.String
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction rows: %w", err)
	}
	return out, nil
}
