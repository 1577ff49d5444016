package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"chatmeter/internal/metrics"
	"chatmeter/internal/storage"
)

// Reason codes recorded on credit transactions.
const (
	ReasonInitialGrant = "initial_grant"
	ReasonMessageSent  = "message_sent"
)

// Ledger owns all balance mutation. Every adjustment goes through one atomic
// store transaction that enforces the zero floor and writes the audit record.
type Ledger struct {
	store       *storage.Store
	cost        int64
	maxRetries  int
	backoffBase time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

type Config struct {
	Store       *storage.Store
	CostPerSend int64
	MaxRetries  int
	BackoffBase time.Duration
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

func New(cfg Config) *Ledger {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.CostPerSend <= 0 {
		cfg.CostPerSend = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 50 * time.Millisecond
	}
	return &Ledger{
		store:       cfg.Store,
		cost:        cfg.CostPerSend,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		logger:      cfg.Logger,
		metrics:     m,
	}
}

// Cost is the credit price of one user message.
func (l *Ledger) Cost() int64 {
	return l.cost
}

// Charge debits one message's cost from the account. Returns
// storage.ErrInsufficientCredits when the debit would cross below zero.
func (l *Ledger) Charge(ctx context.Context, accountID string, messageID *string) (int64, error) {
	balance, err := l.adjust(ctx, storage.BalanceChange{
		AccountID:    accountID,
		Delta:        -l.cost,
		Reason:       ReasonMessageSent,
		MessageID:    messageID,
		CountRequest: true,
	})
	if err != nil {
		return 0, err
	}
	l.metrics.CreditsDebited.Add(float64(l.cost))
	return balance, nil
}

// Enroll creates the account with its initial grant as one atomic write, so
// a crash mid-enrollment can never leave a fingerprint row without the grant
// it is owed. A lost creation race reports created false and writes nothing.
func (l *Ledger) Enroll(ctx context.Context, a storage.Account, grant int64) (storage.Account, bool, error) {
	account, created, err := l.store.CreateAccount(ctx, a, grant, ReasonInitialGrant)
	if err != nil {
		return storage.Account{}, false, err
	}
	if created && grant > 0 {
		l.metrics.CreditsGranted.Add(float64(grant))
	}
	return account, created, nil
}

// Grant credits the account, recording an initial_grant transaction.
func (l *Ledger) Grant(ctx context.Context, accountID string, amount int64) (int64, error) {
	balance, err := l.adjust(ctx, storage.BalanceChange{
		AccountID: accountID,
		Delta:     amount,
		Reason:    ReasonInitialGrant,
	})
	if err != nil {
		return 0, err
	}
	l.metrics.CreditsGranted.Add(float64(amount))
	return balance, nil
}

// Balance reads the current balance without adjusting it.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	a, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

// adjust retries transient store failures with bounded backoff. Floor
// violations and missing accounts are terminal and returned as-is.
func (l *Ledger) adjust(ctx context.Context, change storage.BalanceChange) (int64, error) {
	var lastErr error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		balance, err := l.store.AdjustBalance(ctx, change)
		if err == nil {
			return balance, nil
		}
		if errors.Is(err, storage.ErrInsufficientCredits) || errors.Is(err, storage.ErrNotFound) {
			return 0, err
		}
		lastErr = err
		if attempt == l.maxRetries {
			break
		}
		l.logger.Warn().Err(err).Str("account_id", change.AccountID).Int("attempt", attempt).Msg("balance adjustment retry")
		backoff := l.backoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return 0, lastErr
}
