package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"chatmeter/internal/ledger"
	"chatmeter/internal/metrics"
	"chatmeter/internal/storage"
)

// Metadata carries the client signals a fingerprint is derived from.
type Metadata struct {
	UserAgent      string
	AcceptLanguage string
	ClientHints    string
	ClientPlatform string
	ForwardedFor   string
}

// FromRequest extracts fingerprint signals from an HTTP request. Only the
// first forwarded-for hop is used.
func FromRequest(r *http.Request) Metadata {
	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			fwd = host
		} else {
			fwd = r.RemoteAddr
		}
	}
	return Metadata{
		UserAgent:      r.Header.Get("User-Agent"),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		ClientHints:    r.Header.Get("Sec-CH-UA"),
		ClientPlatform: r.Header.Get("Sec-CH-UA-Platform"),
		ForwardedFor:   fwd,
	}
}

// Resolution is the outcome of identity resolution for one request.
type Resolution struct {
	AccountID string
	IsNew     bool
	Balance   int64
}

// Resolver derives a stable caller identity from request metadata. The
// fingerprint strategy is the only implementation here; a stronger scheme can
// be swapped in without touching the ledger or history contracts.
type Resolver interface {
	Resolve(ctx context.Context, md Metadata) (Resolution, error)
}

type FingerprintResolver struct {
	store   *storage.Store
	ledger  *ledger.Ledger
	secret  []byte
	grant   int64
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Config struct {
	Store        *storage.Store
	Ledger       *ledger.Ledger
	Secret       []byte
	InitialGrant int64
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

func NewFingerprintResolver(cfg Config) *FingerprintResolver {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.InitialGrant < 0 {
		cfg.InitialGrant = 0
	}
	return &FingerprintResolver{
		store:   cfg.Store,
		ledger:  cfg.Ledger,
		secret:  cfg.Secret,
		grant:   cfg.InitialGrant,
		logger:  cfg.Logger,
		metrics: m,
	}
}

var _ Resolver = (*FingerprintResolver)(nil)

// Resolve looks up the account for the request's fingerprint, creating it
// with the initial grant on first sight. A store failure is a hard failure;
// falling back to "new user" would bypass the ledger.
func (r *FingerprintResolver) Resolve(ctx context.Context, md Metadata) (Resolution, error) {
	fp := Fingerprint(md)

	account, err := r.store.GetAccountByFingerprint(ctx, fp)
	if err == nil {
		balance, err := r.ensureGranted(ctx, account)
		if err != nil {
			return Resolution{}, err
		}
		if err := r.store.TouchLastActive(ctx, account.ID); err != nil {
			return Resolution{}, fmt.Errorf("refresh last active: %w", err)
		}
		return Resolution{AccountID: account.ID, IsNew: false, Balance: balance}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Resolution{}, fmt.Errorf("lookup fingerprint: %w", err)
	}

	account, created, err := r.ledger.Enroll(ctx, storage.Account{
		Fingerprint: fp,
		UserAgent:   md.UserAgent,
		IPHash:      r.hashIP(md.ForwardedFor),
		IsAnonymous: true,
	}, r.grant)
	if err != nil {
		return Resolution{}, fmt.Errorf("enroll identity: %w", err)
	}
	if !created {
		// Lost the creation race; the winner's grant committed with its row.
		existing, err := r.store.GetAccountByFingerprint(ctx, fp)
		if err != nil {
			return Resolution{}, fmt.Errorf("refetch account: %w", err)
		}
		return Resolution{AccountID: existing.ID, IsNew: false, Balance: existing.Balance}, nil
	}

	r.metrics.IdentitiesCreated.Inc()
	r.logger.Info().Str("account_id", account.ID).Int64("grant", r.grant).Msg("new identity created")
	return Resolution{AccountID: account.ID, IsNew: true, Balance: account.Balance}, nil
}

// ensureGranted repairs an account row that predates atomic enrollment. A
// zero balance with an empty audit trail means the grant never committed;
// applying it here is safe because every legitimate grant leaves a
// transaction behind.
func (r *FingerprintResolver) ensureGranted(ctx context.Context, account storage.Account) (int64, error) {
	if account.Balance != 0 || r.grant <= 0 {
		return account.Balance, nil
	}
	txs, err := r.store.ListTransactions(ctx, account.ID, 1)
	if err != nil {
		return 0, fmt.Errorf("inspect audit trail: %w", err)
	}
	if len(txs) > 0 {
		return account.Balance, nil
	}
	balance, err := r.ledger.Grant(ctx, account.ID, r.grant)
	if err != nil {
		return 0, fmt.Errorf("apply missing grant: %w", err)
	}
	r.logger.Warn().Str("account_id", account.ID).Int64("grant", r.grant).Msg("applied missing initial grant")
	return balance, nil
}

// Fingerprint hashes the canonical combination of client signals. Absent
// signals hash as "unknown" so partial header sets still resolve stably.
func Fingerprint(md Metadata) string {
	parts := []string{
		orUnknown(md.UserAgent),
		orUnknown(md.AcceptLanguage),
		orUnknown(md.ClientHints),
		orUnknown(md.ClientPlatform),
		orUnknown(firstHop(md.ForwardedFor)),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// hashIP stores a keyed hash of the client address, never the raw IP.
func (r *FingerprintResolver) hashIP(forwardedFor string) string {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write([]byte(orUnknown(firstHop(forwardedFor))))
	return hex.EncodeToString(mac.Sum(nil))
}

func firstHop(forwardedFor string) string {
	first, _, _ := strings.Cut(forwardedFor, ",")
	return strings.TrimSpace(first)
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return "unknown"
	}
	return v
}
