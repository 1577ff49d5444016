package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatmeter/internal/ledger"
	"chatmeter/internal/metrics"
	"chatmeter/internal/provider"
	"chatmeter/internal/storage"
)

// Coordinator runs one chat turn: debit, persist the user message, load
// history, stream the completion, and persist the assistant turn only when
// the stream finished cleanly.
type Coordinator struct {
	store        *storage.Store
	ledger       *ledger.Ledger
	provider     provider.Provider
	defaultModel string
	historyLimit uint64
	persistGrace time.Duration
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

type Config struct {
	Store        *storage.Store
	Ledger       *ledger.Ledger
	Provider     provider.Provider
	DefaultModel string
	HistoryLimit uint64
	PersistGrace time.Duration
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

func New(cfg Config) *Coordinator {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.PersistGrace <= 0 {
		cfg.PersistGrace = 10 * time.Second
	}
	return &Coordinator{
		store:        cfg.Store,
		ledger:       cfg.Ledger,
		provider:     cfg.Provider,
		defaultModel: cfg.DefaultModel,
		historyLimit: cfg.HistoryLimit,
		persistGrace: cfg.PersistGrace,
		logger:       cfg.Logger,
		metrics:      m,
	}
}

type SendInput struct {
	AccountID      string
	ConversationID string
	Message        string
	Model          string
}

// Send admits, charges, and persists the user turn, then opens the upstream
// stream. The debit is the sole floor-enforcement point: losing the race
// after an earlier positive admission check still aborts here with no
// history write and no provider call.
func (c *Coordinator) Send(ctx context.Context, in SendInput) (*Exchange, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return nil, fmt.Errorf("%w: message is empty", ErrBadRequest)
	}
	if in.AccountID == "" {
		return nil, ErrUnauthenticated
	}
	model := in.Model
	if model == "" {
		model = c.defaultModel
	}

	balance, err := c.ledger.Charge(ctx, in.AccountID, nil)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInsufficientCredits):
			c.metrics.PaymentRequired.Inc()
			return nil, ErrPaymentRequired
		case errors.Is(err, storage.ErrNotFound):
			return nil, ErrUnauthenticated
		default:
			return nil, fmt.Errorf("%w: charge: %v", ErrStoreUnavailable, err)
		}
	}

	conv, err := c.resolveConversation(ctx, in.AccountID, in.ConversationID, message)
	if err != nil {
		return nil, err
	}

	if _, err := c.store.AppendMessage(ctx, storage.AppendParams{
		ConversationID: conv.ID,
		Role:           storage.RoleUser,
		Content:        message,
		Model:          model,
		CreditCost:     c.ledger.Cost(),
	}); err != nil {
		return nil, fmt.Errorf("%w: persist user message: %v", ErrStoreUnavailable, err)
	}

	history, err := c.store.ListMessages(ctx, conv.ID, c.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: load history: %v", ErrStoreUnavailable, err)
	}
	turns := make([]provider.Turn, 0, len(history))
	for _, m := range history {
		turns = append(turns, provider.Turn{Role: m.Role, Content: m.Content})
	}

	stream, err := c.provider.ChatStream(ctx, provider.ChatRequest{Model: model, Turns: turns})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}

	c.logger.Debug().
		Str("account_id", in.AccountID).
		Str("conversation_id", conv.ID).
		Int64("balance", balance).
		Msg("stream opened")

	return &Exchange{
		ConversationID: conv.ID,
		Balance:        balance,
		coordinator:    c,
		model:          model,
		stream:         stream,
	}, nil
}

func (c *Coordinator) resolveConversation(ctx context.Context, accountID, conversationID, firstMessage string) (storage.Conversation, error) {
	if conversationID == "" {
		conv, err := c.store.CreateConversation(ctx, accountID, firstMessage)
		if err != nil {
			return storage.Conversation{}, fmt.Errorf("%w: create conversation: %v", ErrStoreUnavailable, err)
		}
		return conv, nil
	}

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Conversation{}, fmt.Errorf("%w: unknown conversation", ErrBadRequest)
		}
		return storage.Conversation{}, fmt.Errorf("%w: load conversation: %v", ErrStoreUnavailable, err)
	}
	if conv.AccountID != accountID {
		return storage.Conversation{}, fmt.Errorf("%w: unknown conversation", ErrBadRequest)
	}
	return conv, nil
}

// Conversations lists the caller's threads, freshest first.
func (c *Coordinator) Conversations(ctx context.Context, accountID string, limit uint64) ([]storage.Conversation, error) {
	if accountID == "" {
		return nil, ErrUnauthenticated
	}
	if limit == 0 {
		limit = 20
	}
	out, err := c.store.ListConversationsForOwner(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list conversations: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

// Exchange is one in-flight completion relay. It accumulates fragments as
// they are forwarded and persists the assistant turn exactly once, on clean
// end of stream. A dropped or failed stream persists nothing and the user's
// debit stands.
type Exchange struct {
	ConversationID string
	Balance        int64

	coordinator *Coordinator
	model       string
	stream      provider.Stream
	accumulated strings.Builder
	done        bool
	failed      bool
	closed      bool
}

// Next forwards the next fragment. io.EOF signals that the stream completed
// and the assistant turn was persisted.
func (e *Exchange) Next() (string, error) {
	if e.done {
		return "", io.EOF
	}
	if e.failed {
		return "", ErrUpstreamFailure
	}

	frag, err := e.stream.Next()
	if err == nil {
		e.accumulated.WriteString(frag)
		return frag, nil
	}
	if errors.Is(err, io.EOF) {
		if err := e.finalize(); err != nil {
			return "", err
		}
		return "", io.EOF
	}

	e.failed = true
	e.coordinator.metrics.StreamsAborted.Inc()
	return "", fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
}

// Drain consumes the whole stream for non-streaming callers.
func (e *Exchange) Drain() (string, error) {
	for {
		_, err := e.Next()
		if errors.Is(err, io.EOF) {
			return e.accumulated.String(), nil
		}
		if err != nil {
			return e.accumulated.String(), err
		}
	}
}

// finalize persists the accumulated assistant turn. The caller's context may
// already be gone by the time the provider signals end of stream, so the
// write gets its own bounded context.
func (e *Exchange) finalize() error {
	e.done = true

	text := e.accumulated.String()
	if text == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.coordinator.persistGrace)
	defer cancel()

	if _, err := e.coordinator.store.AppendMessage(ctx, storage.AppendParams{
		ConversationID: e.ConversationID,
		Role:           storage.RoleAssistant,
		Content:        text,
		Model:          e.model,
		CreditCost:     0,
	}); err != nil {
		return fmt.Errorf("%w: persist assistant message: %v", ErrStoreUnavailable, err)
	}
	e.coordinator.metrics.StreamsCompleted.Inc()
	return nil
}

// Close releases the upstream stream. If the caller walked away mid-stream
// nothing is persisted and the stream counts as aborted.
func (e *Exchange) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if !e.done && !e.failed {
		e.coordinator.metrics.StreamsAborted.Inc()
		e.coordinator.logger.Debug().Str("conversation_id", e.ConversationID).Msg("stream abandoned before completion")
	}
	return e.stream.Close()
}
