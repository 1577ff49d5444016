package storage

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Account is the per-identity record. Balance is mutated only through
// AdjustBalance; no other code path writes it.
type Account struct {
	ID            string
	Fingerprint   string
	UserAgent     string
	IPHash        string
	IsAnonymous   bool
	Balance       int64
	TotalRequests int64
	CreatedAt     time.Time
	LastActive    time.Time
}

// CreditTransaction is an immutable audit record of one balance change.
type CreditTransaction struct {
	ID        int64
	AccountID string
	Amount    int64
	Reason    string
	MessageID *string
	CreatedAt time.Time
}

type Conversation struct {
	ID        string
	AccountID string
	Title     string
	Archived  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	Seq            int64
	ID             string
	ConversationID string
	Role           string
	Content        string
	TokenCount     int64
	CreditCost     int64
	Model          string
	CreatedAt      time.Time
}
