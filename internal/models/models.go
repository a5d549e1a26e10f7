package models

import "time"

type Rail string

const (
	RailStars  Rail = "stars"
	RailCard   Rail = "card"
	RailCrypto Rail = "crypto"
)

type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentCompleted IntentStatus = "completed"
	IntentFailed    IntentStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s IntentStatus) Terminal() bool {
	return s == IntentCompleted || s == IntentFailed
}

type PromoStatus string

const (
	PromoActive  PromoStatus = "active"
	PromoUsed    PromoStatus = "used"
	PromoExpired PromoStatus = "expired"
)

// Product is the fixed set of purchasable items, carried in invoice payloads.
type Product string

const (
	ProductPremiumStandard Product = "premium_standard"
	ProductPremiumPlus     Product = "premium_plus"
)

func (p Product) Valid() bool {
	return p == ProductPremiumStandard || p == ProductPremiumPlus
}

// GrantSource names what triggered a premium grant. Stored in logs and metrics only.
type GrantSource string

const (
	SourceStars  GrantSource = "stars_spend"
	SourcePromo  GrantSource = "promo"
	SourceCard   GrantSource = "card"
	SourceNative GrantSource = "telegram_stars"
	SourceCrypto GrantSource = "crypto"
	SourceAdmin  GrantSource = "admin"
)

type Account struct {
	UserID        int64  `db:"user_id" json:"user_id"`
	DisplayName   string `db:"display_name" json:"display_name"`
	Handle        string `db:"handle" json:"handle"`
	IsPremium     bool   `db:"is_premium" json:"is_premium"`
	FreeQuotaUsed int    `db:"free_quota_used" json:"free_quota_used"`
	// TestCount only grows; refunds and revokes never touch it.
	TestCount int `db:"test_count" json:"test_count"`
	// FreeQuotaLimit is nil while the account is premium (unlimited).
	FreeQuotaLimit *int      `db:"free_quota_limit" json:"free_quota_limit"`
	StarBalance    int64     `db:"star_balance" json:"star_balance"`
	IsAdmin        bool      `db:"is_admin" json:"is_admin"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

type PaymentIntent struct {
	IntentID      string       `db:"intent_id" json:"intent_id"`
	UserID        int64        `db:"user_id" json:"user_id"`
	Product       Product      `db:"product" json:"product"`
	Amount        string       `db:"amount" json:"amount"`
	Currency      string       `db:"currency" json:"currency"`
	Rail          Rail         `db:"rail" json:"rail"`
	Status        IntentStatus `db:"status" json:"status"`
	ProviderRef   string       `db:"provider_ref" json:"provider_ref"`
	FailureReason string       `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	ResolvedAt    *time.Time   `db:"resolved_at" json:"resolved_at,omitempty"`
}

type PromoCode struct {
	Code      string      `db:"code" json:"code"`
	Status    PromoStatus `db:"status" json:"status"`
	ExpiryAt  time.Time   `db:"expiry_at" json:"expiry_at"`
	CreatedBy int64       `db:"created_by" json:"created_by"`
	UsedBy    *int64      `db:"used_by" json:"used_by,omitempty"`
	UsedAt    *time.Time  `db:"used_at" json:"used_at,omitempty"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}

// Usable treats a code past its expiry as unusable even while still marked active.
func (p PromoCode) Usable(now time.Time) bool {
	return p.Status == PromoActive && p.ExpiryAt.After(now)
}

type TestRecord struct {
	ID             int64     `db:"id" json:"id"`
	UserID         int64     `db:"user_id" json:"user_id"`
	Subject        string    `db:"subject" json:"subject"`
	Description    string    `db:"description" json:"description"`
	QuestionsCount int       `db:"questions_count" json:"questions_count"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

type Stats struct {
	TotalUsers        int `db:"total_users" json:"total_users"`
	PremiumUsers      int `db:"premium_users" json:"premium_users"`
	NewUsersToday     int `db:"new_users_today" json:"new_users_today"`
	TotalTests        int `db:"total_tests" json:"total_tests"`
	CompletedPayments int `db:"completed_payments" json:"completed_payments"`
	PendingIntents    int `db:"pending_intents" json:"pending_intents"`
}
