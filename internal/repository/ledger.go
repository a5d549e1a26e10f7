package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrIntentNotFound    = errors.New("payment intent not found")
	ErrPromoUnavailable  = errors.New("promo code not found or already used")
	ErrPremiumUnlimited  = errors.New("premium account has no quota limit")
	ErrDuplicate         = errors.New("duplicate key")
)

// Ledger groups the repositories that share one database handle. Inside InTx
// every repository runs on the same transaction.
type Ledger struct {
	db   *sqlx.DB
	inTx bool
	now  func() time.Time

	Accounts *AccountRepository
	Intents  *IntentRepository
	Promos   *PromoRepository
	Tests    *TestRepository
}

func NewLedger(db *sqlx.DB) *Ledger {
	return newLedger(db, db, false, utcNow)
}

func newLedger(db *sqlx.DB, q sqlx.ExtContext, inTx bool, now func() time.Time) *Ledger {
	return &Ledger{
		db:       db,
		inTx:     inTx,
		now:      now,
		Accounts: &AccountRepository{q: q, now: now, dialect: db.DriverName()},
		Intents:  &IntentRepository{q: q},
		Promos:   &PromoRepository{q: q},
		Tests:    &TestRepository{q: q, now: now},
	}
}

// WithClock returns a ledger stamping rows with the given clock.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	var q sqlx.ExtContext = l.db
	if l.inTx {
		q = l.Accounts.q
	}
	return newLedger(l.db, q, l.inTx, now)
}

// Now is the ledger clock, UTC truncated to the second.
func (l *Ledger) Now() time.Time {
	return l.now()
}

func (l *Ledger) DB() *sqlx.DB {
	return l.db
}

// InTx runs fn in a transaction. Nested calls join the outer transaction.
// fn must only use the ledger it receives.
func (l *Ledger) InTx(ctx context.Context, fn func(tx *Ledger) error) (err error) {
	if l.inTx {
		return fn(l)
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(newLedger(l.db, tx, true, l.now)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func utcNow() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func isDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
