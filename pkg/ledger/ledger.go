package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 25 * time.Millisecond
)

// RetryPolicy bounds how often a unit of work is repeated after a transient storage fault.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy returns three attempts with a linear 25ms backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: defaultRetryAttempts, Backoff: defaultRetryBackoff}
}

// LedgerOption configures a Ledger instance.
type LedgerOption func(*Ledger)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(policy RetryPolicy) LedgerOption {
	return func(ledger *Ledger) {
		ledger.retry = policy
	}
}

// WithTransactionIDGenerator replaces the UUIDv7 transaction id source.
func WithTransactionIDGenerator(generator func() (TransactionID, error)) LedgerOption {
	return func(ledger *Ledger) {
		ledger.newID = generator
	}
}

// Ledger applies balance mutations atomically and serializes them per user.
type Ledger struct {
	store Store
	nowFn func() int64
	newID func() (TransactionID, error)
	locks *userLocks
	retry RetryPolicy
}

// NewLedger wires a Ledger over a Store.
func NewLedger(store Store, now func() int64, options ...LedgerOption) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	ledger := &Ledger{
		store: store,
		nowFn: now,
		newID: newUUIDv7TransactionID,
		locks: newUserLocks(),
		retry: DefaultRetryPolicy(),
	}
	for _, option := range options {
		if option != nil {
			option(ledger)
		}
	}
	if ledger.retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: retry attempts must be at least 1", ErrInvalidServiceConfig)
	}
	if ledger.retry.Backoff < 0 {
		return nil, fmt.Errorf("%w: retry backoff must not be negative", ErrInvalidServiceConfig)
	}
	if ledger.newID == nil {
		return nil, fmt.Errorf("%w: transaction id generator is nil", ErrInvalidServiceConfig)
	}
	return ledger, nil
}

// LedgerTx is the view of one user's ledger inside an atomic unit of work.
type LedgerTx struct {
	store      Store
	userID     UserID
	balance    Balance
	nowUnixUTC int64
	newID      func() (TransactionID, error)
}

// Balance returns the balance including everything applied so far in this unit.
func (unit *LedgerTx) Balance() Balance {
	return unit.balance
}

// NowUnixUTC returns the clock reading shared by every transaction of the unit.
func (unit *LedgerTx) NowUnixUTC() int64 {
	return unit.nowUnixUTC
}

// LatestTransaction looks up the newest transaction of a kind and category.
func (unit *LedgerTx) LatestTransaction(ctx context.Context, kind TransactionKind, category Category) (Transaction, bool, error) {
	return unit.store.LatestTransaction(ctx, unit.userID, kind, category)
}

// GetTransaction loads one of the user's transactions.
func (unit *LedgerTx) GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	return unit.store.GetTransaction(ctx, unit.userID, transactionID)
}

// FindTransactionByIdempotencyKey looks up a transaction by its key.
func (unit *LedgerTx) FindTransactionByIdempotencyKey(ctx context.Context, idempotencyKey IdempotencyKey) (Transaction, bool, error) {
	return unit.store.FindTransactionByIdempotencyKey(ctx, unit.userID, idempotencyKey)
}

// Apply computes the new balance, rejects overdrafts, and persists balance and transaction.
func (unit *LedgerTx) Apply(ctx context.Context, input TransactionInput) (Transaction, error) {
	next, err := unit.balance.withDelta(input.CreditType(), input.SignedAmount(), unit.nowUnixUTC)
	if err != nil {
		return Transaction{}, err
	}
	transactionID, err := unit.newID()
	if err != nil {
		return Transaction{}, WrapError("ledger", "transaction", "id", err)
	}
	if err := unit.store.UpdateBalance(ctx, unit.userID, unit.balance.Sequence, next); err != nil {
		return Transaction{}, err
	}
	transaction := Transaction{
		TransactionID:  transactionID,
		UserID:         unit.userID,
		Sequence:       next.Sequence,
		Kind:           input.Kind(),
		Amount:         input.SignedAmount(),
		CreditType:     input.CreditType(),
		Category:       input.Category(),
		Metadata:       input.Metadata(),
		IdempotencyKey: input.IdempotencyKey(),
		CreatedUnixUTC: unit.nowUnixUTC,
		Snapshot:       next.Snapshot(),
	}
	if err := unit.store.InsertTransaction(ctx, transaction); err != nil {
		return Transaction{}, err
	}
	unit.balance = next
	return transaction, nil
}

// Mutate runs fn as one atomic unit under the user's lock. Transient storage faults and
// lost compare-and-swap races restart the whole unit, up to the retry policy's bound.
// fn must not leak state between attempts.
func (ledger *Ledger) Mutate(ctx context.Context, userID UserID, fn func(ctx context.Context, unit *LedgerTx) error) error {
	if userID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	release, err := ledger.locks.acquire(ctx, userID)
	if err != nil {
		return WrapError("ledger", "lock", "acquire", err)
	}
	defer release()

	return ledger.withRetry(ctx, func() error {
		return ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			balance, err := transactionStore.LockBalance(ctx, userID)
			if err != nil {
				return err
			}
			unit := &LedgerTx{
				store:      transactionStore,
				userID:     userID,
				balance:    balance,
				nowUnixUTC: ledger.nowFn(),
				newID:      ledger.newID,
			}
			return fn(ctx, unit)
		})
	})
}

// ApplyTransaction applies a single mutation atomically.
func (ledger *Ledger) ApplyTransaction(ctx context.Context, userID UserID, input TransactionInput) (Transaction, error) {
	var applied Transaction
	err := ledger.Mutate(ctx, userID, func(ctx context.Context, unit *LedgerTx) error {
		transaction, err := unit.Apply(ctx, input)
		if err != nil {
			return err
		}
		applied = transaction
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return applied, nil
}

// GetBalance returns the current balance; unknown users have the zero balance.
func (ledger *Ledger) GetBalance(ctx context.Context, userID UserID) (Balance, error) {
	if userID.IsZero() {
		return Balance{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	var balance Balance
	err := ledger.withRetry(ctx, func() error {
		current, err := ledger.store.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		balance = current
		return nil
	})
	return balance, err
}

// ListTransactions returns newest-first transactions strictly below the cursor.
func (ledger *Ledger) ListTransactions(ctx context.Context, userID UserID, cursor Cursor, limit int) ([]Transaction, error) {
	if userID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if limit < 1 {
		return nil, fmt.Errorf("%w: must be at least 1", ErrInvalidListLimit)
	}
	if cursor.BeforeSequence < 0 {
		return nil, fmt.Errorf("%w: before must not be negative", ErrInvalidCursor)
	}
	var transactions []Transaction
	err := ledger.withRetry(ctx, func() error {
		page, err := ledger.store.ListTransactions(ctx, userID, cursor, limit)
		if err != nil {
			return err
		}
		transactions = page
		return nil
	})
	return transactions, err
}

func (ledger *Ledger) withRetry(ctx context.Context, attempt func() error) error {
	var lastErr error
	for attemptNumber := 1; attemptNumber <= ledger.retry.MaxAttempts; attemptNumber++ {
		lastErr = attempt()
		if lastErr == nil || !isRetriable(lastErr) {
			return lastErr
		}
		if attemptNumber == ledger.retry.MaxAttempts {
			break
		}
		wait := ledger.retry.Backoff * time.Duration(attemptNumber)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}

func isRetriable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrConcurrentUpdate)
}

func newUUIDv7TransactionID() (TransactionID, error) {
	identifier, err := uuid.NewV7()
	if err != nil {
		return TransactionID{}, err
	}
	return NewTransactionID(identifier.String())
}
