package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a non-negative whole number of credits.
type Credits int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// TransactionID identifies a ledger transaction.
type TransactionID struct {
	value string
}

// IdempotencyKey scopes duplicate detection per user.
type IdempotencyKey struct {
	value string
}

// ActionID names a metered action in the cost table.
type ActionID struct {
	value string
}

// Category is a free-form classification of what credits were used or earned for.
type Category string

// CreditType distinguishes the two currencies held by every user.
type CreditType string

const (
	// CreditTypeSCRD is earned through engagement and bonuses; it cannot be bought.
	CreditTypeSCRD CreditType = "s_crd"
	// CreditTypeECRD is obtained through purchase.
	CreditTypeECRD CreditType = "e_crd"
)

// TransactionKind enumerates ledger transaction kinds.
type TransactionKind string

const (
	KindEarn     TransactionKind = "earn"
	KindSpend    TransactionKind = "spend"
	KindPurchase TransactionKind = "purchase"
	KindBonus    TransactionKind = "bonus"
	KindRefund   TransactionKind = "refund"
)

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never initialized.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether the key was never initialized.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// NewActionID validates and normalizes an action identifier.
func NewActionID(raw string) (ActionID, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return ActionID{}, fmt.Errorf("%w: empty value", ErrInvalidActionID)
	}
	return ActionID{value: trimmed}, nil
}

// String returns the normalized action id.
func (action ActionID) String() string {
	return action.value
}

// NewCategory validates a category label.
func NewCategory(raw string) (Category, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidCategory)
	}
	return Category(trimmed), nil
}

// String returns the category label.
func (category Category) String() string {
	return string(category)
}

// NewPositiveCredits validates an amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// NewCredits validates a non-negative amount.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// ParseCreditType validates a stored or requested credit type.
func ParseCreditType(raw string) (CreditType, error) {
	switch CreditType(strings.ToLower(strings.TrimSpace(raw))) {
	case CreditTypeSCRD:
		return CreditTypeSCRD, nil
	case CreditTypeECRD:
		return CreditTypeECRD, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCreditType, raw)
	}
}

// String returns the credit type label.
func (creditType CreditType) String() string {
	return string(creditType)
}

// CreditTypes lists every credit type in application order.
func CreditTypes() []CreditType {
	return []CreditType{CreditTypeSCRD, CreditTypeECRD}
}

// ParseTransactionKind validates a transaction kind.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	kind := TransactionKind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case KindEarn, KindSpend, KindPurchase, KindBonus, KindRefund:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
	}
}

// String returns the kind label.
func (kind TransactionKind) String() string {
	return string(kind)
}

// Sign returns -1 for debiting kinds and +1 for crediting kinds.
func (kind TransactionKind) Sign() int64 {
	if kind == KindSpend {
		return -1
	}
	return 1
}

// Metadata carries the structured annotations a transaction may hold.
type Metadata struct {
	RelatedEntityType     string `json:"related_entity_type,omitempty"`
	RelatedEntityID       string `json:"related_entity_id,omitempty"`
	Action                string `json:"action,omitempty"`
	Quantity              int64  `json:"quantity,omitempty"`
	RefundOfTransactionID string `json:"refund_of_transaction_id,omitempty"`
	OrderReference        string `json:"order_reference,omitempty"`
	Note                  string `json:"note,omitempty"`
}

// ParseMetadataJSON decodes a stored metadata blob; empty input yields empty metadata.
func ParseMetadataJSON(raw string) (Metadata, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" || normalized == "null" {
		return Metadata{}, nil
	}
	decoder := json.NewDecoder(bytes.NewReader([]byte(normalized)))
	decoder.DisallowUnknownFields()
	var metadata Metadata
	if err := decoder.Decode(&metadata); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if err := metadata.Validate(); err != nil {
		return Metadata{}, err
	}
	return metadata, nil
}

// Validate checks field-level constraints.
func (metadata Metadata) Validate() error {
	if metadata.Quantity < 0 {
		return fmt.Errorf("%w: quantity must not be negative", ErrInvalidMetadata)
	}
	if metadata.RelatedEntityID != "" && strings.TrimSpace(metadata.RelatedEntityType) == "" {
		return fmt.Errorf("%w: related entity id requires a type", ErrInvalidMetadata)
	}
	return nil
}

// JSON returns the canonical metadata encoding ("{}" when empty).
func (metadata Metadata) JSON() string {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

// Snapshot records both balance components right after a transaction.
type Snapshot struct {
	SCRD Credits
	ECRD Credits
}

// Of returns the component for a credit type.
func (snapshot Snapshot) Of(creditType CreditType) Credits {
	if creditType == CreditTypeECRD {
		return snapshot.ECRD
	}
	return snapshot.SCRD
}

// Balance is the current per-user position. Sequence counts applied transactions.
type Balance struct {
	SCRD           Credits
	ECRD           Credits
	Sequence       int64
	UpdatedUnixUTC int64
}

// Of returns the component for a credit type.
func (balance Balance) Of(creditType CreditType) Credits {
	return balance.Snapshot().Of(creditType)
}

// Snapshot returns both components without bookkeeping fields.
func (balance Balance) Snapshot() Snapshot {
	return Snapshot{SCRD: balance.SCRD, ECRD: balance.ECRD}
}

// Covers reports whether every component of cost is available.
func (balance Balance) Covers(cost Cost) bool {
	return balance.SCRD >= cost.SCRD && balance.ECRD >= cost.ECRD
}

// withDelta returns the balance after applying a signed delta to one component.
func (balance Balance) withDelta(creditType CreditType, delta int64, atUnixUTC int64) (Balance, error) {
	current := balance.Of(creditType).Int64()
	next := current + delta
	if delta > 0 && next < current {
		return Balance{}, WrapError("ledger", "balance", "overflow", ErrInvalidBalance)
	}
	if next < 0 {
		return Balance{}, ErrInsufficientFunds
	}
	updated := balance
	switch creditType {
	case CreditTypeSCRD:
		updated.SCRD = Credits(next)
	case CreditTypeECRD:
		updated.ECRD = Credits(next)
	default:
		return Balance{}, fmt.Errorf("%w: %q", ErrInvalidCreditType, creditType)
	}
	updated.Sequence = balance.Sequence + 1
	updated.UpdatedUnixUTC = atUnixUTC
	return updated, nil
}

// TransactionInput is a validated request to change one balance component.
type TransactionInput struct {
	kind           TransactionKind
	creditType     CreditType
	amount         Credits
	category       Category
	metadata       Metadata
	idempotencyKey IdempotencyKey
}

// NewTransactionInput validates the pieces of a balance mutation.
func NewTransactionInput(kind TransactionKind, creditType CreditType, amount Credits, category Category, metadata Metadata, idempotencyKey IdempotencyKey) (TransactionInput, error) {
	if _, err := ParseTransactionKind(kind.String()); err != nil {
		return TransactionInput{}, err
	}
	if _, err := ParseCreditType(creditType.String()); err != nil {
		return TransactionInput{}, err
	}
	if amount <= 0 {
		return TransactionInput{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	if strings.TrimSpace(category.String()) == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidCategory)
	}
	if idempotencyKey.IsZero() {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if err := metadata.Validate(); err != nil {
		return TransactionInput{}, err
	}
	return TransactionInput{
		kind:           kind,
		creditType:     creditType,
		amount:         amount,
		category:       category,
		metadata:       metadata,
		idempotencyKey: idempotencyKey,
	}, nil
}

// Kind returns the transaction kind.
func (input TransactionInput) Kind() TransactionKind { return input.kind }

// CreditType returns the affected credit type.
func (input TransactionInput) CreditType() CreditType { return input.creditType }

// Amount returns the unsigned amount.
func (input TransactionInput) Amount() Credits { return input.amount }

// SignedAmount returns the amount signed by kind.
func (input TransactionInput) SignedAmount() int64 {
	return input.kind.Sign() * input.amount.Int64()
}

// Category returns the classification label.
func (input TransactionInput) Category() Category { return input.category }

// Metadata returns the structured annotations.
func (input TransactionInput) Metadata() Metadata { return input.metadata }

// IdempotencyKey returns the per-user duplicate-detection key.
func (input TransactionInput) IdempotencyKey() IdempotencyKey { return input.idempotencyKey }

// Transaction is a single immutable line in a user's ledger.
type Transaction struct {
	TransactionID  TransactionID
	UserID         UserID
	Sequence       int64
	Kind           TransactionKind
	Amount         int64
	CreditType     CreditType
	Category       Category
	Metadata       Metadata
	IdempotencyKey IdempotencyKey
	CreatedUnixUTC int64
	Snapshot       Snapshot
}

// Cursor restarts a newest-first listing strictly below a sequence. Zero starts at the newest.
type Cursor struct {
	BeforeSequence int64
}

// NewCursor validates a listing cursor.
func NewCursor(beforeSequence int64) (Cursor, error) {
	if beforeSequence < 0 {
		return Cursor{}, fmt.Errorf("%w: before must not be negative", ErrInvalidCursor)
	}
	return Cursor{BeforeSequence: beforeSequence}, nil
}

// Store is the persistence contract used by Ledger.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// LockBalance returns the balance row, creating an all-zero row when absent,
	// and holds it for the enclosing transaction where the backend supports row locks.
	LockBalance(ctx context.Context, userID UserID) (Balance, error)
	// GetBalance returns the zero balance for users without a row.
	GetBalance(ctx context.Context, userID UserID) (Balance, error)
	// UpdateBalance writes balance only when the stored sequence still equals expectedSequence.
	UpdateBalance(ctx context.Context, userID UserID, expectedSequence int64, balance Balance) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, userID UserID, transactionID TransactionID) (Transaction, error)
	FindTransactionByIdempotencyKey(ctx context.Context, userID UserID, idempotencyKey IdempotencyKey) (Transaction, bool, error)
	LatestTransaction(ctx context.Context, userID UserID, kind TransactionKind, category Category) (Transaction, bool, error)
	ListTransactions(ctx context.Context, userID UserID, cursor Cursor, limit int) ([]Transaction, error)
}
