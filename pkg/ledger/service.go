package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Service enforces the credit business rules over a Ledger and a CostTable.
type Service struct {
	ledger *Ledger
	costs  atomic.Pointer[CostTable]
	logger OperationLogger
	newKey func() string
}

// SpendReceipt is the outcome of a spend: one transaction per charged credit type.
type SpendReceipt struct {
	Transactions []Transaction
	Balance      Balance
	Replayed     bool
}

// NewService wires a Service.
func NewService(ledger *Ledger, costs *CostTable, options ...ServiceOption) (*Service, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if costs == nil {
		return nil, fmt.Errorf("%w: cost table is nil", ErrInvalidServiceConfig)
	}
	service := &Service{ledger: ledger, newKey: uuid.NewString}
	service.costs.Store(costs)
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.newKey == nil {
		return nil, fmt.Errorf("%w: idempotency key generator is nil", ErrInvalidServiceConfig)
	}
	return service, nil
}

// CanAfford reports whether the balance covers cost(action) × quantity in every credit type.
func (service *Service) CanAfford(ctx context.Context, userID UserID, action ActionID, quantity int64) (bool, error) {
	_, cost, err := service.requiredCost(action, quantity)
	if err != nil {
		return false, err
	}
	balance, err := service.ledger.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance.Covers(cost), nil
}

// SpendCredits debits cost(action) × quantity as one spend transaction per charged credit
// type. The affordability check and every debit run in the same atomic unit.
// Repeating a call with the same idempotency key returns the original receipt.
func (service *Service) SpendCredits(ctx context.Context, userID UserID, action ActionID, quantity int64, metadata Metadata, idempotencyKey IdempotencyKey) (SpendReceipt, error) {
	_, cost, err := service.requiredCost(action, quantity)
	if err != nil {
		return SpendReceipt{}, err
	}
	if idempotencyKey.IsZero() {
		idempotencyKey, err = NewIdempotencyKey(service.newKey())
		if err != nil {
			return SpendReceipt{}, err
		}
	}
	metadata.Action = action.String()
	metadata.Quantity = quantity
	category, err := NewCategory(action.String())
	if err != nil {
		return SpendReceipt{}, err
	}
	inputs := make([]TransactionInput, 0, len(CreditTypes()))
	for _, creditType := range CreditTypes() {
		amount := cost.Of(creditType)
		if amount == 0 {
			continue
		}
		componentKey, err := deriveIdempotencyKey(idempotencyKey, creditType.String())
		if err != nil {
			return SpendReceipt{}, err
		}
		input, err := NewTransactionInput(KindSpend, creditType, amount, category, metadata, componentKey)
		if err != nil {
			return SpendReceipt{}, err
		}
		inputs = append(inputs, input)
	}

	var receipt SpendReceipt
	operationError := service.ledger.Mutate(ctx, userID, func(ctx context.Context, unit *LedgerTx) error {
		receipt = SpendReceipt{}
		previous, err := findExisting(ctx, unit, inputs)
		if err != nil {
			return err
		}
		if len(previous) > 0 {
			if !sameSpend(previous, inputs) {
				return ErrDuplicateIdempotencyKey
			}
			receipt = SpendReceipt{Transactions: previous, Balance: unit.Balance(), Replayed: true}
			return nil
		}
		if !unit.Balance().Covers(cost) {
			return ErrInsufficientFunds
		}
		applied := make([]Transaction, 0, len(inputs))
		for _, input := range inputs {
			transaction, err := unit.Apply(ctx, input)
			if err != nil {
				return err
			}
			applied = append(applied, transaction)
		}
		receipt = SpendReceipt{Transactions: applied, Balance: unit.Balance()}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationSpend,
		UserID:         userID,
		Action:         action,
		Category:       category,
		Delta:          cost,
		IdempotencyKey: idempotencyKey,
		Transactions:   transactionIDs(receipt.Transactions),
		Status:         replayStatus(receipt.Replayed),
		Error:          operationError,
	})
	if operationError != nil {
		return SpendReceipt{}, operationError
	}
	return receipt, nil
}

// GiveDailyLoginBonus grants one S-CRD unless a daily-login bonus was already granted on
// the current UTC calendar day. It reports whether a bonus was granted.
func (service *Service) GiveDailyLoginBonus(ctx context.Context, userID UserID) (bool, error) {
	granted := false
	var bonusKey IdempotencyKey
	var bonus Transaction
	operationError := service.ledger.Mutate(ctx, userID, func(ctx context.Context, unit *LedgerTx) error {
		granted = false
		today := utcDay(unit.NowUnixUTC())
		latest, found, err := unit.LatestTransaction(ctx, KindBonus, CategoryDailyLogin)
		if err != nil {
			return err
		}
		if found && utcDay(latest.CreatedUnixUTC) == today {
			return nil
		}
		bonusKey, err = NewIdempotencyKey(idempotencyPrefixDaily + idempotencyKeyDelimiter + today)
		if err != nil {
			return err
		}
		input, err := NewTransactionInput(KindBonus, dailyBonusCreditType, dailyBonusAmount, CategoryDailyLogin, Metadata{}, bonusKey)
		if err != nil {
			return err
		}
		bonus, err = unit.Apply(ctx, input)
		if err != nil {
			return err
		}
		granted = true
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		granted = false
		operationError = nil
	}
	entry := OperationLog{
		Operation:      operationDailyBonus,
		UserID:         userID,
		Category:       CategoryDailyLogin,
		IdempotencyKey: bonusKey,
		Status:         operationStatusSkipped,
		Error:          operationError,
	}
	if granted {
		entry.Status = ""
		entry.Delta = Cost{SCRD: dailyBonusAmount}
		entry.Transactions = []TransactionID{bonus.TransactionID}
	}
	if operationError != nil {
		entry.Status = ""
	}
	service.logOperation(ctx, entry)
	if operationError != nil {
		return false, operationError
	}
	return granted, nil
}

// GetCreditBalance returns the user's balance; unknown users have the zero balance.
func (service *Service) GetCreditBalance(ctx context.Context, userID UserID) (Balance, error) {
	return service.ledger.GetBalance(ctx, userID)
}

// GetTransactionHistory lists newest-first transactions. A non-positive limit means DefaultHistoryLimit.
func (service *Service) GetTransactionHistory(ctx context.Context, userID UserID, cursor Cursor, limit int) ([]Transaction, error) {
	normalized, err := NormalizeHistoryLimit(limit)
	if err != nil {
		return nil, err
	}
	return service.ledger.ListTransactions(ctx, userID, cursor, normalized)
}

// NormalizeHistoryLimit applies the default and the upper bound of a history page.
func NormalizeHistoryLimit(limit int) (int, error) {
	if limit <= 0 {
		return DefaultHistoryLimit, nil
	}
	if limit > MaxHistoryLimit {
		return 0, fmt.Errorf("%w: %d exceeds maximum %d", ErrInvalidListLimit, limit, MaxHistoryLimit)
	}
	return limit, nil
}

// CostTable returns the table currently used for pricing.
func (service *Service) CostTable() *CostTable {
	return service.costs.Load()
}

// ReplaceCostTable swaps the pricing table. Operations already running keep the table they loaded.
func (service *Service) ReplaceCostTable(table *CostTable) error {
	if table == nil {
		return fmt.Errorf("%w: cost table is nil", ErrInvalidServiceConfig)
	}
	service.costs.Store(table)
	return nil
}

func (service *Service) requiredCost(action ActionID, quantity int64) (CostEntry, Cost, error) {
	if action.String() == "" {
		return CostEntry{}, Cost{}, fmt.Errorf("%w: empty value", ErrInvalidActionID)
	}
	if quantity < 1 {
		return CostEntry{}, Cost{}, fmt.Errorf("%w: must be at least 1", ErrInvalidQuantity)
	}
	entry, err := service.costs.Load().Lookup(action)
	if err != nil {
		return CostEntry{}, Cost{}, err
	}
	cost, err := entry.Cost.Times(quantity)
	if err != nil {
		return CostEntry{}, Cost{}, err
	}
	return entry, cost, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func findExisting(ctx context.Context, unit *LedgerTx, inputs []TransactionInput) ([]Transaction, error) {
	var existing []Transaction
	for _, input := range inputs {
		transaction, found, err := unit.FindTransactionByIdempotencyKey(ctx, input.IdempotencyKey())
		if err != nil {
			return nil, err
		}
		if found {
			existing = append(existing, transaction)
		}
	}
	return existing, nil
}

// sameSpend reports whether stored transactions are exactly the components of inputs.
func sameSpend(previous []Transaction, inputs []TransactionInput) bool {
	if len(previous) != len(inputs) {
		return false
	}
	for index, input := range inputs {
		transaction := previous[index]
		if transaction.Kind != input.Kind() ||
			transaction.Category != input.Category() ||
			transaction.CreditType != input.CreditType() ||
			transaction.Amount != input.SignedAmount() {
			return false
		}
	}
	return true
}

func deriveIdempotencyKey(baseKey IdempotencyKey, suffix string) (IdempotencyKey, error) {
	combined := baseKey.String() + idempotencyKeyDelimiter + suffix
	return NewIdempotencyKey(combined)
}

func utcDay(unixUTC int64) string {
	return time.Unix(unixUTC, 0).UTC().Format(dailyBonusDayLayout)
}

func transactionIDs(transactions []Transaction) []TransactionID {
	if len(transactions) == 0 {
		return nil
	}
	identifiers := make([]TransactionID, 0, len(transactions))
	for _, transaction := range transactions {
		identifiers = append(identifiers, transaction.TransactionID)
	}
	return identifiers
}

func replayStatus(replayed bool) string {
	if replayed {
		return operationStatusSkipped
	}
	return ""
}
