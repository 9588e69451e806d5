package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// GrantCredits credits a user through the earn or purchase entry point.
// S-CRD is never purchasable. Repeating a key with the same grant returns the original transaction.
func (service *Service) GrantCredits(ctx context.Context, userID UserID, kind TransactionKind, creditType CreditType, amount Credits, category Category, metadata Metadata, idempotencyKey IdempotencyKey) (Transaction, error) {
	if kind != KindEarn && kind != KindPurchase {
		return Transaction{}, fmt.Errorf("%w: grants accept earn or purchase, got %q", ErrInvalidKind, kind)
	}
	if kind == KindPurchase && creditType != CreditTypeECRD {
		return Transaction{}, fmt.Errorf("%w: %s is not purchasable", ErrInvalidCreditType, creditType)
	}
	if reservedIdempotencyKey(idempotencyKey) {
		return Transaction{}, fmt.Errorf("%w: %q uses a reserved prefix", ErrInvalidIdempotencyKey, idempotencyKey.String())
	}
	input, err := NewTransactionInput(kind, creditType, amount, category, metadata, idempotencyKey)
	if err != nil {
		return Transaction{}, err
	}
	var granted Transaction
	operationError := service.ledger.Mutate(ctx, userID, func(ctx context.Context, unit *LedgerTx) error {
		existing, found, err := unit.FindTransactionByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return err
		}
		if found {
			if existing.Kind != kind || existing.CreditType != creditType || existing.Amount != input.SignedAmount() {
				return ErrDuplicateIdempotencyKey
			}
			granted = existing
			return nil
		}
		granted, err = unit.Apply(ctx, input)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrant,
		UserID:         userID,
		Category:       category,
		Delta:          costOf(creditType, amount),
		IdempotencyKey: idempotencyKey,
		Transactions:   appliedIDs(granted, operationError),
		Error:          operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return granted, nil
}

func reservedIdempotencyKey(key IdempotencyKey) bool {
	for _, prefix := range []string{idempotencyPrefixDaily, idempotencyPrefixRefund} {
		if strings.HasPrefix(key.String(), prefix+idempotencyKeyDelimiter) {
			return true
		}
	}
	return false
}

// RefundTransaction reverses one spend transaction exactly. A transaction is refunded at most once.
func (service *Service) RefundTransaction(ctx context.Context, userID UserID, transactionID TransactionID, note string) (Transaction, error) {
	if transactionID.String() == "" {
		return Transaction{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	refundKey, err := NewIdempotencyKey(idempotencyPrefixRefund + idempotencyKeyDelimiter + transactionID.String())
	if err != nil {
		return Transaction{}, err
	}
	var refund Transaction
	var refunded Cost
	operationError := service.ledger.Mutate(ctx, userID, func(ctx context.Context, unit *LedgerTx) error {
		original, err := unit.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if original.Kind != KindSpend {
			return fmt.Errorf("%w: %s is a %s transaction", ErrNotRefundable, transactionID.String(), original.Kind)
		}
		if _, found, err := unit.FindTransactionByIdempotencyKey(ctx, refundKey); err != nil {
			return err
		} else if found {
			return ErrAlreadyRefunded
		}
		amount := Credits(-original.Amount)
		metadata := Metadata{
			Action:                original.Metadata.Action,
			RelatedEntityType:     original.Metadata.RelatedEntityType,
			RelatedEntityID:       original.Metadata.RelatedEntityID,
			RefundOfTransactionID: transactionID.String(),
			Note:                  note,
		}
		input, err := NewTransactionInput(KindRefund, original.CreditType, amount, CategoryRefund, metadata, refundKey)
		if err != nil {
			return err
		}
		refund, err = unit.Apply(ctx, input)
		if err != nil {
			return err
		}
		refunded = costOf(original.CreditType, amount)
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		operationError = ErrAlreadyRefunded
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationRefund,
		UserID:         userID,
		Category:       CategoryRefund,
		Delta:          refunded,
		IdempotencyKey: refundKey,
		Transactions:   appliedIDs(refund, operationError),
		Error:          operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return refund, nil
}

// AuditReport summarizes a replay of one user's full transaction log.
type AuditReport struct {
	UserID           UserID
	Balance          Balance
	TransactionCount int
	Replayed         Snapshot
	Violations       []string
}

// Consistent reports whether the replay found no violations.
func (report AuditReport) Consistent() bool {
	return len(report.Violations) == 0
}

// AuditUser replays the log oldest-first and checks sequence contiguity, every snapshot,
// and that the final snapshot equals the stored balance.
func (service *Service) AuditUser(ctx context.Context, userID UserID) (AuditReport, error) {
	balance, err := service.ledger.GetBalance(ctx, userID)
	if err != nil {
		return AuditReport{}, err
	}
	report := AuditReport{UserID: userID, Balance: balance}
	if balance.Sequence == 0 {
		return report, nil
	}

	newestFirst := make([]Transaction, 0, balance.Sequence)
	cursor := Cursor{BeforeSequence: balance.Sequence + 1}
	for {
		page, err := service.ledger.ListTransactions(ctx, userID, cursor, auditPageSize)
		if err != nil {
			return AuditReport{}, err
		}
		if len(page) == 0 {
			break
		}
		newestFirst = append(newestFirst, page...)
		cursor = Cursor{BeforeSequence: page[len(page)-1].Sequence}
		if cursor.BeforeSequence <= 1 {
			break
		}
	}

	running := map[CreditType]int64{CreditTypeSCRD: 0, CreditTypeECRD: 0}
	var expectedSequence int64 = 1
	for index := len(newestFirst) - 1; index >= 0; index-- {
		transaction := newestFirst[index]
		if transaction.Sequence != expectedSequence {
			report.Violations = append(report.Violations, fmt.Sprintf("sequence gap: expected %d, found %d", expectedSequence, transaction.Sequence))
			expectedSequence = transaction.Sequence
		}
		expectedSequence++
		if transaction.Kind.Sign()*transaction.Amount < 0 {
			report.Violations = append(report.Violations, fmt.Sprintf("sequence %d: %s amount %d has the wrong sign", transaction.Sequence, transaction.Kind, transaction.Amount))
		}
		running[transaction.CreditType] += transaction.Amount
		for _, creditType := range CreditTypes() {
			if running[creditType] < 0 {
				report.Violations = append(report.Violations, fmt.Sprintf("sequence %d: %s went negative", transaction.Sequence, creditType))
			}
			if transaction.Snapshot.Of(creditType).Int64() != running[creditType] {
				report.Violations = append(report.Violations, fmt.Sprintf("sequence %d: %s snapshot %d, replayed %d", transaction.Sequence, creditType, transaction.Snapshot.Of(creditType), running[creditType]))
			}
		}
		report.TransactionCount++
	}
	report.Replayed = Snapshot{SCRD: Credits(running[CreditTypeSCRD]), ECRD: Credits(running[CreditTypeECRD])}
	if int64(report.TransactionCount) != balance.Sequence {
		report.Violations = append(report.Violations, fmt.Sprintf("balance sequence %d, log holds %d transactions", balance.Sequence, report.TransactionCount))
	}
	if report.Replayed != balance.Snapshot() {
		report.Violations = append(report.Violations, fmt.Sprintf("balance %+v, replayed %+v", balance.Snapshot(), report.Replayed))
	}
	return report, nil
}

func costOf(creditType CreditType, amount Credits) Cost {
	if creditType == CreditTypeECRD {
		return Cost{ECRD: amount}
	}
	return Cost{SCRD: amount}
}

func appliedIDs(transaction Transaction, operationError error) []TransactionID {
	if operationError != nil {
		return nil
	}
	return []TransactionID{transaction.TransactionID}
}
