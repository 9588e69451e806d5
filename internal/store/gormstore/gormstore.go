package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/videocredits/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintIdempotencyKey     = "uniq_credit_transactions_user_idem"
	defaultMetadataJSON          = "{}"
	pgUniqueViolationCode        = "23505"
	pgSerializationFailureCode   = "40001"
	pgDeadlockDetectedCode       = "40P01"
	pgConnectionExceptionClass   = "08"
	pgInsufficientResourcesClass = "53"
	pgOperatorInterventionClass  = "57"
	sqliteBusyCode               = 5
	sqliteLockedCode             = 6
	sqliteConstraintCode         = 19
	sqliteIdempotencyColumn      = "idempotency_key"
	errorOperationStore          = "store"
	errorSubjectBalance          = "balance"
	errorSubjectTransaction      = "transaction"
	errorCodeCommit              = "commit"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLock                = "lock"
	errorCodeLookup              = "lookup"
	errorCodeUpdate              = "update"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	var callbackErr error
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		callbackErr = fn(ctx, &Store{db: transaction})
		return callbackErr
	})
	if err != nil && callbackErr == nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, classify(err))
	}
	return err
}

// LockBalance creates the zero row on first use and selects it FOR UPDATE.
func (store *Store) LockBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	seed := Balance{UserID: userID.String(), UpdatedAt: time.Unix(0, 0).UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&seed).Error
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLock, classify(err))
	}
	var row Balance
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.String()).
		Take(&row).Error
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLock, classify(err))
	}
	return mapBalance(row), nil
}

func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	var row Balance
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Balance{}, nil
	}
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, classify(err))
	}
	return mapBalance(row), nil
}

// UpdateBalance writes the new position only if the stored sequence still matches.
func (store *Store) UpdateBalance(ctx context.Context, userID ledger.UserID, expectedSequence int64, balance ledger.Balance) error {
	result := store.db.WithContext(ctx).
		Model(&Balance{}).
		Where("user_id = ? AND sequence = ?", userID.String(), expectedSequence).
		Updates(map[string]interface{}{
			"s_crd":      balance.SCRD.Int64(),
			"e_crd":      balance.ECRD.Int64(),
			"sequence":   balance.Sequence,
			"updated_at": time.Unix(balance.UpdatedUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrConcurrentUpdate)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	row := CreditTransaction{
		TransactionID:  transaction.TransactionID.String(),
		UserID:         transaction.UserID.String(),
		Sequence:       transaction.Sequence,
		Kind:           transaction.Kind.String(),
		Amount:         transaction.Amount,
		CreditType:     transaction.CreditType.String(),
		Category:       transaction.Category.String(),
		Metadata:       datatypesJSON(transaction.Metadata.JSON()),
		IdempotencyKey: transaction.IdempotencyKey.String(),
		SnapshotSCRD:   transaction.Snapshot.SCRD.Int64(),
		SnapshotECRD:   transaction.Snapshot.ECRD.Int64(),
		CreatedAt:      time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, classify(err))
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, userID ledger.UserID, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	var row CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND transaction_id = ?", userID.String(), transactionID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrUnknownTransaction)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, classify(err))
	}
	return mapTransactionRow(row)
}

func (store *Store) FindTransactionByIdempotencyKey(ctx context.Context, userID ledger.UserID, idempotencyKey ledger.IdempotencyKey) (ledger.Transaction, bool, error) {
	return store.findOne(store.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID.String(), idempotencyKey.String()))
}

func (store *Store) LatestTransaction(ctx context.Context, userID ledger.UserID, kind ledger.TransactionKind, category ledger.Category) (ledger.Transaction, bool, error) {
	return store.findOne(store.db.WithContext(ctx).
		Where("user_id = ? AND kind = ? AND category = ?", userID.String(), kind.String(), category.String()).
		Order("sequence DESC"))
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, cursor ledger.Cursor, limit int) ([]ledger.Transaction, error) {
	query := store.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if cursor.BeforeSequence > 0 {
		query = query.Where("sequence < ?", cursor.BeforeSequence)
	}
	var rows []CreditTransaction
	err := query.Order("sequence DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, classify(err))
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransactionRow(row)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) findOne(query *gorm.DB) (ledger.Transaction, bool, error) {
	var row CreditTransaction
	err := query.Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, classify(err))
	}
	transaction, err := mapTransactionRow(row)
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	return transaction, true, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapBalance(row Balance) ledger.Balance {
	return ledger.Balance{
		SCRD:           ledger.Credits(row.SCRD),
		ECRD:           ledger.Credits(row.ECRD),
		Sequence:       row.Sequence,
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}
}

func mapTransactionRow(row CreditTransaction) (ledger.Transaction, error) {
	transaction, err := mapTransaction(row)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func mapTransaction(row CreditTransaction) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(row.TransactionID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	kind, err := ledger.ParseTransactionKind(row.Kind)
	if err != nil {
		return ledger.Transaction{}, err
	}
	creditType, err := ledger.ParseCreditType(row.CreditType)
	if err != nil {
		return ledger.Transaction{}, err
	}
	category, err := ledger.NewCategory(row.Category)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.ParseMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		TransactionID:  transactionID,
		UserID:         userID,
		Sequence:       row.Sequence,
		Kind:           kind,
		Amount:         row.Amount,
		CreditType:     creditType,
		Category:       category,
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		Snapshot: ledger.Snapshot{
			SCRD: ledger.Credits(row.SnapshotSCRD),
			ECRD: ledger.Credits(row.SnapshotECRD),
		},
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode && strings.Contains(sqliteErr.Error(), sqliteIdempotencyColumn)
	}
	return false
}

// classify maps driver errors onto the ledger taxonomy. A unique violation that is not the
// idempotency key means another writer took the same sequence first.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errors.Join(ledger.ErrConcurrentUpdate, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolationCode, pgErr.Code == pgSerializationFailureCode, pgErr.Code == pgDeadlockDetectedCode:
			return errors.Join(ledger.ErrConcurrentUpdate, err)
		case strings.HasPrefix(pgErr.Code, pgConnectionExceptionClass),
			strings.HasPrefix(pgErr.Code, pgInsufficientResourcesClass),
			strings.HasPrefix(pgErr.Code, pgOperatorInterventionClass):
			return ledger.StorageFault(err)
		default:
			return err
		}
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xFF {
		case sqliteConstraintCode:
			return errors.Join(ledger.ErrConcurrentUpdate, err)
		case sqliteBusyCode, sqliteLockedCode:
			return ledger.StorageFault(err)
		default:
			return err
		}
	}
	return ledger.StorageFault(err)
}
