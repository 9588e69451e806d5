package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"github.com/MarkoPoloResearchLab/videocredits/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const (
	constraintIdempotencyKey     = "uniq_credit_transactions_user_idem"
	pgUniqueViolationCode        = "23505"
	pgSerializationFailureCode   = "40001"
	pgDeadlockDetectedCode       = "40P01"
	pgConnectionExceptionClass   = "08"
	pgInsufficientResourcesClass = "53"
	pgOperatorInterventionClass  = "57"
	errorOperationStore          = "store"
	errorSubjectBalance          = "balance"
	errorSubjectSchema           = "schema"
	errorSubjectTransaction      = "transaction"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeDuplicate           = "duplicate"
	errorCodeEnsure              = "ensure"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLock                = "lock"
	errorCodeLookup              = "lookup"
	errorCodeUpdate              = "update"

	sqlInsertBalanceIfAbsent = `
		insert into balances(user_id) values($1)
		on conflict (user_id) do nothing
	`

	sqlSelectBalanceForUpdate = `
		select s_crd, e_crd, sequence, extract(epoch from updated_at)::bigint
		from balances
		where user_id = $1
		for update
	`

	sqlSelectBalance = `
		select s_crd, e_crd, sequence, extract(epoch from updated_at)::bigint
		from balances
		where user_id = $1
	`

	sqlUpdateBalance = `
		update balances
		set s_crd = $3, e_crd = $4, sequence = $5, updated_at = to_timestamp($6)
		where user_id = $1 and sequence = $2
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, user_id, sequence, kind, amount, credit_type, category,
			metadata, idempotency_key, snapshot_s_crd, snapshot_e_crd, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6, $7,
			coalesce(nullif($8,''),'{}')::jsonb, $9, $10, $11,
			to_timestamp($12)
		)
	`

	sqlTransactionColumns = `
		select
			transaction_id,
			user_id,
			sequence,
			kind,
			amount,
			credit_type,
			category,
			coalesce(metadata::text,'{}'),
			idempotency_key,
			snapshot_s_crd,
			snapshot_e_crd,
			extract(epoch from created_at)::bigint
		from credit_transactions
	`

	sqlSelectTransaction = sqlTransactionColumns + `
		where user_id = $1 and transaction_id = $2
	`

	sqlSelectTransactionByKey = sqlTransactionColumns + `
		where user_id = $1 and idempotency_key = $2
	`

	sqlSelectLatestTransaction = sqlTransactionColumns + `
		where user_id = $1 and kind = $2 and category = $3
		order by sequence desc
		limit 1
	`

	sqlListTransactionsBefore = sqlTransactionColumns + `
		where user_id = $1 and ($2::bigint = 0 or sequence < $2::bigint)
		order by sequence desc
		limit $3
	`
)

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

type queries struct {
	db queryer
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// EnsureSchema creates the balances and credit_transactions tables when missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, classify(err))
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, classify(err))
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, classify(err))
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

// LockBalance creates the zero row on first use and holds it FOR UPDATE until the transaction ends.
// Outside a transaction the row lock is released immediately.
func (store queries) LockBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	if _, err := store.db.Exec(ctx, sqlInsertBalanceIfAbsent, userID.String()); err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLock, classify(err))
	}
	balance, err := scanBalance(store.db.QueryRow(ctx, sqlSelectBalanceForUpdate, userID.String()))
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLock, classify(err))
	}
	return balance, nil
}

func (store queries) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	balance, err := scanBalance(store.db.QueryRow(ctx, sqlSelectBalance, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{}, nil
	}
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, classify(err))
	}
	return balance, nil
}

func (store queries) UpdateBalance(ctx context.Context, userID ledger.UserID, expectedSequence int64, balance ledger.Balance) error {
	tag, err := store.db.Exec(ctx, sqlUpdateBalance,
		userID.String(),
		expectedSequence,
		balance.SCRD.Int64(),
		balance.ECRD.Int64(),
		balance.Sequence,
		balance.UpdatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrConcurrentUpdate)
	}
	return nil
}

func (store queries) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID.String(),
		transaction.UserID.String(),
		transaction.Sequence,
		transaction.Kind.String(),
		transaction.Amount,
		transaction.CreditType.String(),
		transaction.Category.String(),
		transaction.Metadata.JSON(),
		transaction.IdempotencyKey.String(),
		transaction.Snapshot.SCRD.Int64(),
		transaction.Snapshot.ECRD.Int64(),
		transaction.CreatedUnixUTC,
	)
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, classify(err))
	}
	return nil
}

func (store queries) GetTransaction(ctx context.Context, userID ledger.UserID, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	transaction, found, err := store.queryOne(ctx, sqlSelectTransaction, userID.String(), transactionID.String())
	if err != nil {
		return ledger.Transaction{}, err
	}
	if !found {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrUnknownTransaction)
	}
	return transaction, nil
}

func (store queries) FindTransactionByIdempotencyKey(ctx context.Context, userID ledger.UserID, idempotencyKey ledger.IdempotencyKey) (ledger.Transaction, bool, error) {
	return store.queryOne(ctx, sqlSelectTransactionByKey, userID.String(), idempotencyKey.String())
}

func (store queries) LatestTransaction(ctx context.Context, userID ledger.UserID, kind ledger.TransactionKind, category ledger.Category) (ledger.Transaction, bool, error) {
	return store.queryOne(ctx, sqlSelectLatestTransaction, userID.String(), kind.String(), category.String())
}

func (store queries) ListTransactions(ctx context.Context, userID ledger.UserID, cursor ledger.Cursor, limit int) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactionsBefore, userID.String(), cursor.BeforeSequence, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, classify(err))
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func (store queries) queryOne(ctx context.Context, sql string, arguments ...any) (ledger.Transaction, bool, error) {
	rows, err := store.db.Query(ctx, sql, arguments...)
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, classify(err))
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	if len(transactions) == 0 {
		return ledger.Transaction{}, false, nil
	}
	return transactions[0], true, nil
}

func scanBalance(row pgx.Row) (ledger.Balance, error) {
	var (
		scrdValue      int64
		ecrdValue      int64
		sequenceValue  int64
		updatedUnixUTC int64
	)
	if err := row.Scan(&scrdValue, &ecrdValue, &sequenceValue, &updatedUnixUTC); err != nil {
		return ledger.Balance{}, err
	}
	return ledger.Balance{
		SCRD:           ledger.Credits(scrdValue),
		ECRD:           ledger.Credits(ecrdValue),
		Sequence:       sequenceValue,
		UpdatedUnixUTC: updatedUnixUTC,
	}, nil
}

func scanTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, 32)
	for rows.Next() {
		var (
			transactionIDValue string
			userIDValue        string
			sequenceValue      int64
			kindValue          string
			amountValue        int64
			creditTypeValue    string
			categoryValue      string
			metadataValue      string
			idempotencyValue   string
			snapshotSCRD       int64
			snapshotECRD       int64
			createdAtUnixUTC   int64
		)
		if err := rows.Scan(
			&transactionIDValue,
			&userIDValue,
			&sequenceValue,
			&kindValue,
			&amountValue,
			&creditTypeValue,
			&categoryValue,
			&metadataValue,
			&idempotencyValue,
			&snapshotSCRD,
			&snapshotECRD,
			&createdAtUnixUTC,
		); err != nil {
			return nil, err
		}
		transactionID, err := ledger.NewTransactionID(transactionIDValue)
		if err != nil {
			return nil, err
		}
		userID, err := ledger.NewUserID(userIDValue)
		if err != nil {
			return nil, err
		}
		kind, err := ledger.ParseTransactionKind(kindValue)
		if err != nil {
			return nil, err
		}
		creditType, err := ledger.ParseCreditType(creditTypeValue)
		if err != nil {
			return nil, err
		}
		category, err := ledger.NewCategory(categoryValue)
		if err != nil {
			return nil, err
		}
		metadata, err := ledger.ParseMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		idempotencyKey, err := ledger.NewIdempotencyKey(idempotencyValue)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, ledger.Transaction{
			TransactionID:  transactionID,
			UserID:         userID,
			Sequence:       sequenceValue,
			Kind:           kind,
			Amount:         amountValue,
			CreditType:     creditType,
			Category:       category,
			Metadata:       metadata,
			IdempotencyKey: idempotencyKey,
			CreatedUnixUTC: createdAtUnixUTC,
			Snapshot:       ledger.Snapshot{SCRD: ledger.Credits(snapshotSCRD), ECRD: ledger.Credits(snapshotECRD)},
		})
	}
	return transactions, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintIdempotencyKey
	}
	return false
}

// classify maps pgx errors onto the ledger taxonomy. Errors that never reached the server
// count as storage faults.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ledger.StorageFault(err)
	}
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
