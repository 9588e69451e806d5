package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
)

// stubStore keeps committed state in memory. Transactions work on a private view and are
// validated at commit the way a database without row locks would: a balance whose sequence
// moved since it was read fails the commit with ErrConcurrentUpdate.
type stubStore struct {
	shared *stubShared
	tx     *stubTx
}

type stubShared struct {
	mutex        sync.Mutex
	balances     map[string]Balance
	transactions map[string][]Transaction
	faults       stubFaults
	commits      int
}

type stubFaults struct {
	lockBalance             error
	getBalance              error
	updateBalance           error
	insertTransaction       error
	getTransaction          error
	findTransaction         error
	latestTransaction       error
	listTransactions        error
	transientUpdateFailures int
	updateCalls             int
}

type stubTx struct {
	balances     map[string]Balance
	baseSequence map[string]int64
	updated      map[string]bool
	transactions map[string][]Transaction
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{shared: &stubShared{
		balances:     make(map[string]Balance),
		transactions: make(map[string][]Transaction),
	}}
}

func (store *stubStore) configure(mutate func(faults *stubFaults)) {
	store.shared.mutex.Lock()
	defer store.shared.mutex.Unlock()
	mutate(&store.shared.faults)
}

func (store *stubStore) fault(selector func(faults *stubFaults) error) error {
	store.shared.mutex.Lock()
	defer store.shared.mutex.Unlock()
	return selector(&store.shared.faults)
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.tx != nil {
		return fn(ctx, store)
	}
	transaction := &stubTx{
		balances:     make(map[string]Balance),
		baseSequence: make(map[string]int64),
		updated:      make(map[string]bool),
		transactions: make(map[string][]Transaction),
	}
	if err := fn(ctx, &stubStore{shared: store.shared, tx: transaction}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	store.shared.mutex.Lock()
	defer store.shared.mutex.Unlock()
	for userID := range transaction.updated {
		if store.shared.balances[userID].Sequence != transaction.baseSequence[userID] {
			return WrapError("store", "balance", "commit", ErrConcurrentUpdate)
		}
	}
	for userID, pending := range transaction.transactions {
		for _, candidate := range pending {
			for _, committed := range store.shared.transactions[userID] {
				if committed.IdempotencyKey == candidate.IdempotencyKey {
					return WrapError("store", "transaction", "duplicate", ErrDuplicateIdempotencyKey)
				}
			}
		}
	}
	for userID := range transaction.updated {
		store.shared.balances[userID] = transaction.balances[userID]
	}
	for userID, pending := range transaction.transactions {
		store.shared.transactions[userID] = append(store.shared.transactions[userID], pending...)
	}
	store.shared.commits++
	return nil
}

func (store *stubStore) LockBalance(_ context.Context, userID UserID) (Balance, error) {
	if err := store.fault(func(faults *stubFaults) error { return faults.lockBalance }); err != nil {
		return Balance{}, err
	}
	if balance, ok := store.tx.balances[userID.String()]; ok {
		return balance, nil
	}
	store.shared.mutex.Lock()
	balance := store.shared.balances[userID.String()]
	store.shared.mutex.Unlock()
	store.tx.balances[userID.String()] = balance
	store.tx.baseSequence[userID.String()] = balance.Sequence
	return balance, nil
}

func (store *stubStore) GetBalance(_ context.Context, userID UserID) (Balance, error) {
	if err := store.fault(func(faults *stubFaults) error { return faults.getBalance }); err != nil {
		return Balance{}, err
	}
	if store.tx != nil {
		if balance, ok := store.tx.balances[userID.String()]; ok {
			return balance, nil
		}
	}
	store.shared.mutex.Lock()
	defer store.shared.mutex.Unlock()
	return store.shared.balances[userID.String()], nil
}

func (store *stubStore) UpdateBalance(_ context.Context, userID UserID, expectedSequence int64, balance Balance) error {
	err := store.fault(func(faults *stubFaults) error {
		faults.updateCalls++
		if faults.transientUpdateFailures > 0 {
			faults.transientUpdateFailures--
			return WrapError("store", "balance", "update", StorageFault(errors.New("connection reset")))
		}
		return faults.updateBalance
	})
	if err != nil {
		return err
	}
	current, ok := store.tx.balances[userID.String()]
	if !ok || current.Sequence != expectedSequence {
		return WrapError("store", "balance", "update", ErrConcurrentUpdate)
	}
	store.tx.balances[userID.String()] = balance
	store.tx.updated[userID.String()] = true
	return nil
}

func (store *stubStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	if err := store.fault(func(faults *stubFaults) error { return faults.insertTransaction }); err != nil {
		return err
	}
	for _, existing := range store.allTransactions(transaction.UserID) {
		if existing.IdempotencyKey == transaction.IdempotencyKey {
			return WrapError("store", "transaction", "duplicate", ErrDuplicateIdempotencyKey)
		}
		if existing.Sequence == transaction.Sequence {
			return WrapError("store", "transaction", "sequence", ErrConcurrentUpdate)
		}
	}
	userID := transaction.UserID.String()
	store.tx.transactions[userID] = append(store.tx.transactions[userID], transaction)
	return nil
}

func (store *stubStore) GetTransaction(_ context.Context, userID UserID, transactionID TransactionID) (Transaction, error) {
	if err := store.fault(func(faults *stubFaults) error { return faults.getTransaction }); err != nil {
		return Transaction{}, err
	}
	for _, transaction := range store.allTransactions(userID) {
		if transaction.TransactionID == transactionID {
			return transaction, nil
		}
	}
	return Transaction{}, WrapError("store", "transaction", "get", ErrUnknownTransaction)
}

func (store *stubStore) FindTransactionByIdempotencyKey(_ context.Context, userID UserID, idempotencyKey IdempotencyKey) (Transaction, bool, error) {
	if err := store.fault(func(faults *stubFaults) error { return faults.findTransaction }); err != nil {
		return Transaction{}, false, err
	}
	for _, transaction := range store.allTransactions(userID) {
		if transaction.IdempotencyKey == idempotencyKey {
			return transaction, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (store *stubStore) LatestTransaction(_ context.Context, userID UserID, kind TransactionKind, category Category) (Transaction, bool, error) {
	if err := store.fault(func(faults *stubFaults) error { return faults.latestTransaction }); err != nil {
		return Transaction{}, false, err
	}
	transactions := store.allTransactions(userID)
	for index := len(transactions) - 1; index >= 0; index-- {
		if transactions[index].Kind == kind && transactions[index].Category == category {
			return transactions[index], true, nil
		}
	}
	return Transaction{}, false, nil
}

func (store *stubStore) ListTransactions(_ context.Context, userID UserID, cursor Cursor, limit int) ([]Transaction, error) {
	if err := store.fault(func(faults *stubFaults) error { return faults.listTransactions }); err != nil {
		return nil, err
	}
	transactions := store.allTransactions(userID)
	page := make([]Transaction, 0, limit)
	for index := len(transactions) - 1; index >= 0 && len(page) < limit; index-- {
		if cursor.BeforeSequence > 0 && transactions[index].Sequence >= cursor.BeforeSequence {
			continue
		}
		page = append(page, transactions[index])
	}
	return page, nil
}

// allTransactions returns committed plus pending rows in ascending sequence order.
func (store *stubStore) allTransactions(userID UserID) []Transaction {
	store.shared.mutex.Lock()
	combined := append([]Transaction(nil), store.shared.transactions[userID.String()]...)
	store.shared.mutex.Unlock()
	if store.tx != nil {
		combined = append(combined, store.tx.transactions[userID.String()]...)
	}
	sort.Slice(combined, func(left, right int) bool {
		return combined[left].Sequence < combined[right].Sequence
	})
	return combined
}

func (store *stubStore) committedTransactions(userID UserID) []Transaction {
	store.shared.mutex.Lock()
	defer store.shared.mutex.Unlock()
	return append([]Transaction(nil), store.shared.transactions[userID.String()]...)
}

func (store *stubStore) committedBalance(userID UserID) Balance {
	store.shared.mutex.Lock()
	defer store.shared.mutex.Unlock()
	return store.shared.balances[userID.String()]
}

func (store *stubStore) updateCalls() int {
	store.shared.mutex.Lock()
	defer store.shared.mutex.Unlock()
	return store.shared.faults.updateCalls
}

type testClock struct {
	unixUTC atomic.Int64
}

func newTestClock(unixUTC int64) *testClock {
	clock := &testClock{}
	clock.unixUTC.Store(unixUTC)
	return clock
}

func (clock *testClock) now() int64 {
	return clock.unixUTC.Load()
}

func (clock *testClock) advance(seconds int64) {
	clock.unixUTC.Add(seconds)
}

const (
	actionImageGeneration = "image-generation"
	actionVideoRender     = "video-render"
	actionPremiumVoice    = "premium-voice"

	// 2026-10-17T10:00:00Z
	baseUnixUTC int64 = 1792231200
)

func testCostTable(test *testing.T) *CostTable {
	test.Helper()
	table, err := NewCostTable([]CostEntry{
		{Action: mustActionID(test, actionImageGeneration), Cost: Cost{SCRD: 1}, Description: "one still image"},
		{Action: mustActionID(test, actionVideoRender), Cost: Cost{SCRD: 2, ECRD: 3}, Description: "render a short clip"},
		{Action: mustActionID(test, actionPremiumVoice), Cost: Cost{ECRD: 5}, Description: "studio voiceover"},
	})
	if err != nil {
		test.Fatalf("cost table: %v", err)
	}
	return table
}

func mustNewLedger(test *testing.T, store Store, clock *testClock, options ...LedgerOption) *Ledger {
	test.Helper()
	options = append([]LedgerOption{WithRetryPolicy(RetryPolicy{MaxAttempts: 3})}, options...)
	ledger, err := NewLedger(store, clock.now, options...)
	if err != nil {
		test.Fatalf("ledger init failed: %v", err)
	}
	return ledger
}

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(mustNewLedger(test, store, clock), testCostTable(test), options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustActionID(test *testing.T, raw string) ActionID {
	test.Helper()
	action, err := NewActionID(raw)
	if err != nil {
		test.Fatalf("action id: %v", err)
	}
	return action
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustCredits(test *testing.T, raw int64) Credits {
	test.Helper()
	amount, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	return amount
}

func mustInput(test *testing.T, kind TransactionKind, creditType CreditType, amount int64, key string) TransactionInput {
	test.Helper()
	input, err := NewTransactionInput(kind, creditType, mustCredits(test, amount), Category("test"), Metadata{}, mustIdempotencyKey(test, key))
	if err != nil {
		test.Fatalf("transaction input: %v", err)
	}
	return input
}

// seedBalance credits a user through the public grant path.
func seedBalance(test *testing.T, service *Service, userID UserID, scrd int64, ecrd int64) {
	test.Helper()
	if scrd > 0 {
		if _, err := service.GrantCredits(context.Background(), userID, KindEarn, CreditTypeSCRD, mustCredits(test, scrd), Category("seed"), Metadata{}, mustIdempotencyKey(test, "seed-scrd-"+userID.String())); err != nil {
			test.Fatalf("seed s_crd: %v", err)
		}
	}
	if ecrd > 0 {
		if _, err := service.GrantCredits(context.Background(), userID, KindPurchase, CreditTypeECRD, mustCredits(test, ecrd), Category("seed"), Metadata{}, mustIdempotencyKey(test, "seed-ecrd-"+userID.String())); err != nil {
			test.Fatalf("seed e_crd: %v", err)
		}
	}
}
