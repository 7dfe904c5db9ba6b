package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

const (
	methodGetWallet                = "GetWallet"
	methodLockWallet               = "LockWallet"
	methodCreateWallet             = "CreateWallet"
	methodUpdateWalletBalances     = "UpdateWalletBalances"
	methodMarkWalletReconciled     = "MarkWalletReconciled"
	methodListWalletUserIDs        = "ListWalletUserIDs"
	methodInsertTransaction        = "InsertTransaction"
	methodFindByIdempotencyKey     = "FindTransactionByIdempotencyKey"
	methodListTransactions         = "ListTransactions"
	methodSumCompletedTransactions = "SumCompletedTransactions"
	methodInsertHold               = "InsertHold"
	methodGetHold                  = "GetHold"
	methodUpdateHoldStatus         = "UpdateHoldStatus"
	methodListActiveHoldsBefore    = "ListActiveHoldsCreatedBefore"
	methodGetSpendProfile          = "GetSpendProfile"
	methodSaveSpendProfile         = "SaveSpendProfile"
	methodInsertAuditRecord        = "InsertAuditRecord"
)

var (
	errStoreFailure = errors.New("store error")
	testEpoch       = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
)

type stubState struct {
	wallets      map[UserID]Wallet
	transactions []Transaction
	holds        map[HoldID]Hold
	profiles     map[UserID]SpendProfile
	audits       []AuditRecord
}

func (state stubState) clone() stubState {
	cloned := stubState{
		wallets:      make(map[UserID]Wallet, len(state.wallets)),
		transactions: append([]Transaction(nil), state.transactions...),
		holds:        make(map[HoldID]Hold, len(state.holds)),
		profiles:     make(map[UserID]SpendProfile, len(state.profiles)),
		audits:       append([]AuditRecord(nil), state.audits...),
	}
	for key, value := range state.wallets {
		cloned.wallets[key] = value
	}
	for key, value := range state.holds {
		cloned.holds[key] = value
	}
	for key, value := range state.profiles {
		cloned.profiles[key] = value
	}
	return cloned
}

// stubStore keeps state in memory; WithTx serializes units of work and restores state on error.
type stubStore struct {
	txMutex sync.Mutex
	mutex   sync.Mutex
	state   stubState

	failures          map[string]error
	dropWalletCreates bool
	missedLookups     int
	listLimits        []int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		state: stubState{
			wallets:  map[UserID]Wallet{},
			holds:    map[HoldID]Hold{},
			profiles: map[UserID]SpendProfile{},
		},
		failures: map[string]error{},
	}
}

func (store *stubStore) failOn(method string, err error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.failures[method] = err
}

func (store *stubStore) failure(method string) error {
	return store.failures[method]
}

func (store *stubStore) seedWallet(test *testing.T, rawUserID string, balance int64, held int64) UserID {
	test.Helper()
	userID := mustUserID(test, rawUserID)
	wallet, err := NewWallet(userID, Coins(balance), Coins(held), nil, testEpoch)
	if err != nil {
		test.Fatalf("seed wallet: %v", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.state.wallets[userID] = wallet
	return userID
}

func (store *stubStore) wallet(test *testing.T, userID UserID) Wallet {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	wallet, ok := store.state.wallets[userID]
	if !ok {
		test.Fatalf("wallet %s not found", userID.String())
	}
	return wallet
}

func (store *stubStore) transactionCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.state.transactions)
}

func (store *stubStore) auditRecords() []AuditRecord {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return append([]AuditRecord(nil), store.state.audits...)
}

func (store *stubStore) profile(userID UserID) (SpendProfile, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	profile, ok := store.state.profiles[userID]
	return profile, ok
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMutex.Lock()
	defer store.txMutex.Unlock()
	store.mutex.Lock()
	snapshot := store.state.clone()
	store.mutex.Unlock()
	if err := fn(ctx, store); err != nil {
		store.mutex.Lock()
		store.state = snapshot
		store.mutex.Unlock()
		return err
	}
	return nil
}

func (store *stubStore) GetWallet(ctx context.Context, userID UserID) (Wallet, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failure(methodGetWallet); err != nil {
		return Wallet{}, err
	}
	wallet, ok := store.state.wallets[userID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return wallet, nil
}

func (store *stubStore) LockWallet(ctx context.Context, userID UserID) (Wallet, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failure(methodLockWallet); err != nil {
		return Wallet{}, err
	}
	wallet, ok := store.state.wallets[userID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return wallet, nil
}

func (store *stubStore) CreateWallet(ctx context.Context, userID UserID, createdAt time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failure(methodCreateWallet); err != nil {
		return err
	}
	if store.dropWalletCreates {
		return nil
	}
	if _, ok := store.state.wallets[userID]; ok {
		return nil
	}
	store.state.wallets[userID] = Wallet{UserID: userID, CreatedAt: createdAt}
	return nil
}

func (store *stubStore) UpdateWalletBalances(ctx context.Context, userID UserID, balance Coins, heldBalance Coins, updatedAt time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failure(methodUpdateWalletBalances); err != nil {
		return err
	}
	wallet, ok := store.state.wallets[userID]
	if !ok {
		return ErrWalletNotFound
	}
	if balance < 0 || heldBalance < 0 || heldBalance > balance {
		return fmt.Errorf("check constraint: %w", ErrInvalidBalance)
	}
	wallet.Balance = balance
	wallet.HeldBalance = heldBalance
	store.state.wallets[userID] = wallet
	return nil
}

func (store *stubStore) MarkWalletReconciled(ctx context.Context, userID UserID, reconciledAt time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failure(methodMarkWalletReconciled); err != nil {
		return err
	}
	wallet, ok := store.state.wallets[userID]
	if !ok {
		return ErrWalletNotFound
	}
	wallet.LastReconciledAt = &reconciledAt
	store.state.wallets[userID] = wallet
	return nil
}

func (store *stubStore) ListWalletUserIDs(ctx context.Context, afterUserID string, limit int) ([]UserID, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failure(methodListWalletUserIDs); err != nil {
		return nil, err
	}
	var userIDs []UserID
	for userID := range store.state.wallets {
		if userID.String() > afterUserID {
			userIDs = append(userIDs, userID)
		}
	}
	sort.Slice(userIDs, func(left, right int) bool {
		return userIDs[left].String() < userIDs[right].String()
	})
	if len(userIDs) > limit {
		userIDs = userIDs[:limit]
	}
	return userIDs, nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failure(methodInsertTransaction); err != nil {
		return err
	}
	for _, existing := range store.state.transactions {
		if existing.IdempotencyKey == transaction.IdempotencyKey {
			return WrapError("store", "transaction", "insert", ErrDuplicateIdempotencyKey)
		}
	}
	store.state.transactions = append(store.state.transactions, transaction)
	return nil
}

func (store *stubStore) GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, transaction := range store.state.transactions {
		if transaction.ID == transactionID {
			return transaction, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (store *stubStore) FindTransactionByIdempotencyKey(ctx context.Context, idempotencyKey IdempotencyKey) (Transaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failure(methodFindByIdempotencyKey); err != nil {
		return Transaction{}, err
	}
	if store.missedLookups > 0 {
		store.missedLookups--
		return Transaction{}, ErrTransactionNotFound
	}
	for _, transaction := range store.state.transactions {
		if transaction.IdempotencyKey == idempotencyKey {
			return transaction, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (store *stubStore) ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failure(methodListTransactions); err != nil {
		return nil, err
	}
	store.listLimits = append(store.listLimits, limit)
	var transactions []Transaction
	for index := len(store.state.transactions) - 1; index >= 0 && len(transactions) < limit; index-- {
		if store.state.transactions[index].UserID == userID {
			transactions = append(transactions, store.state.transactions[index])
		}
	}
	return transactions, nil
}

func (store *stubStore) SumCompletedTransactions(ctx context.Context, userID UserID) (SignedCoins, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failure(methodSumCompletedTransactions); err != nil {
		return 0, err
	}
	var total SignedCoins
	for _, transaction := range store.state.transactions {
		if transaction.UserID == userID && transaction.Status == TransactionStatusCompleted {
			total += transaction.Amount
		}
	}
	return total, nil
}

func (store *stubStore) InsertHold(ctx context.Context, hold Hold) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failure(methodInsertHold); err != nil {
		return err
	}
	store.state.holds[hold.ID] = hold
	return nil
}

func (store *stubStore) GetHold(ctx context.Context, holdID HoldID) (Hold, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failure(methodGetHold); err != nil {
		return Hold{}, err
	}
	hold, ok := store.state.holds[holdID]
	if !ok {
		return Hold{}, ErrHoldNotFound
	}
	return hold, nil
}

func (store *stubStore) UpdateHoldStatus(ctx context.Context, holdID HoldID, from HoldStatus, to HoldStatus, changedAt time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failure(methodUpdateHoldStatus); err != nil {
		return err
	}
	hold, ok := store.state.holds[holdID]
	if !ok || hold.Status != from {
		return ErrHoldNotActive
	}
	hold.Status = to
	switch to {
	case HoldStatusSettled:
		hold.SettledAt = &changedAt
	case HoldStatusReleased:
		hold.ReleasedAt = &changedAt
	}
	store.state.holds[holdID] = hold
	return nil
}

func (store *stubStore) activeHolds(filter func(Hold) bool) []Hold {
	var holds []Hold
	for _, hold := range store.state.holds {
		if hold.Status == HoldStatusActive && filter(hold) {
			holds = append(holds, hold)
		}
	}
	sort.Slice(holds, func(left, right int) bool {
		if holds[left].CreatedAt.Equal(holds[right].CreatedAt) {
			return holds[left].ID.String() < holds[right].ID.String()
		}
		return holds[left].CreatedAt.Before(holds[right].CreatedAt)
	})
	return holds
}

func (store *stubStore) ListActiveHolds(ctx context.Context, userID UserID) ([]Hold, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.activeHolds(func(hold Hold) bool { return hold.UserID == userID }), nil
}

func (store *stubStore) ListActiveHoldsCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Hold, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failure(methodListActiveHoldsBefore); err != nil {
		return nil, err
	}
	holds := store.activeHolds(func(hold Hold) bool { return hold.CreatedAt.Before(cutoff) })
	if len(holds) > limit {
		holds = holds[:limit]
	}
	return holds, nil
}

func (store *stubStore) GetSpendProfile(ctx context.Context, userID UserID) (SpendProfile, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failure(methodGetSpendProfile); err != nil {
		return SpendProfile{}, err
	}
	profile, ok := store.state.profiles[userID]
	if !ok {
		return SpendProfile{UserID: userID, Tier: TierStarter}, nil
	}
	return profile, nil
}

func (store *stubStore) SaveSpendProfile(ctx context.Context, profile SpendProfile, updatedAt time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failure(methodSaveSpendProfile); err != nil {
		return err
	}
	store.state.profiles[profile.UserID] = profile
	return nil
}

func (store *stubStore) InsertAuditRecord(ctx context.Context, record AuditRecord) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failure(methodInsertAuditRecord); err != nil {
		return err
	}
	store.state.audits = append(store.state.audits, record)
	return nil
}

func fixedClock() time.Time {
	return testEpoch
}

func sequentialIDs(prefix string) func() string {
	var mutex sync.Mutex
	counter := 0
	return func() string {
		mutex.Lock()
		defer mutex.Unlock()
		counter++
		return fmt.Sprintf("%s-%03d", prefix, counter)
	}
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithIDGenerator(sequentialIDs("id"))}, options...)
	service, err := NewService(store, fixedClock, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
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

func mustIdempotencyKey(test *testing.T, raw string) *IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return &key
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustCreateTransaction(test *testing.T, service *Service, request TransactionRequest) Transaction {
	test.Helper()
	transaction, err := service.CreateTransaction(context.Background(), request)
	if err != nil {
		test.Fatalf("create transaction: %v", err)
	}
	return transaction
}

func mustCreateHold(test *testing.T, service *Service, userID UserID, amount int64, purpose HoldPurpose) Hold {
	test.Helper()
	hold, err := service.CreateHold(context.Background(), HoldRequest{UserID: userID, Amount: PositiveCoins(amount), Purpose: purpose})
	if err != nil {
		test.Fatalf("create hold: %v", err)
	}
	return hold
}

func int64Pointer(value int64) *int64 {
	return &value
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) operations(operation string) []OperationLog {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	var matched []OperationLog
	for _, entry := range logger.entries {
		if entry.Operation == operation {
			matched = append(matched, entry)
		}
	}
	return matched
}

type recordingPublisher struct {
	mutex  sync.Mutex
	events []LedgerEvent
	err    error
}

func (publisher *recordingPublisher) PublishLedgerEvent(_ context.Context, event LedgerEvent) error {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	if publisher.err != nil {
		return publisher.err
	}
	publisher.events = append(publisher.events, event)
	return nil
}

type failingAuditLogger struct {
	err error
}

func (auditLogger failingAuditLogger) LogAudit(context.Context, AuditRecord) error {
	return auditLogger.err
}
