package ledger

import (
	"context"
	"testing"
	"time"
)

func TestSweepStaleHoldsReleasesOldHolds(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := store.seedWallet(test, "sweep-user", 100, 0)
	ids := sequentialIDs("hold")
	earlier, err := NewService(store, func() time.Time { return testEpoch.Add(-2 * time.Hour) }, WithIDGenerator(ids))
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	stale := mustCreateHold(test, earlier, userID, 30, HoldPurposeCall)
	service := mustNewService(test, store, WithIDGenerator(ids))
	fresh := mustCreateHold(test, service, userID, 20, HoldPurposeCall)

	result, err := service.SweepStaleHolds(context.Background(), time.Hour, 0)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if result.Released != 1 || len(result.Failures) != 0 {
		test.Fatalf("unexpected result %+v", result)
	}
	staleHold, _ := service.Hold(context.Background(), stale.ID)
	freshHold, _ := service.Hold(context.Background(), fresh.ID)
	if staleHold.Status != HoldStatusReleased || freshHold.Status != HoldStatusActive {
		test.Fatalf("expected only the stale hold released: %s/%s", staleHold.Status, freshHold.Status)
	}
	if wallet := store.wallet(test, userID); wallet.HeldBalance != 20 {
		test.Fatalf("expected held 20, got %d", wallet.HeldBalance)
	}
}

func TestSweepStaleHoldsDisabled(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.failOn(methodListActiveHoldsBefore, errStoreFailure)
	service := mustNewService(test, store)

	result, err := service.SweepStaleHolds(context.Background(), 0, 10)
	if err != nil {
		test.Fatalf("disabled sweep must not touch the store: %v", err)
	}
	if result.Released != 0 {
		test.Fatalf("unexpected result %+v", result)
	}
}

func TestSweepStaleHoldsCollectsFailures(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := store.seedWallet(test, "sweep-fail", 100, 0)
	earlier, err := NewService(store, func() time.Time { return testEpoch.Add(-48 * time.Hour) }, WithIDGenerator(sequentialIDs("old")))
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	mustCreateHold(test, earlier, userID, 10, HoldPurposeMessage)
	store.failOn(methodUpdateHoldStatus, errStoreFailure)
	service := mustNewService(test, store)

	result, err := service.SweepStaleHolds(context.Background(), 24*time.Hour, 10)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if len(result.Failures) != 1 || result.Released != 0 {
		test.Fatalf("expected one failure, got %+v", result)
	}
}
