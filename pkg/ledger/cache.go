package ledger

import "context"

// BalanceCache is a non-authoritative cache of wallet balances.
type BalanceCache interface {
	GetBalance(ctx context.Context, userID UserID) (Coins, bool, error)
	SetBalance(ctx context.Context, userID UserID, balance Coins) error
	InvalidateBalance(ctx context.Context, userID UserID) error
}

// BalanceLocker provides a short per-user advisory lock.
type BalanceLocker interface {
	LockBalance(ctx context.Context, userID UserID) (unlock func(), err error)
}

func (service *Service) cachedBalance(ctx context.Context, userID UserID) (Coins, bool) {
	if service.cache == nil {
		return 0, false
	}
	balance, found, err := service.cache.GetBalance(ctx, userID)
	if err != nil || !found {
		return 0, false
	}
	return balance, true
}

// fillBalanceCache reports whether an entry was written.
func (service *Service) fillBalanceCache(ctx context.Context, userID UserID, balance Coins) bool {
	if service.cache == nil {
		return false
	}
	return service.cache.SetBalance(ctx, userID, balance) == nil
}

func (service *Service) lockBalance(ctx context.Context, userID UserID) func() {
	if service.locker == nil {
		return func() {}
	}
	unlock, err := service.locker.LockBalance(ctx, userID)
	if err != nil || unlock == nil {
		return func() {}
	}
	return unlock
}

func (service *Service) invalidateBalance(ctx context.Context, userID UserID) {
	if service.cache == nil {
		return
	}
	if err := service.cache.InvalidateBalance(ctx, userID); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationInvalidateCache,
			UserID:    userID,
			Error:     err,
		})
	}
}
