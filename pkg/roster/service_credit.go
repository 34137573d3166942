package roster

import "context"

// CheckAndResetIfNewWeek force-sets every metered balance to the configured
// weekly default when the release week has rolled over since the last reset.
// The week key is compare-and-swapped inside the transaction, so concurrent
// callers observing the same stale key elect exactly one winner: the reset
// runs at most once per release week no matter how many request paths probe
// it.
func (service *Service) CheckAndResetIfNewWeek(ctx context.Context) (bool, error) {
	resetPerformed := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		config, err := service.schedulingConfig(ctx, txStore)
		if err != nil {
			return err
		}
		weekKey := CurrentWeek(config.ReleaseDay, service.nowFn(), service.weekLocation).Key()
		if config.LastResetWeekKey == weekKey {
			return nil
		}
		swapped, err := txStore.CompareAndSwapConfigValue(ctx, configKeyLastResetWeekKey, config.LastResetWeekKey, weekKey)
		if err != nil {
			return err
		}
		if !swapped {
			// A concurrent caller won the swap; its transaction carries the reset.
			return nil
		}
		if err := txStore.ResetAllBalances(ctx, config.DefaultWeeklyCredits); err != nil {
			return err
		}
		resetPerformed = true
		return nil
	})
	if resetPerformed || operationError != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationWeeklyReset,
			Error:     operationError,
		})
	}
	return resetPerformed, operationError
}

// CreditBalance returns the owner's credit account, creating it at the
// configured default when the owner has never been metered before.
func (service *Service) CreditBalance(ctx context.Context, owner OwnerID) (CreditAccount, error) {
	if _, err := service.CheckAndResetIfNewWeek(ctx); err != nil {
		return CreditAccount{}, err
	}
	var account CreditAccount
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		config, err := service.schedulingConfig(ctx, txStore)
		if err != nil {
			return err
		}
		if err := txStore.EnsureCreditAccount(ctx, owner, config.DefaultWeeklyCredits); err != nil {
			return err
		}
		stored, found, err := txStore.GetCreditAccount(ctx, owner)
		if err != nil {
			return err
		}
		if !found {
			return WrapError("credit", "account", "missing", ErrNotFound)
		}
		account = stored
		return nil
	})
	if err != nil {
		return CreditAccount{}, err
	}
	return account, nil
}

// chargeIfAffordable deducts amount from the owner's balance inside the
// caller's transaction. Non-metered roles always pass without a balance
// change. Returns the credits actually charged.
func (service *Service) chargeIfAffordable(ctx context.Context, txStore Store, owner OwnerID, role Role, amount int64) (int64, error) {
	if !role.Metered() {
		return 0, nil
	}
	config, err := service.schedulingConfig(ctx, txStore)
	if err != nil {
		return 0, err
	}
	if err := txStore.EnsureCreditAccount(ctx, owner, config.DefaultWeeklyCredits); err != nil {
		return 0, err
	}
	charged, err := txStore.DeductCredits(ctx, owner, amount)
	if err != nil {
		return 0, err
	}
	if !charged {
		return 0, ErrInsufficientCredits
	}
	return amount, nil
}
