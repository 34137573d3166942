package roster

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Service contains the scheduling and currency domain logic over a Store.
// All recomputation is pull-based: week resets and currency refreshes run on
// the request path, never on a timer.
type Service struct {
	store        Store
	nowFn        func() time.Time
	weekLocation *time.Location
	logger       OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, weekLocation: time.UTC}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// today returns the current calendar day in the service's reference location.
func (service *Service) today() Date {
	return DateOf(service.nowFn().In(service.weekLocation))
}

// SchedulingConfig reads the persisted scheduling settings, applying
// defaults for keys that have never been written.
func (service *Service) SchedulingConfig(ctx context.Context) (SchedulingConfig, error) {
	if _, err := service.CheckAndResetIfNewWeek(ctx); err != nil {
		return SchedulingConfig{}, err
	}
	return service.schedulingConfig(ctx, service.store)
}

func (service *Service) schedulingConfig(ctx context.Context, store Store) (SchedulingConfig, error) {
	config := SchedulingConfig{
		ReleaseDay:           DefaultReleaseDay,
		DefaultWeeklyCredits: DefaultWeeklyCredits,
	}
	if raw, found, err := store.GetConfigValue(ctx, configKeyReleaseDay); err != nil {
		return SchedulingConfig{}, err
	} else if found {
		day, parseErr := strconv.Atoi(raw)
		if parseErr != nil || day < 0 || day > 6 {
			return SchedulingConfig{}, WrapError("config", "release_day", "corrupt", ErrValidation)
		}
		config.ReleaseDay = time.Weekday(day)
	}
	if raw, found, err := store.GetConfigValue(ctx, configKeyDefaultWeeklyCredits); err != nil {
		return SchedulingConfig{}, err
	} else if found {
		credits, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil || credits < 0 {
			return SchedulingConfig{}, WrapError("config", "default_credits", "corrupt", ErrValidation)
		}
		config.DefaultWeeklyCredits = credits
	}
	if raw, found, err := store.GetConfigValue(ctx, configKeyLastResetWeekKey); err != nil {
		return SchedulingConfig{}, err
	} else if found {
		config.LastResetWeekKey = raw
	}
	return config, nil
}

// SetReleaseDay persists the weekly release day (0 = Sunday .. 6 = Saturday).
func (service *Service) SetReleaseDay(ctx context.Context, day int) error {
	if day < 0 || day > 6 {
		return fmt.Errorf("%w: release day must be between 0 and 6, got %d", ErrValidation, day)
	}
	return service.store.SetConfigValue(ctx, configKeyReleaseDay, strconv.Itoa(day))
}

// SetDefaultWeeklyCredits persists the balance every metered account is
// force-set to at the weekly reset.
func (service *Service) SetDefaultWeeklyCredits(ctx context.Context, credits int64) error {
	if credits < 0 {
		return fmt.Errorf("%w: default weekly credits must not be negative, got %d", ErrValidation, credits)
	}
	return service.store.SetConfigValue(ctx, configKeyDefaultWeeklyCredits, strconv.FormatInt(credits, 10))
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
