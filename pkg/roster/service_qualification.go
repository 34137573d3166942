package roster

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QualificationsForOwner recomputes currency for each of the owner's
// qualifications from its drive-log history, persists any change, and
// returns the records annotated with their derived status.
func (service *Service) QualificationsForOwner(ctx context.Context, owner OwnerID) ([]QualificationView, error) {
	qualifications, err := service.store.ListQualificationsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	return service.refreshQualifications(ctx, qualifications)
}

// AllQualifications is the elevated-role variant across every owner.
func (service *Service) AllQualifications(ctx context.Context) ([]QualificationView, error) {
	qualifications, err := service.store.ListQualifications(ctx)
	if err != nil {
		return nil, err
	}
	return service.refreshQualifications(ctx, qualifications)
}

func (service *Service) refreshQualifications(ctx context.Context, qualifications []Qualification) ([]QualificationView, error) {
	views := make([]QualificationView, 0, len(qualifications))
	for _, qualification := range qualifications {
		view, err := service.refreshQualification(ctx, qualification)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

func (service *Service) refreshQualification(ctx context.Context, qualification Qualification) (QualificationView, error) {
	refreshed := qualification
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		logs, err := txStore.ListDriveLogs(ctx, qualification.OwnerID, qualification.VehicleClass)
		if err != nil {
			return err
		}
		result := RecomputeCurrency(qualification.QualifiedOn, logs)
		if !result.Expiry.Equal(qualification.CurrencyExpiry) || !datePtrEqual(result.LastValidDrive, qualification.LastValidDrive) {
			if err := txStore.UpdateQualificationCurrency(ctx, qualification.ID, result.Expiry, result.LastValidDrive); err != nil {
				return err
			}
		}
		refreshed.CurrencyExpiry = result.Expiry
		refreshed.LastValidDrive = result.LastValidDrive
		return nil
	})
	if err != nil {
		return QualificationView{}, err
	}
	status, daysRemaining := CurrencyStatusOf(refreshed.CurrencyExpiry, service.today())
	return QualificationView{Qualification: refreshed, Status: status, DaysRemaining: daysRemaining}, nil
}

// CreateQualification registers a qualification for an owner. Administrative
// operation; at most one active record per (owner, vehicle class).
func (service *Service) CreateQualification(ctx context.Context, owner OwnerID, vehicleClass VehicleClass, qualifiedOn Date) (Qualification, error) {
	if qualifiedOn.IsZero() {
		return Qualification{}, fmt.Errorf("%w: qualified-on date is required", ErrValidation)
	}
	qualification := Qualification{
		ID:             uuid.NewString(),
		OwnerID:        owner,
		VehicleClass:   vehicleClass,
		QualifiedOn:    qualifiedOn,
		CurrencyExpiry: qualifiedOn.AddDays(CurrencyWindowDays),
	}
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		_, found, err := txStore.GetQualification(ctx, owner, vehicleClass)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: qualification for %s already exists", ErrValidation, vehicleClass)
		}
		return txStore.InsertQualification(ctx, qualification)
	})
	if err != nil {
		return Qualification{}, err
	}
	return qualification, nil
}

// AppendDriveLog records a completed drive against the owner's qualification
// and recomputes its currency. Drives against a qualification whose currency
// has already lapsed are rejected: a lapsed qualification needs an
// administrative requalification, not more mileage.
func (service *Service) AppendDriveLog(ctx context.Context, owner OwnerID, vehicleClass VehicleClass, driveDate Date, distanceKm decimal.Decimal) (QualificationView, error) {
	var view QualificationView
	operationError := func() error {
		if distanceKm.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("%w: distance must be greater than zero", ErrValidation)
		}
		today := service.today()
		if driveDate.After(today) {
			return fmt.Errorf("%w: drive date cannot be in the future", ErrValidation)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			qualification, found, err := txStore.GetQualification(ctx, owner, vehicleClass)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: no qualification for vehicle class %s", ErrNotFound, vehicleClass)
			}
			logs, err := txStore.ListDriveLogs(ctx, owner, vehicleClass)
			if err != nil {
				return err
			}
			current := RecomputeCurrency(qualification.QualifiedOn, logs)
			if status, _ := CurrencyStatusOf(current.Expiry, today); status == CurrencyExpired {
				return fmt.Errorf("%w: currency lapsed on %s", ErrExpiredCurrency, current.Expiry)
			}
			entry := DriveLogEntry{
				ID:           uuid.NewString(),
				OwnerID:      owner,
				VehicleClass: vehicleClass,
				Date:         driveDate,
				DistanceKm:   distanceKm,
				CreatedAt:    service.nowFn().UTC(),
			}
			if err := txStore.InsertDriveLog(ctx, entry); err != nil {
				return err
			}
			result := RecomputeCurrency(qualification.QualifiedOn, append(logs, entry))
			if err := txStore.UpdateQualificationCurrency(ctx, qualification.ID, result.Expiry, result.LastValidDrive); err != nil {
				return err
			}
			qualification.CurrencyExpiry = result.Expiry
			qualification.LastValidDrive = result.LastValidDrive
			status, daysRemaining := CurrencyStatusOf(result.Expiry, today)
			view = QualificationView{Qualification: qualification, Status: status, DaysRemaining: daysRemaining}
			return nil
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:    operationDriveLog,
		Owner:        owner,
		VehicleClass: vehicleClass,
		Error:        operationError,
	})
	if operationError != nil {
		return QualificationView{}, operationError
	}
	return view, nil
}

func datePtrEqual(left *Date, right *Date) bool {
	if left == nil || right == nil {
		return left == right
	}
	return left.Equal(*right)
}
