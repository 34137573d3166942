package roster

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reserve admits a reservation against the shared room. Checks run in order:
// exact slot duration, strictly-future start, occupancy below MaxCapacity,
// then a credit charge for metered roles. The occupancy count, the charge,
// and the insert execute in one transaction over a locked time range, so
// racing requests cannot collectively oversubscribe the room or double-spend
// a balance.
func (service *Service) Reserve(ctx context.Context, owner OwnerID, role Role, startTime, endTime time.Time) (Reservation, error) {
	var reservation Reservation
	operationError := func() error {
		if endTime.Sub(startTime) != SlotDuration {
			return fmt.Errorf("%w: slot must be exactly %s, got %s", ErrValidation, SlotDuration, endTime.Sub(startTime))
		}
		now := service.nowFn()
		if !startTime.After(now) {
			return fmt.Errorf("%w: start time must be in the future", ErrValidation)
		}
		if _, err := service.CheckAndResetIfNewWeek(ctx); err != nil {
			return err
		}
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			if err := txStore.LockTimeRange(ctx, startTime, endTime); err != nil {
				return err
			}
			occupied, err := txStore.CountActiveOverlapping(ctx, startTime, endTime)
			if err != nil {
				return err
			}
			if occupied >= MaxCapacity {
				return fmt.Errorf("%w: %d of %d spots taken", ErrCapacityExceeded, occupied, MaxCapacity)
			}
			creditsCharged, err := service.chargeIfAffordable(ctx, txStore, owner, role, ReservationCreditCost)
			if err != nil {
				return err
			}
			reservation = Reservation{
				ID:             uuid.NewString(),
				OwnerID:        owner,
				StartTime:      startTime.UTC(),
				EndTime:        endTime.UTC(),
				CreditsCharged: creditsCharged,
				Status:         ReservationStatusActive,
				CreatedAt:      now.UTC(),
			}
			return txStore.CreateReservation(ctx, reservation)
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:     operationReserve,
		Owner:         owner,
		ReservationID: reservation.ID,
		Credits:       reservation.CreditsCharged,
		Error:         operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return reservation, nil
}

// Capacity reports occupancy for a time range using the same open-interval
// overlap predicate the admission path uses: intervals that merely touch at
// an endpoint do not overlap.
func (service *Service) Capacity(ctx context.Context, startTime, endTime time.Time) (CapacityReport, error) {
	if !endTime.After(startTime) {
		return CapacityReport{}, fmt.Errorf("%w: end time must be after start time", ErrValidation)
	}
	if _, err := service.CheckAndResetIfNewWeek(ctx); err != nil {
		return CapacityReport{}, err
	}
	occupied, err := service.store.CountActiveOverlapping(ctx, startTime, endTime)
	if err != nil {
		return CapacityReport{}, err
	}
	available := MaxCapacity - occupied
	if available < 0 {
		available = 0
	}
	return CapacityReport{
		MaxCapacity:    MaxCapacity,
		CurrentCount:   occupied,
		AvailableSpots: available,
		IsFull:         occupied >= MaxCapacity,
	}, nil
}

// Cancel moves an active reservation to cancelled. Only the owner or an
// elevated role may cancel. Credits are refunded when more than RefundCutoff
// remains before the start; the status transition happens regardless of the
// refund outcome. Cancelling twice is a typed rejection, not a silent no-op.
func (service *Service) Cancel(ctx context.Context, reservationID string, actor OwnerID, role Role) (CancelResult, error) {
	var result CancelResult
	var owner OwnerID
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		reservation, err := txStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		owner = reservation.OwnerID
		if reservation.OwnerID != actor && !role.Elevated() {
			return fmt.Errorf("%w: only the owner or an elevated role may cancel", ErrUnauthorized)
		}
		if reservation.Status == ReservationStatusCancelled {
			return ErrAlreadyCancelled
		}
		now := service.nowFn()
		if reservation.StartTime.Sub(now) > RefundCutoff && reservation.CreditsCharged > 0 {
			if err := txStore.AddCredits(ctx, reservation.OwnerID, reservation.CreditsCharged); err != nil {
				return err
			}
			result = CancelResult{Refunded: true, CreditsRefunded: reservation.CreditsCharged}
		}
		return txStore.MarkReservationCancelled(ctx, reservationID, now.UTC())
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCancel,
		Owner:         owner,
		ReservationID: reservationID,
		Credits:       result.CreditsRefunded,
		Error:         operationError,
	})
	if operationError != nil {
		return CancelResult{}, operationError
	}
	return result, nil
}

// ReservationsForOwner lists the owner's reservation history, newest first.
func (service *Service) ReservationsForOwner(ctx context.Context, owner OwnerID, limit int) ([]Reservation, error) {
	return service.store.ListReservationsByOwner(ctx, owner, limit)
}
