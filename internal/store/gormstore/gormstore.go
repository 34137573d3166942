package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/transportops/roster/pkg/roster"
)

const (
	dialectPostgres       = "postgres"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore       = "store"
	errorSubjectReservation   = "reservation"
	errorSubjectSlot          = "slot"
	errorSubjectCredits       = "credits"
	errorSubjectConfig        = "config"
	errorSubjectQualification = "qualification"
	errorSubjectDriveLog      = "drive_log"
	errorCodeCreate           = "create"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeList             = "list"
	errorCodeLock             = "lock"
	errorCodeCount            = "count"
	errorCodeUpdate           = "update"
	errorCodeReset            = "reset"
	errorCodeSwap             = "swap"
)

// Store implements roster.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema for every model the store persists.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Reservation{},
		&CreditAccount{},
		&Qualification{},
		&DriveLog{},
		&ConfigEntry{},
		&SlotBucket{},
	)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore roster.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// LockTimeRange pins one row per hour the interval touches, so that two
// admissions over intersecting ranges serialize on at least one shared row.
// The FOR UPDATE clause only exists on Postgres; SQLite serializes writers
// on its own.
func (store *Store) LockTimeRange(ctx context.Context, startTime, endTime time.Time) error {
	firstBucket := startTime.UTC().Truncate(time.Hour)
	for bucket := firstBucket; bucket.Before(endTime.UTC()); bucket = bucket.Add(time.Hour) {
		err := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&SlotBucket{BucketStart: bucket}).Error
		if err != nil {
			return wrapStoreError(errorSubjectSlot, errorCodeInsert, err)
		}
	}
	if store.db.Dialector.Name() != dialectPostgres {
		return nil
	}
	var buckets []SlotBucket
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("bucket_start >= ? AND bucket_start < ?", firstBucket, endTime.UTC()).
		Find(&buckets).Error
	if err != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeLock, err)
	}
	return nil
}

// CountActiveOverlapping counts active reservations intersecting the
// half-open range [startTime, endTime).
func (store *Store) CountActiveOverlapping(ctx context.Context, startTime, endTime time.Time) (int, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("status = ?", roster.ReservationStatusActive).
		Where("start_time < ? AND end_time > ?", endTime, startTime).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectReservation, errorCodeCount, err)
	}
	return int(count), nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation roster.Reservation) error {
	model := Reservation{
		ID:             reservation.ID,
		OwnerID:        reservation.OwnerID.String(),
		StartTime:      reservation.StartTime.UTC(),
		EndTime:        reservation.EndTime.UTC(),
		CreditsCharged: reservation.CreditsCharged,
		Status:         string(reservation.Status),
		CancelledAt:    reservation.CancelledAt,
		CreatedAt:      reservation.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, roster.ErrValidation)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID string) (roster.Reservation, error) {
	var model Reservation
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := query.Where("id = ?", reservationID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return roster.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, roster.ErrNotFound)
		}
		return roster.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return mapReservation(model), nil
}

func (store *Store) MarkReservationCancelled(ctx context.Context, reservationID string, cancelledAt time.Time) error {
	at := cancelledAt.UTC()
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("id = ? AND status = ?", reservationID, roster.ReservationStatusActive).
		Updates(map[string]interface{}{
			"status":       string(roster.ReservationStatusCancelled),
			"cancelled_at": at,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, roster.ErrAlreadyCancelled)
	}
	return nil
}

func (store *Store) ListReservationsByOwner(ctx context.Context, owner roster.OwnerID, limit int) ([]roster.Reservation, error) {
	var rows []Reservation
	query := store.db.WithContext(ctx).
		Where("owner_id = ?", owner.String()).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	reservations := make([]roster.Reservation, 0, len(rows))
	for _, row := range rows {
		reservations = append(reservations, mapReservation(row))
	}
	return reservations, nil
}

func (store *Store) EnsureCreditAccount(ctx context.Context, owner roster.OwnerID, initialBalance int64) error {
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&CreditAccount{OwnerID: owner.String(), Balance: initialBalance}).Error
	if err != nil {
		return wrapStoreError(errorSubjectCredits, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetCreditAccount(ctx context.Context, owner roster.OwnerID) (roster.CreditAccount, bool, error) {
	var model CreditAccount
	err := store.db.WithContext(ctx).
		Where("owner_id = ?", owner.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return roster.CreditAccount{}, false, nil
	}
	if err != nil {
		return roster.CreditAccount{}, false, wrapStoreError(errorSubjectCredits, errorCodeGet, err)
	}
	return roster.CreditAccount{OwnerID: roster.OwnerID(model.OwnerID), Balance: model.Balance}, true, nil
}

// DeductCredits subtracts amount only when the balance covers it. The guard
// lives in the WHERE clause, so concurrent deductions cannot overdraw.
func (store *Store) DeductCredits(ctx context.Context, owner roster.OwnerID, amount int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("owner_id = ? AND balance >= ?", owner.String(), amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectCredits, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) AddCredits(ctx context.Context, owner roster.OwnerID, amount int64) error {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("owner_id = ?", owner.String()).
		Update("balance", gorm.Expr("balance + ?", amount))
	if result.Error != nil {
		return wrapStoreError(errorSubjectCredits, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectCredits, errorCodeUpdate, roster.ErrNotFound)
	}
	return nil
}

func (store *Store) ResetAllBalances(ctx context.Context, balance int64) error {
	err := store.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Model(&CreditAccount{}).
		Update("balance", balance).Error
	if err != nil {
		return wrapStoreError(errorSubjectCredits, errorCodeReset, err)
	}
	return nil
}

func (store *Store) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	var entry ConfigEntry
	err := store.db.WithContext(ctx).
		Where("config_key = ?", key).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapStoreError(errorSubjectConfig, errorCodeGet, err)
	}
	return entry.Value, true, nil
}

func (store *Store) SetConfigValue(ctx context.Context, key string, value string) error {
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "config_key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"value": value}),
		}).
		Create(&ConfigEntry{ConfigKey: key, Value: value}).Error
	if err != nil {
		return wrapStoreError(errorSubjectConfig, errorCodeUpdate, err)
	}
	return nil
}

// CompareAndSwapConfigValue installs newValue only when the stored value
// still equals oldValue. An empty oldValue means the key must not exist yet;
// the insert-or-nothing makes exactly one concurrent caller win.
func (store *Store) CompareAndSwapConfigValue(ctx context.Context, key string, oldValue string, newValue string) (bool, error) {
	if oldValue == "" {
		result := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&ConfigEntry{ConfigKey: key, Value: newValue})
		if result.Error != nil {
			return false, wrapStoreError(errorSubjectConfig, errorCodeSwap, result.Error)
		}
		return result.RowsAffected > 0, nil
	}
	result := store.db.WithContext(ctx).
		Model(&ConfigEntry{}).
		Where("config_key = ? AND value = ?", key, oldValue).
		Update("value", newValue)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectConfig, errorCodeSwap, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) ListQualifications(ctx context.Context) ([]roster.Qualification, error) {
	var rows []Qualification
	err := store.db.WithContext(ctx).
		Order("owner_id ASC, vehicle_class ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectQualification, errorCodeList, err)
	}
	return mapQualifications(rows), nil
}

func (store *Store) ListQualificationsByOwner(ctx context.Context, owner roster.OwnerID) ([]roster.Qualification, error) {
	var rows []Qualification
	err := store.db.WithContext(ctx).
		Where("owner_id = ?", owner.String()).
		Order("vehicle_class ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectQualification, errorCodeList, err)
	}
	return mapQualifications(rows), nil
}

func (store *Store) GetQualification(ctx context.Context, owner roster.OwnerID, vehicleClass roster.VehicleClass) (roster.Qualification, bool, error) {
	var model Qualification
	err := store.db.WithContext(ctx).
		Where("owner_id = ? AND vehicle_class = ?", owner.String(), vehicleClass.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return roster.Qualification{}, false, nil
	}
	if err != nil {
		return roster.Qualification{}, false, wrapStoreError(errorSubjectQualification, errorCodeGet, err)
	}
	return mapQualification(model), true, nil
}

func (store *Store) InsertQualification(ctx context.Context, qualification roster.Qualification) error {
	model := Qualification{
		ID:             qualification.ID,
		OwnerID:        qualification.OwnerID.String(),
		VehicleClass:   qualification.VehicleClass.String(),
		QualifiedOn:    toStoredDate(qualification.QualifiedOn),
		LastValidDrive: toStoredDatePtr(qualification.LastValidDrive),
		CurrencyExpiry: toStoredDate(qualification.CurrencyExpiry),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectQualification, errorCodeDuplicate, roster.ErrValidation)
	}
	if err != nil {
		return wrapStoreError(errorSubjectQualification, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) UpdateQualificationCurrency(ctx context.Context, qualificationID string, expiry roster.Date, lastValidDrive *roster.Date) error {
	result := store.db.WithContext(ctx).
		Model(&Qualification{}).
		Where("id = ?", qualificationID).
		Updates(map[string]interface{}{
			"currency_expiry":  toStoredDate(expiry),
			"last_valid_drive": toStoredDatePtr(lastValidDrive),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectQualification, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectQualification, errorCodeUpdate, roster.ErrNotFound)
	}
	return nil
}

func (store *Store) ListDriveLogs(ctx context.Context, owner roster.OwnerID, vehicleClass roster.VehicleClass) ([]roster.DriveLogEntry, error) {
	var rows []DriveLog
	err := store.db.WithContext(ctx).
		Where("owner_id = ? AND vehicle_class = ?", owner.String(), vehicleClass.String()).
		Order("drive_date ASC, created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectDriveLog, errorCodeList, err)
	}
	entries := make([]roster.DriveLogEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, roster.DriveLogEntry{
			ID:           row.ID,
			OwnerID:      roster.OwnerID(row.OwnerID),
			VehicleClass: roster.VehicleClass(row.VehicleClass),
			Date:         fromStoredDate(row.DriveDate),
			DistanceKm:   row.DistanceKm,
			CreatedAt:    row.CreatedAt,
		})
	}
	return entries, nil
}

func (store *Store) InsertDriveLog(ctx context.Context, entry roster.DriveLogEntry) error {
	model := DriveLog{
		ID:           entry.ID,
		OwnerID:      entry.OwnerID.String(),
		VehicleClass: entry.VehicleClass.String(),
		DriveDate:    toStoredDate(entry.Date),
		DistanceKm:   entry.DistanceKm,
		CreatedAt:    entry.CreatedAt,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectDriveLog, errorCodeInsert, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return roster.WrapError(errorOperationStore, subject, code, err)
}

func mapReservation(model Reservation) roster.Reservation {
	return roster.Reservation{
		ID:             model.ID,
		OwnerID:        roster.OwnerID(model.OwnerID),
		StartTime:      model.StartTime.UTC(),
		EndTime:        model.EndTime.UTC(),
		CreditsCharged: model.CreditsCharged,
		Status:         roster.ReservationStatus(model.Status),
		CreatedAt:      model.CreatedAt.UTC(),
		CancelledAt:    model.CancelledAt,
	}
}

func mapQualification(model Qualification) roster.Qualification {
	return roster.Qualification{
		ID:             model.ID,
		OwnerID:        roster.OwnerID(model.OwnerID),
		VehicleClass:   roster.VehicleClass(model.VehicleClass),
		QualifiedOn:    fromStoredDate(model.QualifiedOn),
		LastValidDrive: fromStoredDatePtr(model.LastValidDrive),
		CurrencyExpiry: fromStoredDate(model.CurrencyExpiry),
	}
}

func mapQualifications(rows []Qualification) []roster.Qualification {
	qualifications := make([]roster.Qualification, 0, len(rows))
	for _, row := range rows {
		qualifications = append(qualifications, mapQualification(row))
	}
	return qualifications
}

func toStoredDate(date roster.Date) datatypes.Date {
	return datatypes.Date(date.Time())
}

func toStoredDatePtr(date *roster.Date) *datatypes.Date {
	if date == nil {
		return nil
	}
	stored := toStoredDate(*date)
	return &stored
}

func fromStoredDate(stored datatypes.Date) roster.Date {
	return roster.DateOf(time.Time(stored).UTC())
}

func fromStoredDatePtr(stored *datatypes.Date) *roster.Date {
	if stored == nil {
		return nil
	}
	date := fromStoredDate(*stored)
	return &date
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
