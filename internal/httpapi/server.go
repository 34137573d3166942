package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/transportops/roster/pkg/roster"
)

// Run boots the HTTP surface and blocks until ctx is cancelled or the
// listener fails.
func Run(ctx context.Context, cfg Config, service *roster.Service, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
	}
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("roster api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(identityMiddleware(cfg.SessionSigningKey))

	api.GET("/capacity", handler.handleCapacity)
	api.POST("/reservations", handler.handleCreateReservation)
	api.POST("/reservations/:id/cancel", handler.handleCancelReservation)
	api.GET("/reservations/mine", handler.handleMyReservations)
	api.GET("/qualifications/mine", handler.handleMyQualifications)
	api.POST("/qualifications", handler.handleCreateQualification)
	api.POST("/drive-logs", handler.handleAppendDriveLog)
	api.GET("/credits/mine", handler.handleMyCredits)

	elevated := api.Group("")
	elevated.Use(requireElevated())
	elevated.GET("/qualifications", handler.handleAllQualifications)
	elevated.GET("/config/release-day", handler.handleGetReleaseDay)
	elevated.PUT("/config/release-day", handler.handleSetReleaseDay)
	elevated.GET("/config/default-credits", handler.handleGetDefaultCredits)
	elevated.PUT("/config/default-credits", handler.handleSetDefaultCredits)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *roster.Service
}

func (handler *httpHandler) handleCapacity(ctx *gin.Context) {
	startTime, err := time.Parse(time.RFC3339, ctx.Query("start"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("validation", "start must be RFC3339"))
		return
	}
	endTime, err := time.Parse(time.RFC3339, ctx.Query("end"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("validation", "end must be RFC3339"))
		return
	}

	report, err := handler.service.Capacity(ctx.Request.Context(), startTime, endTime)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"max_capacity":    report.MaxCapacity,
		"current_count":   report.CurrentCount,
		"available_spots": report.AvailableSpots,
		"is_full":         report.IsFull,
	})
}

func (handler *httpHandler) handleCreateReservation(ctx *gin.Context) {
	owner, role := identityFrom(ctx)
	var request reservationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected start_time and end_time"))
		return
	}

	reservation, err := handler.service.Reserve(ctx.Request.Context(), owner, role, request.StartTime, request.EndTime)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"reservation": reservationPayloadFrom(reservation)})
}

func (handler *httpHandler) handleCancelReservation(ctx *gin.Context) {
	owner, role := identityFrom(ctx)

	result, err := handler.service.Cancel(ctx.Request.Context(), ctx.Param("id"), owner, role)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"refunded":         result.Refunded,
		"credits_refunded": result.CreditsRefunded,
	})
}

func (handler *httpHandler) handleMyReservations(ctx *gin.Context) {
	owner, _ := identityFrom(ctx)
	limit := reservationPageLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("validation", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	reservations, err := handler.service.ReservationsForOwner(ctx.Request.Context(), owner, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]reservationPayload, 0, len(reservations))
	for _, reservation := range reservations {
		payloads = append(payloads, reservationPayloadFrom(reservation))
	}
	ctx.JSON(http.StatusOK, gin.H{"reservations": payloads})
}

func (handler *httpHandler) handleMyQualifications(ctx *gin.Context) {
	owner, _ := identityFrom(ctx)
	views, err := handler.service.QualificationsForOwner(ctx.Request.Context(), owner)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"qualifications": qualificationPayloadsFrom(views)})
}

func (handler *httpHandler) handleAllQualifications(ctx *gin.Context) {
	views, err := handler.service.AllQualifications(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"qualifications": qualificationPayloadsFrom(views)})
}

func (handler *httpHandler) handleCreateQualification(ctx *gin.Context) {
	caller, role := identityFrom(ctx)
	var request qualificationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected vehicle_class and qualified_on"))
		return
	}

	owner := caller
	if request.OwnerID != "" {
		if !role.Elevated() && request.OwnerID != caller.String() {
			ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "cannot create qualifications for other owners"))
			return
		}
		parsed, err := roster.NewOwnerID(request.OwnerID)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		owner = parsed
	}
	vehicleClass, err := roster.NewVehicleClass(request.VehicleClass)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	qualifiedOn, err := roster.ParseDate(request.QualifiedOn)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	qualification, err := handler.service.CreateQualification(ctx.Request.Context(), owner, vehicleClass, qualifiedOn)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"qualification": gin.H{
		"id":              qualification.ID,
		"owner_id":        qualification.OwnerID.String(),
		"vehicle_class":   qualification.VehicleClass.String(),
		"qualified_on":    qualification.QualifiedOn,
		"currency_expiry": qualification.CurrencyExpiry,
	}})
}

func (handler *httpHandler) handleAppendDriveLog(ctx *gin.Context) {
	owner, _ := identityFrom(ctx)
	var request driveLogRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected vehicle_class, date and distance_km"))
		return
	}

	vehicleClass, err := roster.NewVehicleClass(request.VehicleClass)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	driveDate, err := roster.ParseDate(request.Date)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	distanceKm, err := decimal.NewFromString(request.DistanceKm.String())
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("validation", "distance_km must be a decimal number"))
		return
	}

	view, err := handler.service.AppendDriveLog(ctx.Request.Context(), owner, vehicleClass, driveDate, distanceKm)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"qualification": qualificationPayloadFrom(view)})
}

func (handler *httpHandler) handleMyCredits(ctx *gin.Context) {
	owner, _ := identityFrom(ctx)
	account, err := handler.service.CreditBalance(ctx.Request.Context(), owner)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"owner_id": account.OwnerID.String(),
		"balance":  account.Balance,
	})
}

func (handler *httpHandler) handleGetReleaseDay(ctx *gin.Context) {
	cfg, err := handler.service.SchedulingConfig(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"release_day": int(cfg.ReleaseDay)})
}

func (handler *httpHandler) handleSetReleaseDay(ctx *gin.Context) {
	var request releaseDayRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected release_day"))
		return
	}
	if err := handler.service.SetReleaseDay(ctx.Request.Context(), request.ReleaseDay); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"release_day": request.ReleaseDay})
}

func (handler *httpHandler) handleGetDefaultCredits(ctx *gin.Context) {
	cfg, err := handler.service.SchedulingConfig(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"default_weekly_credits": cfg.DefaultWeeklyCredits})
}

func (handler *httpHandler) handleSetDefaultCredits(ctx *gin.Context) {
	var request defaultCreditsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected default_weekly_credits"))
		return
	}
	if err := handler.service.SetDefaultWeeklyCredits(ctx.Request.Context(), request.DefaultWeeklyCredits); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"default_weekly_credits": request.DefaultWeeklyCredits})
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, roster.ErrValidation),
		errors.Is(err, roster.ErrInvalidOwnerID),
		errors.Is(err, roster.ErrInvalidVehicleClass),
		errors.Is(err, roster.ErrInvalidDate):
		ctx.JSON(http.StatusBadRequest, errorResponse("validation", err.Error()))
	case errors.Is(err, roster.ErrCapacityExceeded):
		ctx.JSON(http.StatusBadRequest, errorResponse("capacity_exceeded", err.Error()))
	case errors.Is(err, roster.ErrInsufficientCredits):
		ctx.JSON(http.StatusBadRequest, errorResponse("insufficient_credits", err.Error()))
	case errors.Is(err, roster.ErrExpiredCurrency):
		ctx.JSON(http.StatusBadRequest, errorResponse("expired_currency", err.Error()))
	case errors.Is(err, roster.ErrUnauthorized):
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", err.Error()))
	case errors.Is(err, roster.ErrNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	case errors.Is(err, roster.ErrAlreadyCancelled):
		ctx.JSON(http.StatusConflict, errorResponse("already_cancelled", err.Error()))
	default:
		handler.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "operation failed"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type reservationRequest struct {
	StartTime time.Time `json:"start_time" binding:"required"`
	EndTime   time.Time `json:"end_time" binding:"required"`
}

type qualificationRequest struct {
	OwnerID      string `json:"owner_id"`
	VehicleClass string `json:"vehicle_class" binding:"required"`
	QualifiedOn  string `json:"qualified_on" binding:"required"`
}

type driveLogRequest struct {
	VehicleClass string      `json:"vehicle_class" binding:"required"`
	Date         string      `json:"date" binding:"required"`
	DistanceKm   json.Number `json:"distance_km" binding:"required"`
}

type releaseDayRequest struct {
	ReleaseDay int `json:"release_day"`
}

type defaultCreditsRequest struct {
	DefaultWeeklyCredits int64 `json:"default_weekly_credits"`
}

type reservationPayload struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        time.Time  `json:"end_time"`
	CreditsCharged int64      `json:"credits_charged"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
}

func reservationPayloadFrom(reservation roster.Reservation) reservationPayload {
	return reservationPayload{
		ID:             reservation.ID,
		OwnerID:        reservation.OwnerID.String(),
		StartTime:      reservation.StartTime,
		EndTime:        reservation.EndTime,
		CreditsCharged: reservation.CreditsCharged,
		Status:         string(reservation.Status),
		CreatedAt:      reservation.CreatedAt,
		CancelledAt:    reservation.CancelledAt,
	}
}

type qualificationPayload struct {
	ID             string       `json:"id"`
	OwnerID        string       `json:"owner_id"`
	VehicleClass   string       `json:"vehicle_class"`
	QualifiedOn    roster.Date  `json:"qualified_on"`
	LastValidDrive *roster.Date `json:"last_valid_drive,omitempty"`
	CurrencyExpiry roster.Date  `json:"currency_expiry"`
	Status         string       `json:"status"`
	DaysRemaining  int          `json:"days_remaining"`
}

func qualificationPayloadFrom(view roster.QualificationView) qualificationPayload {
	return qualificationPayload{
		ID:             view.ID,
		OwnerID:        view.OwnerID.String(),
		VehicleClass:   view.VehicleClass.String(),
		QualifiedOn:    view.QualifiedOn,
		LastValidDrive: view.LastValidDrive,
		CurrencyExpiry: view.CurrencyExpiry,
		Status:         string(view.Status),
		DaysRemaining:  view.DaysRemaining,
	}
}

func qualificationPayloadsFrom(views []roster.QualificationView) []qualificationPayload {
	payloads := make([]qualificationPayload, 0, len(views))
	for _, view := range views {
		payloads = append(payloads, qualificationPayloadFrom(view))
	}
	return payloads
}
