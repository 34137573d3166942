package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/transportops/roster/internal/store/gormstore"
	"github.com/transportops/roster/pkg/roster"
)

const testSigningKey = "secret-key"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(t.TempDir()+"/roster.db"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "sqlite open")
	require.NoError(t, gormstore.Migrate(db), "migrate")

	service, err := roster.NewService(gormstore.New(db), func() time.Time { return time.Now().UTC() })
	require.NoError(t, err, "service init")

	cfg := Config{
		ListenAddr:        ":0",
		AllowedOrigins:    []string{"http://localhost:8000"},
		SessionSigningKey: testSigningKey,
	}
	require.NoError(t, cfg.Validate())

	handler := &httpHandler{
		logger:  zap.NewNop(),
		service: service,
	}
	server := httptest.NewServer(setupRouter(cfg, handler))
	t.Cleanup(server.Close)
	return server
}

func bearerToken(t *testing.T, owner string, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  owner,
		"role": role,
		"iat":  time.Now().UTC().Unix(),
		"exp":  time.Now().UTC().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	require.NoError(t, err, "token signing")
	return signed
}

func execJSON(t *testing.T, server *httptest.Server, method, path, token string, payload any) (int, map[string]any) {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err, "marshal payload")
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, server.URL+path, body)
	require.NoError(t, err, "request init")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := server.Client().Do(req)
	require.NoError(t, err, "request")
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded), "decode response")
	return resp.StatusCode, decoded
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	envelope, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %v", body)
	code, _ := envelope["code"].(string)
	return code
}

func futureSlot(hoursAhead int) (time.Time, time.Time) {
	start := time.Now().UTC().Truncate(time.Hour).Add(time.Duration(hoursAhead) * time.Hour)
	return start, start.Add(time.Hour)
}

func TestHealthzIsOpen(t *testing.T) {
	server := newTestServer(t)
	resp, err := server.Client().Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresToken(t *testing.T) {
	server := newTestServer(t)
	status, body := execJSON(t, server, http.MethodGet, "/api/credits/mine", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "unauthorized", errorCode(t, body))
}

func TestReservationLifecycleWithRefund(t *testing.T) {
	server := newTestServer(t)
	token := bearerToken(t, "member-1", "member")
	start, end := futureSlot(48)

	status, body := execJSON(t, server, http.MethodPost, "/api/reservations", token, map[string]any{
		"start_time": start,
		"end_time":   end,
	})
	require.Equal(t, http.StatusCreated, status)
	reservation, ok := body["reservation"].(map[string]any)
	require.True(t, ok, "expected reservation payload")
	require.Equal(t, "member-1", reservation["owner_id"])
	require.Equal(t, "active", reservation["status"])
	require.EqualValues(t, 1, reservation["credits_charged"])
	reservationID, _ := reservation["id"].(string)
	require.NotEmpty(t, reservationID)

	status, body = execJSON(t, server, http.MethodGet,
		"/api/capacity?start="+start.Format(time.RFC3339)+"&end="+end.Format(time.RFC3339), token, nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 1, body["current_count"])
	require.EqualValues(t, 19, body["available_spots"])
	require.Equal(t, false, body["is_full"])

	status, body = execJSON(t, server, http.MethodGet, "/api/reservations/mine", token, nil)
	require.Equal(t, http.StatusOK, status)
	listed, ok := body["reservations"].([]any)
	require.True(t, ok)
	require.Len(t, listed, 1)

	// 48 hours of lead time sits above the refund cutoff.
	status, body = execJSON(t, server, http.MethodPost, "/api/reservations/"+reservationID+"/cancel", token, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["refunded"])
	require.EqualValues(t, 1, body["credits_refunded"])

	status, body = execJSON(t, server, http.MethodPost, "/api/reservations/"+reservationID+"/cancel", token, nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "already_cancelled", errorCode(t, body))
}

func TestReservationValidation(t *testing.T) {
	server := newTestServer(t)
	token := bearerToken(t, "member-1", "member")
	start, _ := futureSlot(24)

	status, body := execJSON(t, server, http.MethodPost, "/api/reservations", token, map[string]any{
		"start_time": start,
		"end_time":   start.Add(30 * time.Minute),
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "validation", errorCode(t, body))

	past := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Hour)
	status, body = execJSON(t, server, http.MethodPost, "/api/reservations", token, map[string]any{
		"start_time": past,
		"end_time":   past.Add(time.Hour),
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "validation", errorCode(t, body))

	status, body = execJSON(t, server, http.MethodGet, "/api/capacity?start=bogus&end=also-bogus", token, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "validation", errorCode(t, body))
}

func TestCreditMetering(t *testing.T) {
	server := newTestServer(t)
	memberToken := bearerToken(t, "member-1", "member")
	adminToken := bearerToken(t, "admin-1", "admin")

	status, body := execJSON(t, server, http.MethodGet, "/api/credits/mine", memberToken, nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, roster.DefaultWeeklyCredits, body["balance"])

	// The default weekly allowance covers two bookings.
	for hoursAhead := 24; hoursAhead <= 26; hoursAhead += 2 {
		start, end := futureSlot(hoursAhead)
		status, _ = execJSON(t, server, http.MethodPost, "/api/reservations", memberToken, map[string]any{
			"start_time": start,
			"end_time":   end,
		})
		require.Equal(t, http.StatusCreated, status)
	}

	start, end := futureSlot(30)
	status, body = execJSON(t, server, http.MethodPost, "/api/reservations", memberToken, map[string]any{
		"start_time": start,
		"end_time":   end,
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "insufficient_credits", errorCode(t, body))

	// Elevated roles book without a charge even with a drained allowance.
	status, body = execJSON(t, server, http.MethodPost, "/api/reservations", adminToken, map[string]any{
		"start_time": start,
		"end_time":   end,
	})
	require.Equal(t, http.StatusCreated, status)
	reservation, _ := body["reservation"].(map[string]any)
	require.EqualValues(t, 0, reservation["credits_charged"])
}

func TestCancelAuthorization(t *testing.T) {
	server := newTestServer(t)
	ownerToken := bearerToken(t, "member-1", "member")
	strangerToken := bearerToken(t, "member-2", "member")
	supervisorToken := bearerToken(t, "supervisor-1", "supervisor")
	start, end := futureSlot(48)

	status, body := execJSON(t, server, http.MethodPost, "/api/reservations", ownerToken, map[string]any{
		"start_time": start,
		"end_time":   end,
	})
	require.Equal(t, http.StatusCreated, status)
	reservation, _ := body["reservation"].(map[string]any)
	reservationID, _ := reservation["id"].(string)

	status, body = execJSON(t, server, http.MethodPost, "/api/reservations/"+reservationID+"/cancel", strangerToken, nil)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "forbidden", errorCode(t, body))

	status, _ = execJSON(t, server, http.MethodPost, "/api/reservations/"+reservationID+"/cancel", supervisorToken, nil)
	require.Equal(t, http.StatusOK, status)

	status, body = execJSON(t, server, http.MethodPost, "/api/reservations/missing/cancel", supervisorToken, nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "not_found", errorCode(t, body))
}

func TestQualificationAndDriveLogFlow(t *testing.T) {
	server := newTestServer(t)
	memberToken := bearerToken(t, "member-1", "member")
	supervisorToken := bearerToken(t, "supervisor-1", "supervisor")
	today := roster.DateOf(time.Now().UTC())
	qualifiedOn := today.AddDays(-30)
	driveDate := today.AddDays(-1)

	status, body := execJSON(t, server, http.MethodPost, "/api/qualifications", memberToken, map[string]any{
		"vehicle_class": "class-3",
		"qualified_on":  qualifiedOn.String(),
	})
	require.Equal(t, http.StatusCreated, status)

	status, body = execJSON(t, server, http.MethodPost, "/api/drive-logs", memberToken, map[string]any{
		"vehicle_class": "class-3",
		"date":          driveDate.String(),
		"distance_km":   2.5,
	})
	require.Equal(t, http.StatusCreated, status)
	qualification, ok := body["qualification"].(map[string]any)
	require.True(t, ok, "expected qualification payload")
	require.Equal(t, driveDate.AddDays(roster.CurrencyWindowDays).String(), qualification["currency_expiry"])
	require.Equal(t, string(roster.CurrencyCurrent), qualification["status"])
	require.Equal(t, driveDate.String(), qualification["last_valid_drive"])

	status, body = execJSON(t, server, http.MethodGet, "/api/qualifications/mine", memberToken, nil)
	require.Equal(t, http.StatusOK, status)
	mine, _ := body["qualifications"].([]any)
	require.Len(t, mine, 1)

	status, body = execJSON(t, server, http.MethodGet, "/api/qualifications", memberToken, nil)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "forbidden", errorCode(t, body))

	status, body = execJSON(t, server, http.MethodGet, "/api/qualifications", supervisorToken, nil)
	require.Equal(t, http.StatusOK, status)
	all, _ := body["qualifications"].([]any)
	require.Len(t, all, 1)

	// Members cannot register qualifications on someone else's behalf.
	status, body = execJSON(t, server, http.MethodPost, "/api/qualifications", memberToken, map[string]any{
		"owner_id":      "member-2",
		"vehicle_class": "class-4",
		"qualified_on":  qualifiedOn.String(),
	})
	require.Equal(t, http.StatusForbidden, status)

	status, body = execJSON(t, server, http.MethodPost, "/api/qualifications", supervisorToken, map[string]any{
		"owner_id":      "member-2",
		"vehicle_class": "class-4",
		"qualified_on":  qualifiedOn.String(),
	})
	require.Equal(t, http.StatusCreated, status)
}

func TestDriveLogAgainstLapsedQualification(t *testing.T) {
	server := newTestServer(t)
	token := bearerToken(t, "member-1", "member")
	today := roster.DateOf(time.Now().UTC())
	// Qualified far beyond the currency window with no drives since.
	qualifiedOn := today.AddDays(-400)

	status, _ := execJSON(t, server, http.MethodPost, "/api/qualifications", token, map[string]any{
		"vehicle_class": "class-3",
		"qualified_on":  qualifiedOn.String(),
	})
	require.Equal(t, http.StatusCreated, status)

	status, body := execJSON(t, server, http.MethodPost, "/api/drive-logs", token, map[string]any{
		"vehicle_class": "class-3",
		"date":          today.AddDays(-1).String(),
		"distance_km":   5.0,
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "expired_currency", errorCode(t, body))
}

func TestConfigEndpoints(t *testing.T) {
	server := newTestServer(t)
	memberToken := bearerToken(t, "member-1", "member")
	adminToken := bearerToken(t, "admin-1", "admin")

	status, body := execJSON(t, server, http.MethodPut, "/api/config/release-day", memberToken, map[string]any{
		"release_day": 3,
	})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "forbidden", errorCode(t, body))

	status, _ = execJSON(t, server, http.MethodPut, "/api/config/release-day", adminToken, map[string]any{
		"release_day": 3,
	})
	require.Equal(t, http.StatusOK, status)

	status, body = execJSON(t, server, http.MethodGet, "/api/config/release-day", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 3, body["release_day"])

	status, body = execJSON(t, server, http.MethodPut, "/api/config/release-day", adminToken, map[string]any{
		"release_day": 9,
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "validation", errorCode(t, body))

	status, _ = execJSON(t, server, http.MethodPut, "/api/config/default-credits", adminToken, map[string]any{
		"default_weekly_credits": 5,
	})
	require.Equal(t, http.StatusOK, status)

	status, body = execJSON(t, server, http.MethodGet, "/api/config/default-credits", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 5, body["default_weekly_credits"])
}
