package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testSigningKey = "test-signing-key"
	testIssuer     = "coinledger-test"
)

func newTestRouter(t *testing.T, cfg Config) *gin.Engine {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), &gorm.Config{Logger: logger.Discard, TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	store := gormstore.New(db)
	require.NoError(t, store.Migrate(context.Background()))
	service, err := ledger.NewService(store, func() time.Time { return time.Now().UTC() })
	require.NoError(t, err)

	cfg.SigningKey = testSigningKey
	cfg.Issuer = testIssuer
	router, err := NewRouter(cfg, service, nil)
	require.NoError(t, err)
	return router
}

func signToken(t *testing.T, issuer string, subject string, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString([]byte(testSigningKey))
	require.NoError(t, err)
	return signed
}

type apiClient struct {
	t      *testing.T
	router *gin.Engine
	token  string
}

func (client apiClient) do(method string, path string, body any) (int, map[string]any) {
	client.t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		require.NoError(client.t, err)
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if client.token != "" {
		request.Header.Set("Authorization", "Bearer "+client.token)
	}
	recorder := httptest.NewRecorder()
	client.router.ServeHTTP(recorder, request)
	decoded := map[string]any{}
	if recorder.Body.Len() > 0 {
		require.NoError(client.t, json.Unmarshal(recorder.Body.Bytes(), &decoded))
	}
	return recorder.Code, decoded
}

func object(t *testing.T, payload map[string]any, key string) map[string]any {
	t.Helper()
	value, ok := payload[key].(map[string]any)
	require.True(t, ok, "missing %q in %v", key, payload)
	return value
}

func errorCode(t *testing.T, payload map[string]any) string {
	t.Helper()
	return object(t, payload, "error")["code"].(string)
}

func TestHealthzIsPublic(t *testing.T) {
	router := newTestRouter(t, Config{})
	status, payload := apiClient{t: t, router: router}.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", payload["status"])
}

func TestAuthRejectsMissingAndForeignTokens(t *testing.T) {
	router := newTestRouter(t, Config{})
	testCases := []struct {
		name  string
		token string
	}{
		{name: "missing", token: ""},
		{name: "garbage", token: "not-a-jwt"},
		{name: "foreign issuer", token: signToken(t, "someone-else", "caller", time.Now().Add(time.Hour))},
		{name: "expired", token: signToken(t, testIssuer, "caller", time.Now().Add(-time.Hour))},
		{name: "no subject", token: signToken(t, testIssuer, "", time.Now().Add(time.Hour))},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			status, payload := apiClient{t: t, router: router, token: testCase.token}.do(http.MethodGet, "/api/v1/wallets/viewer/available", nil)
			require.Equal(t, http.StatusUnauthorized, status)
			require.Equal(t, "unauthorized", errorCode(t, payload))
		})
	}
}

func TestNewRouterRequiresSigningKey(t *testing.T) {
	_, err := NewRouter(Config{}, nil, nil)
	require.ErrorIs(t, err, errMissingSigningKey)
}

func TestHoldLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(t, Config{RateLimitPerSecond: 1000, RateLimitBurst: 1000})
	client := apiClient{t: t, router: router, token: signToken(t, testIssuer, "gateway", time.Now().Add(time.Hour))}

	status, purchase := client.do(http.MethodPost, "/api/v1/transactions", map[string]any{
		"user_id":         "viewer",
		"amount":          100,
		"type":            "purchase",
		"idempotency_key": "order-1",
		"metadata":        map[string]any{"order": "1"},
	})
	require.Equal(t, http.StatusOK, status)
	purchaseID := object(t, purchase, "transaction")["transaction_id"]

	status, replay := client.do(http.MethodPost, "/api/v1/transactions", map[string]any{
		"user_id":         "viewer",
		"amount":          100,
		"type":            "purchase",
		"idempotency_key": "order-1",
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, purchaseID, object(t, replay, "transaction")["transaction_id"])

	status, created := client.do(http.MethodPost, "/api/v1/holds", map[string]any{"user_id": "viewer", "amount": 60, "purpose": "call_hold", "related_id": "call-1"})
	require.Equal(t, http.StatusOK, status)
	holdID := object(t, created, "hold")["hold_id"].(string)

	status, rejected := client.do(http.MethodPost, "/api/v1/holds", map[string]any{"user_id": "viewer", "amount": 50, "purpose": "call_hold"})
	require.Equal(t, http.StatusPaymentRequired, status)
	require.Equal(t, "insufficient_balance_for_hold", errorCode(t, rejected))

	status, available := client.do(http.MethodGet, "/api/v1/wallets/viewer/available", nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 40, available["available"])

	status, active := client.do(http.MethodGet, "/api/v1/wallets/viewer/holds", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, active["holds"], 1)

	status, settled := client.do(http.MethodPost, "/api/v1/holds/"+holdID+"/settle", map[string]any{"amount": 45})
	require.Equal(t, http.StatusOK, status)
	charge := object(t, settled, "transaction")
	require.EqualValues(t, -45, charge["amount"])
	require.Equal(t, "call_charge", charge["type"])

	status, released := client.do(http.MethodPost, "/api/v1/holds/"+holdID+"/release", nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "hold_not_active", errorCode(t, released))

	status, wallet := client.do(http.MethodGet, "/api/v1/wallets/viewer", nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 55, object(t, wallet, "wallet")["balance"])
	require.EqualValues(t, 0, object(t, wallet, "wallet")["held_balance"])

	status, refund := client.do(http.MethodPost, "/api/v1/transactions/"+charge["transaction_id"].(string)+"/refund", nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 45, object(t, refund, "transaction")["amount"])
	require.Equal(t, "refund", object(t, refund, "transaction")["type"])

	status, refundAgain := client.do(http.MethodPost, "/api/v1/transactions/"+charge["transaction_id"].(string)+"/refund", map[string]any{"idempotency_key": "support-ticket-9"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, object(t, refund, "transaction")["transaction_id"], object(t, refundAgain, "transaction")["transaction_id"])

	status, listed := client.do(http.MethodGet, "/api/v1/wallets/viewer/transactions?limit=10", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, listed["transactions"], 3)

	status, report := client.do(http.MethodPost, "/api/v1/wallets/viewer/reconcile", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", object(t, report, "report")["status"])
	require.EqualValues(t, 100, object(t, report, "report")["balance"])
}

func TestTransferAndReleaseOverHTTP(t *testing.T) {
	router := newTestRouter(t, Config{RateLimitPerSecond: 1000, RateLimitBurst: 1000})
	client := apiClient{t: t, router: router, token: signToken(t, testIssuer, "gateway", time.Now().Add(time.Hour))}

	status, _ := client.do(http.MethodPost, "/api/v1/transactions", map[string]any{"user_id": "fan", "amount": 30, "type": "purchase"})
	require.Equal(t, http.StatusOK, status)

	status, transfer := client.do(http.MethodPost, "/api/v1/transfers", map[string]any{
		"payer_id":        "fan",
		"payee_id":        "creator",
		"amount":          20,
		"charge_type":     "message_charge",
		"earnings_type":   "message_earnings",
		"idempotency_key": "msg-1",
	})
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, -20, object(t, transfer, "debit")["amount"])
	require.EqualValues(t, 20, object(t, transfer, "credit")["amount"])

	status, created := client.do(http.MethodPost, "/api/v1/holds", map[string]any{"user_id": "fan", "amount": 10, "purpose": "stream_tip_hold"})
	require.Equal(t, http.StatusOK, status)
	holdID := object(t, created, "hold")["hold_id"].(string)

	status, released := client.do(http.MethodPost, "/api/v1/holds/"+holdID+"/release", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "released", object(t, released, "hold")["status"])
	require.NotEmpty(t, object(t, released, "hold")["released_at"])

	status, creator := client.do(http.MethodGet, "/api/v1/wallets/creator", nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 20, object(t, creator, "wallet")["balance"])
}

func TestRequestValidationOverHTTP(t *testing.T) {
	router := newTestRouter(t, Config{RateLimitPerSecond: 1000, RateLimitBurst: 1000})
	client := apiClient{t: t, router: router, token: signToken(t, testIssuer, "gateway", time.Now().Add(time.Hour))}

	testCases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{name: "missing amount", method: http.MethodPost, path: "/api/v1/transactions", body: map[string]any{"user_id": "u", "type": "purchase"}, status: http.StatusBadRequest, code: "invalid_amount"},
		{name: "unknown type", method: http.MethodPost, path: "/api/v1/transactions", body: map[string]any{"user_id": "u", "amount": 5, "type": "bonus"}, status: http.StatusBadRequest, code: "invalid_transaction_type"},
		{name: "fractional amount", method: http.MethodPost, path: "/api/v1/transactions", body: map[string]any{"user_id": "u", "amount": 1.5, "type": "purchase"}, status: http.StatusBadRequest, code: errorCodeInvalidPayload},
		{name: "debit without funds", method: http.MethodPost, path: "/api/v1/transactions", body: map[string]any{"user_id": "u", "amount": -5, "type": "gift"}, status: http.StatusPaymentRequired, code: "insufficient_balance"},
		{name: "unknown purpose", method: http.MethodPost, path: "/api/v1/holds", body: map[string]any{"user_id": "u", "amount": 5, "purpose": "tip"}, status: http.StatusBadRequest, code: "invalid_hold_purpose"},
		{name: "unknown hold", method: http.MethodGet, path: "/api/v1/holds/missing", status: http.StatusNotFound, code: "hold_not_found"},
		{name: "unknown transaction", method: http.MethodGet, path: "/api/v1/transactions/missing", status: http.StatusNotFound, code: "transaction_not_found"},
		{name: "self transfer", method: http.MethodPost, path: "/api/v1/transfers", body: map[string]any{"payer_id": "u", "payee_id": "u", "amount": 5, "charge_type": "gift", "earnings_type": "gift"}, status: http.StatusBadRequest, code: "invalid_transfer"},
		{name: "limit too large", method: http.MethodGet, path: "/api/v1/wallets/u/transactions?limit=500", status: http.StatusBadRequest, code: "invalid_list_limit"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			status, payload := apiClient{t: t, router: client.router, token: client.token}.do(testCase.method, testCase.path, testCase.body)
			require.Equal(t, testCase.status, status)
			require.Equal(t, testCase.code, errorCode(t, payload))
		})
	}
}

func TestRateLimitIsPerSubject(t *testing.T) {
	router := newTestRouter(t, Config{RateLimitPerSecond: 0.001, RateLimitBurst: 2})
	first := apiClient{t: t, router: router, token: signToken(t, testIssuer, "first", time.Now().Add(time.Hour))}
	second := apiClient{t: t, router: router, token: signToken(t, testIssuer, "second", time.Now().Add(time.Hour))}

	for attempt := 0; attempt < 2; attempt++ {
		status, _ := first.do(http.MethodGet, "/api/v1/wallets/viewer/available", nil)
		require.Equal(t, http.StatusOK, status)
	}
	status, payload := first.do(http.MethodGet, "/api/v1/wallets/viewer/available", nil)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, "rate_limited", errorCode(t, payload))

	status, _ = second.do(http.MethodGet, "/api/v1/wallets/viewer/available", nil)
	require.Equal(t, http.StatusOK, status)
}

func (limiter *subjectLimiter) size() int {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	return len(limiter.buckets)
}

func TestSubjectLimiterEvictsIdleSubjects(t *testing.T) {
	limiter := newSubjectLimiter(1, 1)
	require.Equal(t, subjectIdleTTL, limiter.idleTTL)
	current := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return current }

	require.True(t, limiter.allow("caller-a"))
	require.True(t, limiter.allow("caller-b"))
	require.False(t, limiter.allow("caller-a"))
	require.Equal(t, 2, limiter.size())

	current = current.Add(subjectIdleTTL / 2)
	require.True(t, limiter.allow("caller-b"))
	require.Equal(t, 2, limiter.size())

	current = current.Add(subjectIdleTTL / 2)
	require.True(t, limiter.allow("caller-c"))
	require.Equal(t, 2, limiter.size())

	current = current.Add(subjectIdleTTL)
	require.True(t, limiter.allow("caller-c"))
	require.Equal(t, 1, limiter.size())
}

func TestSubjectLimiterKeepsBucketsUntilRefilled(t *testing.T) {
	require.Equal(t, 2000*time.Second, newSubjectLimiter(0.5, 1000).idleTTL)
	require.Equal(t, subjectMaxIdleTTL, newSubjectLimiter(0.000001, 1000).idleTTL)
}

func TestClassifyErrorFallsBackToInternal(t *testing.T) {
	status, code := classifyError(ledger.WrapError("store", "wallet", "get", context.DeadlineExceeded))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "ledger_error", code)
}
