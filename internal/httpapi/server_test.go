package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/wagerledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/wagerledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testAdmin      = "house"
	testSigningKey = "test-signing-key"
)

type apiFixture struct {
	router  *gin.Engine
	service *ledger.Service
}

func newAPIFixture(test *testing.T, cfg Config) apiFixture {
	test.Helper()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	service, err := ledger.NewService(memstore.New(), func() time.Time { return now })
	require.NoError(test, err)
	if cfg.AdminAccounts == nil {
		cfg.AdminAccounts = []string{testAdmin}
	}
	router, err := NewRouter(service, cfg, nil)
	require.NoError(test, err)
	return apiFixture{router: router, service: service}
}

type apiResponse struct {
	status int
	body   map[string]any
}

func (response apiResponse) errorCode() string {
	errorBody, _ := response.body["error"].(map[string]any)
	code, _ := errorBody["code"].(string)
	return code
}

func (response apiResponse) object(key string) map[string]any {
	value, _ := response.body[key].(map[string]any)
	return value
}

func (fixture apiFixture) do(test *testing.T, method string, path string, caller string, body any) apiResponse {
	test.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(test, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if caller != "" {
		request.Header.Set(headerAccountID, caller)
	}
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	decoded := map[string]any{}
	if recorder.Body.Len() > 0 {
		require.NoError(test, json.Unmarshal(recorder.Body.Bytes(), &decoded), recorder.Body.String())
	}
	return apiResponse{status: recorder.Code, body: decoded}
}

func (fixture apiFixture) createPool(test *testing.T, creator string) (string, []string) {
	test.Helper()
	response := fixture.do(test, http.MethodPost, "/api/pools", creator, map[string]any{
		"title":    "Cup final",
		"options":  []string{"Home", "Away"},
		"duration": "1h",
	})
	require.Equal(test, http.StatusCreated, response.status, response.body)
	pool := response.object("pool")
	options, _ := pool["options"].([]any)
	optionIDs := make([]string, 0, len(options))
	for _, option := range options {
		optionIDs = append(optionIDs, option.(map[string]any)["option_id"].(string))
	}
	return pool["pool_id"].(string), optionIDs
}

func balanceOf(test *testing.T, fixture apiFixture, accountID string) float64 {
	test.Helper()
	response := fixture.do(test, http.MethodGet, "/api/accounts/"+accountID, accountID, nil)
	require.Equal(test, http.StatusOK, response.status, response.body)
	return response.object("account")["balance"].(float64)
}

func TestMissingIdentityIsUnauthorized(test *testing.T) {
	fixture := newAPIFixture(test, Config{})
	response := fixture.do(test, http.MethodGet, "/api/pools", "", nil)
	assert.Equal(test, http.StatusUnauthorized, response.status)
	assert.Equal(test, "unauthorized", response.errorCode())
}

func TestHeaderIdentityWarnsOutsideLocalMode(test *testing.T) {
	service, err := ledger.NewService(memstore.New(), time.Now)
	require.NoError(test, err)

	core, logs := observer.New(zapcore.WarnLevel)
	_, err = NewRouter(service, Config{}, zap.New(core))
	require.NoError(test, err)
	require.Equal(test, 1, logs.Len())
	assert.Contains(test, logs.All()[0].Message, "X-Account-ID")

	for _, cfg := range []Config{{LocalMode: true}, {JWTSigningKey: testSigningKey}} {
		core, logs = observer.New(zapcore.WarnLevel)
		_, err = NewRouter(service, cfg, zap.New(core))
		require.NoError(test, err)
		assert.Zero(test, logs.Len())
	}
}

func TestCORSDoesNotAllowCredentials(test *testing.T) {
	fixture := newAPIFixture(test, Config{AllowedOrigins: []string{"http://localhost:3000"}})
	request := httptest.NewRequest(http.MethodOptions, "/api/pools", nil)
	request.Header.Set("Origin", "http://localhost:3000")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)

	assert.Equal(test, "http://localhost:3000", recorder.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(test, recorder.Header().Get("Access-Control-Allow-Credentials"))
}

func TestHealthzAndMetrics(test *testing.T) {
	fixture := newAPIFixture(test, Config{
		MetricsHandler: http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			_, _ = writer.Write([]byte("# metrics\n"))
		}),
	})
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(test, http.StatusOK, recorder.Code)

	recorder = httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(test, http.StatusOK, recorder.Code)
	assert.Equal(test, "# metrics\n", recorder.Body.String())

	unhealthy := newAPIFixture(test, Config{HealthCheck: func(ctx context.Context) error { return errors.New("db down") }})
	recorder = httptest.NewRecorder()
	unhealthy.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(test, http.StatusServiceUnavailable, recorder.Code)
}

func TestPoolLifecycleOverHTTP(test *testing.T) {
	fixture := newAPIFixture(test, Config{})
	poolID, optionIDs := fixture.createPool(test, "alice")

	response := fixture.do(test, http.MethodPost, "/api/pools/"+poolID+"/bets", "alice", map[string]any{"option_id": optionIDs[0], "amount": 100})
	require.Equal(test, http.StatusCreated, response.status, response.body)
	response = fixture.do(test, http.MethodPost, "/api/pools/"+poolID+"/bets", "bob", map[string]any{"option_id": optionIDs[1], "amount": 300})
	require.Equal(test, http.StatusCreated, response.status, response.body)

	for _, caller := range []string{"alice", "bob"} {
		response = fixture.do(test, http.MethodPost, "/api/pools/"+poolID+"/bets/lock", caller, nil)
		require.Equal(test, http.StatusOK, response.status, response.body)
		assert.Equal(test, true, response.object("bet")["locked"])
	}

	response = fixture.do(test, http.MethodPost, "/api/pools/"+poolID+"/resolve", "alice", map[string]any{"option_id": optionIDs[0]})
	assert.Equal(test, http.StatusForbidden, response.status)

	response = fixture.do(test, http.MethodPost, "/api/pools/"+poolID+"/resolve", testAdmin, map[string]any{"option_id": optionIDs[0]})
	require.Equal(test, http.StatusOK, response.status, response.body)
	settlement := response.object("settlement")
	assert.Equal(test, 400.0, settlement["pot"])
	assert.Equal(test, 400.0, settlement["paid"])

	assert.Equal(test, 1300.0, balanceOf(test, fixture, "alice"))
	assert.Equal(test, 700.0, balanceOf(test, fixture, "bob"))

	response = fixture.do(test, http.MethodPost, "/api/pools/"+poolID+"/resolve", testAdmin, map[string]any{"option_id": optionIDs[0]})
	assert.Equal(test, http.StatusConflict, response.status)
	assert.Equal(test, "pool_already_resolved", response.errorCode())

	response = fixture.do(test, http.MethodGet, "/api/pools/"+poolID+"/bets", "carol", nil)
	require.Equal(test, http.StatusOK, response.status)
	assert.Len(test, response.body["bets"], 2)
}

func TestResolveWithHouseCutOverHTTP(test *testing.T) {
	fixture := newAPIFixture(test, Config{})
	poolID, optionIDs := fixture.createPool(test, "alice")
	for caller, bet := range map[string]map[string]any{
		"a": {"option_id": optionIDs[0], "amount": 50},
		"b": {"option_id": optionIDs[0], "amount": 150},
		"c": {"option_id": optionIDs[1], "amount": 400},
	} {
		response := fixture.do(test, http.MethodPost, "/api/pools/"+poolID+"/bets", caller, bet)
		require.Equal(test, http.StatusCreated, response.status, response.body)
		response = fixture.do(test, http.MethodPost, "/api/pools/"+poolID+"/bets/lock", caller, nil)
		require.Equal(test, http.StatusOK, response.status, response.body)
	}

	response := fixture.do(test, http.MethodPost, "/api/pools/"+poolID+"/resolve", testAdmin, map[string]any{"option_id": optionIDs[0], "house_cut": "0.10"})
	require.Equal(test, http.StatusOK, response.status, response.body)
	settlement := response.object("settlement")
	assert.Equal(test, 600.0, settlement["pot"])
	assert.Equal(test, 540.0, settlement["paid"])
	assert.Equal(test, 60.0, settlement["retained"])

	response = fixture.do(test, http.MethodPost, "/api/pools/"+poolID+"/resolve", testAdmin, map[string]any{"option_id": optionIDs[0], "house_cut": "2"})
	assert.Equal(test, http.StatusBadRequest, response.status)
	assert.Equal(test, "invalid_house_cut", response.errorCode())
}

func TestBetErrorsMapToStableCodes(test *testing.T) {
	fixture := newAPIFixture(test, Config{})
	poolID, optionIDs := fixture.createPool(test, "alice")
	opened := fixture.do(test, http.MethodPost, "/api/accounts/carol", "carol", nil)
	require.Equal(test, http.StatusOK, opened.status)

	testCases := []struct {
		name   string
		caller string
		body   map[string]any
		status int
		code   string
	}{
		{name: "first_bet", caller: "bob", body: map[string]any{"option_id": optionIDs[0], "amount": 10}, status: http.StatusCreated},
		{name: "duplicate", caller: "bob", body: map[string]any{"option_id": optionIDs[1], "amount": 10}, status: http.StatusConflict, code: "duplicate_bet"},
		{name: "insufficient", caller: "carol", body: map[string]any{"option_id": optionIDs[0], "amount": 5000}, status: http.StatusConflict, code: "insufficient_funds"},
		{name: "unknown_option", caller: "dave", body: map[string]any{"option_id": "nope", "amount": 10}, status: http.StatusUnprocessableEntity, code: "unknown_option"},
		{name: "zero_amount", caller: "erin", body: map[string]any{"option_id": optionIDs[0], "amount": 0}, status: http.StatusBadRequest, code: "invalid_amount"},
	}
	for _, testCase := range testCases {
		response := fixture.do(test, http.MethodPost, "/api/pools/"+poolID+"/bets", testCase.caller, testCase.body)
		assert.Equal(test, testCase.status, response.status, testCase.name)
		if testCase.code != "" {
			assert.Equal(test, testCase.code, response.errorCode(), testCase.name)
		}
	}
	assert.Equal(test, 1000.0, balanceOf(test, fixture, "carol"))

	response := fixture.do(test, http.MethodGet, "/api/pools/missing", "bob", nil)
	assert.Equal(test, http.StatusNotFound, response.status)
	assert.Equal(test, "not_found", response.errorCode())

	response = fixture.do(test, http.MethodPost, "/api/pools", "bob", map[string]any{"title": "bad", "options": []string{"only"}, "duration": "1h"})
	assert.Equal(test, http.StatusUnprocessableEntity, response.status)
	assert.Equal(test, "invalid_options", response.errorCode())
}

func TestCancelBetRefundsStake(test *testing.T) {
	fixture := newAPIFixture(test, Config{})
	poolID, optionIDs := fixture.createPool(test, "alice")
	response := fixture.do(test, http.MethodPost, "/api/pools/"+poolID+"/bets", "bob", map[string]any{"option_id": optionIDs[0], "amount": 250})
	require.Equal(test, http.StatusCreated, response.status)
	assert.Equal(test, 750.0, balanceOf(test, fixture, "bob"))

	response = fixture.do(test, http.MethodDelete, "/api/pools/"+poolID+"/bets", "bob", nil)
	require.Equal(test, http.StatusOK, response.status, response.body)
	assert.Equal(test, 1000.0, balanceOf(test, fixture, "bob"))
}

func TestLoanLifecycleOverHTTP(test *testing.T) {
	fixture := newAPIFixture(test, Config{})
	response := fixture.do(test, http.MethodPost, "/api/loans", "alice", map[string]any{"borrower_id": "bob", "principal": 500, "rate": "0.05", "days": 7})
	require.Equal(test, http.StatusCreated, response.status, response.body)
	loan := response.object("loan")
	loanID := loan["loan_id"].(string)
	assert.Equal(test, 525.0, loan["owed"])

	response = fixture.do(test, http.MethodGet, "/api/loans/"+loanID, "carol", nil)
	assert.Equal(test, http.StatusForbidden, response.status)

	response = fixture.do(test, http.MethodPost, "/api/loans/"+loanID+"/repay", "alice", nil)
	assert.Equal(test, http.StatusForbidden, response.status)

	response = fixture.do(test, http.MethodPost, "/api/loans/"+loanID+"/extend", "alice", map[string]any{"days": 3})
	require.Equal(test, http.StatusOK, response.status, response.body)

	response = fixture.do(test, http.MethodPost, "/api/loans/"+loanID+"/repay", "bob", nil)
	require.Equal(test, http.StatusOK, response.status, response.body)
	assert.Equal(test, "repaid", response.object("loan")["status"])
	assert.Equal(test, 1025.0, balanceOf(test, fixture, "alice"))
	assert.Equal(test, 975.0, balanceOf(test, fixture, "bob"))

	response = fixture.do(test, http.MethodPost, "/api/loans/"+loanID+"/repay", "bob", nil)
	assert.Equal(test, http.StatusConflict, response.status)
	assert.Equal(test, "loan_not_active", response.errorCode())

	response = fixture.do(test, http.MethodPost, "/api/loans", "alice", map[string]any{"borrower_id": "alice", "principal": 10, "days": 1})
	assert.Equal(test, http.StatusUnprocessableEntity, response.status)
	assert.Equal(test, "self_loan", response.errorCode())
}

func TestAccountRoutes(test *testing.T) {
	fixture := newAPIFixture(test, Config{})

	response := fixture.do(test, http.MethodGet, "/api/accounts/alice", "alice", nil)
	assert.Equal(test, http.StatusNotFound, response.status)

	response = fixture.do(test, http.MethodPost, "/api/accounts/alice", "bob", nil)
	assert.Equal(test, http.StatusForbidden, response.status)

	response = fixture.do(test, http.MethodPost, "/api/accounts/alice", "alice", nil)
	require.Equal(test, http.StatusOK, response.status)
	assert.Equal(test, 1000.0, response.object("account")["balance"])

	response = fixture.do(test, http.MethodPost, "/api/accounts/alice/daily-bonus", "alice", nil)
	require.Equal(test, http.StatusOK, response.status, response.body)
	assert.Equal(test, 1100.0, response.object("account")["balance"])
	response = fixture.do(test, http.MethodPost, "/api/accounts/alice/daily-bonus", "alice", nil)
	assert.Equal(test, "bonus_not_ready", response.errorCode())

	response = fixture.do(test, http.MethodPost, "/api/accounts/alice/adjustments", "alice", map[string]any{"amount": 50})
	assert.Equal(test, http.StatusForbidden, response.status)
	response = fixture.do(test, http.MethodPost, "/api/accounts/alice/adjustments", testAdmin, map[string]any{"amount": -100, "description": "correction", "metadata": map[string]any{"ticket": 7}})
	require.Equal(test, http.StatusOK, response.status, response.body)
	assert.Equal(test, 1000.0, response.object("account")["balance"])

	response = fixture.do(test, http.MethodPost, "/api/accounts/alice/experience", testAdmin, map[string]any{"points": 250})
	require.Equal(test, http.StatusOK, response.status, response.body)
	assert.Equal(test, 3.0, response.object("account")["level"])

	response = fixture.do(test, http.MethodGet, "/api/accounts/alice/transactions?limit=2", "alice", nil)
	require.Equal(test, http.StatusOK, response.status)
	assert.Len(test, response.body["transactions"], 2)
	response = fixture.do(test, http.MethodGet, "/api/accounts/alice/transactions?limit=x", "alice", nil)
	assert.Equal(test, http.StatusBadRequest, response.status)

	response = fixture.do(test, http.MethodGet, "/api/accounts/alice/reconcile", testAdmin, nil)
	require.Equal(test, http.StatusOK, response.status)
	assert.Equal(test, true, response.object("reconciliation")["consistent"])
}

func signToken(test *testing.T, key string, subject string, expiresAt time.Time) string {
	test.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "wagerledger",
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString([]byte(key))
	require.NoError(test, err)
	return signed
}

func TestBearerTokenIdentity(test *testing.T) {
	fixture := newAPIFixture(test, Config{JWTSigningKey: testSigningKey, JWTIssuer: "wagerledger"})

	testCases := []struct {
		name   string
		header string
		status int
	}{
		{name: "valid", header: "Bearer " + signToken(test, testSigningKey, "alice", time.Now().Add(time.Hour)), status: http.StatusOK},
		{name: "wrong_key", header: "Bearer " + signToken(test, "other-key", "alice", time.Now().Add(time.Hour)), status: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + signToken(test, testSigningKey, "alice", time.Now().Add(-time.Hour)), status: http.StatusUnauthorized},
		{name: "empty_subject", header: "Bearer " + signToken(test, testSigningKey, "", time.Now().Add(time.Hour)), status: http.StatusUnauthorized},
		{name: "missing", header: "", status: http.StatusUnauthorized},
	}
	for _, testCase := range testCases {
		request := httptest.NewRequest(http.MethodPost, "/api/accounts/alice", nil)
		request.Header.Set(headerAccountID, "alice")
		if testCase.header != "" {
			request.Header.Set(headerAuthorization, testCase.header)
		}
		recorder := httptest.NewRecorder()
		fixture.router.ServeHTTP(recorder, request)
		assert.Equal(test, testCase.status, recorder.Code, testCase.name)
	}
}
