/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"

	"github.com/lordkingpriest/problemsolver"
	model2 "github.com/lordkingpriest/problemsolver/api/model"
	"github.com/lordkingpriest/problemsolver/config"
	"github.com/lordkingpriest/problemsolver/database"
)

type TestRequest struct {
	Payload  io.Reader
	Router   *gin.Engine
	Response interface{}
	Method   string
	Route    string
	Header   map[string]string
}

func SetUpTestRequest(s TestRequest) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(s.Method, s.Route, s.Payload)
	for key, value := range s.Header {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.Router.ServeHTTP(resp, req)

	if s.Response != nil {
		err := json.NewDecoder(resp.Body).Decode(&s.Response)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func testConfiguration(redisAddr string) *config.Configuration {
	return &config.Configuration{
		Redis:      config.RedisConfig{Dns: redisAddr},
		DataSource: config.DataSourceConfig{Dns: "postgres://test"},
		AmountDiff: config.AmountDiffConfig{K: 3, MaxCreationAttempts: 5},
		Queue:      config.QueueConfig{WebhookQueue: "new:webhook"},
	}
}

func setupRouter(t *testing.T, mutate func(*config.Configuration)) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()
	mr := miniredis.RunT(t)
	cnf := testConfiguration(mr.Addr())
	if mutate != nil {
		mutate(cnf)
	}
	config.MockConfig(cnf)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	service, err := problemsolver.NewProblemsolver(database.Datasource{Conn: db})
	require.NoError(t, err)

	return NewAPI(service).Router(), mock
}

func TestCreateMerchant(t *testing.T) {
	router, mock := setupRouter(t, nil)

	body := model2.CreateMerchant{
		Name:       gofakeit.Company(),
		WebhookURL: "https://merchant.example/hooks",
	}
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO merchants").
		WithArgs(sqlmock.AnyArg(), body.Name, body.WebhookURL, "low", "pending").
		WillReturnResult(sqlmock.NewResult(1, 1))

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  bytes.NewReader(payload),
		Router:   router,
		Response: &response,
		Method:   http.MethodPost,
		Route:    "/merchants",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.Code)
	assert.NotEmpty(t, response["merchant_id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMerchantValidation(t *testing.T) {
	router, mock := setupRouter(t, nil)

	tests := []struct {
		name    string
		payload model2.CreateMerchant
	}{
		{name: "missing name", payload: model2.CreateMerchant{WebhookURL: "https://merchant.example/hooks"}},
		{name: "bad webhook url", payload: model2.CreateMerchant{Name: "Acme", WebhookURL: "not-a-url"}},
		{name: "unknown risk tier", payload: model2.CreateMerchant{Name: "Acme", RiskTier: "extreme"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(tt.payload)
			require.NoError(t, err)

			var response map[string]interface{}
			resp, err := SetUpTestRequest(TestRequest{
				Payload:  bytes.NewReader(payload),
				Router:   router,
				Response: &response,
				Method:   http.MethodPost,
				Route:    "/merchants",
			})
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
		})
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMerchant(t *testing.T) {
	router, mock := setupRouter(t, nil)
	merchantID := uuid.New()

	mock.ExpectQuery("SELECT id, name,").
		WithArgs(merchantID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "webhook_url", "risk_tier", "onboarding_status", "created_at"}).
			AddRow(merchantID, "Acme Widgets", "https://merchant.example/hooks", "low", "active", time.Now()))

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Response: &response,
		Method:   http.MethodGet,
		Route:    "/merchants/" + merchantID.String(),
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, merchantID.String(), response["merchant_id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMerchantNotFound(t *testing.T) {
	router, mock := setupRouter(t, nil)
	merchantID := uuid.New()

	mock.ExpectQuery("SELECT id, name,").
		WithArgs(merchantID).
		WillReturnError(sql.ErrNoRows)

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Response: &response,
		Method:   http.MethodGet,
		Route:    "/merchants/" + merchantID.String(),
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMerchantRejectsBadID(t *testing.T) {
	router, _ := setupRouter(t, nil)

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Response: &response,
		Method:   http.MethodGet,
		Route:    "/merchants/not-a-uuid",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestStatsEndpoint(t *testing.T) {
	router, _ := setupRouter(t, nil)

	var response map[string]int64
	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Response: &response,
		Method:   http.MethodGet,
		Route:    "/stats",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, response, "deposits_stored")
	assert.Contains(t, response, "deposits_credited")
	assert.Contains(t, response, "collisions")
}

func TestSecretKeyAuth(t *testing.T) {
	router, _ := setupRouter(t, func(cnf *config.Configuration) {
		cnf.Server = config.ServerConfig{Secure: true, SecretKey: "test-secret"}
	})

	resp, err := SetUpTestRequest(TestRequest{
		Router: router,
		Method: http.MethodGet,
		Route:  "/stats",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp, err = SetUpTestRequest(TestRequest{
		Router: router,
		Method: http.MethodGet,
		Route:  "/stats",
		Header: map[string]string{"X-PS-Key": "test-secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestRateLimit(t *testing.T) {
	router, _ := setupRouter(t, func(cnf *config.Configuration) {
		cnf.RateLimit = config.RateLimitConfig{
			RequestsPerSecond:  ptr.Float64(1),
			Burst:              ptr.Int(1),
			CleanupIntervalSec: ptr.Int(60),
		}
	})

	limited := false
	for i := 0; i < 5; i++ {
		resp, err := SetUpTestRequest(TestRequest{
			Router: router,
			Method: http.MethodGet,
			Route:  "/health",
		})
		require.NoError(t, err)
		if resp.Code == http.StatusTooManyRequests {
			limited = true
		}
	}
	assert.True(t, limited)
}
