package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bodegapos/backend/internal/auth"
	"github.com/bodegapos/backend/internal/compaction"
	"github.com/bodegapos/backend/internal/conflict"
	"github.com/bodegapos/backend/internal/eventlog"
	"github.com/bodegapos/backend/internal/ingest"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type stubTokenManager struct {
	session     auth.DeviceSession
	validateErr error
}

func (s stubTokenManager) IssueDeviceToken(_ context.Context, _ auth.DeviceSession) (string, int64, error) {
	return "issued-token", 3600, nil
}

func (s stubTokenManager) ValidateToken(string) (auth.DeviceSession, error) {
	if s.validateErr != nil {
		return auth.DeviceSession{}, s.validateErr
	}
	return s.session, nil
}

type sequentialIDProvider struct {
	next int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("generated-%d", p.next), nil
}

type staticDriftCounter int64

func (d staticDriftCounter) DriftCount() int64 {
	return int64(d)
}

type serverFixture struct {
	handler  http.Handler
	database *gorm.DB
}

func mustServerFixture(testContext *testing.T, session auth.DeviceSession) *serverFixture {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", testContext.Name())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&eventlog.Event{}, &conflict.AuditEntry{}, &conflict.PendingConflict{}, &compaction.Snapshot{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	fixedClock := func() time.Time {
		return time.Unix(1700000100, 0).UTC()
	}
	conflicts, err := conflict.NewService(conflict.ServiceConfig{
		Database:   database,
		IDProvider: &sequentialIDProvider{},
		Clock:      fixedClock,
	})
	if err != nil {
		testContext.Fatalf("failed to create conflict service: %v", err)
	}
	ingestService, err := ingest.NewService(ingest.ServiceConfig{
		Database:  database,
		Conflicts: conflicts,
		Clock:     fixedClock,
	})
	if err != nil {
		testContext.Fatalf("failed to create ingest service: %v", err)
	}
	compactor, err := compaction.NewCompactor(compaction.CompactorConfig{
		Database:   database,
		IDProvider: &sequentialIDProvider{},
		Clock:      fixedClock,
	})
	if err != nil {
		testContext.Fatalf("failed to create compactor: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:  stubTokenManager{session: session},
		EnrollmentKey: "enroll-key",
		IngestService: ingestService,
		Conflicts:     conflicts,
		Snapshots:     compactor,
		Drift:         staticDriftCounter(0),
		Logger:        zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	return &serverFixture{handler: handler, database: database}
}

func authedRequest(method, target string, body any) *http.Request {
	var reader *bytes.Reader
	if body != nil {
		encoded, _ := json.Marshal(body)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, target, reader)
	request.Header.Set("Authorization", "Bearer device-token")
	request.Header.Set("Content-Type", "application/json")
	return request
}

func TestPushEndpointPersistsBatch(t *testing.T) {
	session := auth.DeviceSession{DeviceID: "caja-1", StoreID: "store-1", Role: "cashier"}
	fixture := mustServerFixture(t, session)

	body := ingest.PushRequest{
		StoreID:  "store-1",
		DeviceID: "caja-1",
		Events: []ingest.PushEvent{{
			EventID:   "evt-1",
			Seq:       1,
			Type:      "ProductCreated",
			Version:   1,
			CreatedAt: 1700000000000,
			Actor:     ingest.Actor{UserID: "user-1", Role: "cashier"},
			Payload:   json.RawMessage(`{"product_id":"prod-1","name":"Harina PAN","price_bs":180,"price_usd":2.5,"is_active":true}`),
		}},
	}

	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, authedRequest(http.MethodPost, "/sync/push", body))

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	var response ingest.PushResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if len(response.Accepted) != 1 || response.Accepted[0].EventID != "evt-1" {
		t.Fatalf("unexpected response %+v", response)
	}

	var count int64
	if err := fixture.database.Model(&eventlog.Event{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("events persisted = %d, want 1", count)
	}
}

func TestPushEndpointRejectsIdentityMismatch(t *testing.T) {
	session := auth.DeviceSession{DeviceID: "caja-1", StoreID: "store-1", Role: "cashier"}
	fixture := mustServerFixture(t, session)

	body := ingest.PushRequest{StoreID: "store-1", DeviceID: "caja-2"}
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, authedRequest(http.MethodPost, "/sync/push", body))

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for another device's identity", recorder.Code)
	}
}

func TestPushEndpointRequiresToken(t *testing.T) {
	session := auth.DeviceSession{DeviceID: "caja-1", StoreID: "store-1"}
	fixture := mustServerFixture(t, session)

	request := httptest.NewRequest(http.MethodPost, "/sync/push", bytes.NewReader([]byte(`{}`)))
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a bearer token", recorder.Code)
	}
}

func TestStatusEndpointReportsDevice(t *testing.T) {
	session := auth.DeviceSession{DeviceID: "caja-1", StoreID: "store-1", Role: "cashier"}
	fixture := mustServerFixture(t, session)

	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, authedRequest(http.MethodGet, "/sync/status", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	var status ingest.DeviceStatus
	if err := json.Unmarshal(recorder.Body.Bytes(), &status); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if status.DeviceID != "caja-1" || status.LastSeq != 0 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSnapshotEndpointReturns404WhenMissing(t *testing.T) {
	session := auth.DeviceSession{DeviceID: "caja-1", StoreID: "store-1", Role: "cashier"}
	fixture := mustServerFixture(t, session)

	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, authedRequest(http.MethodGet, "/sync/snapshot?entity_type=product&entity_id=prod-9", nil))

	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unknown snapshot", recorder.Code)
	}
}

func TestResolveEndpointRequiresOwnerRole(t *testing.T) {
	session := auth.DeviceSession{DeviceID: "caja-1", StoreID: "store-1", Role: "cashier"}
	fixture := mustServerFixture(t, session)

	body := map[string]string{"resolution": "keep_mine", "actor_user_id": "user-1"}
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, authedRequest(http.MethodPost, "/sync/conflicts/conf-1/resolve", body))

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for cashier", recorder.Code)
	}
}

func TestResolveEndpointReturns404ForUnknownConflict(t *testing.T) {
	session := auth.DeviceSession{DeviceID: "caja-1", StoreID: "store-1", Role: "owner"}
	fixture := mustServerFixture(t, session)

	body := map[string]string{"resolution": "keep_mine", "actor_user_id": "user-1"}
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, authedRequest(http.MethodPost, "/sync/conflicts/conf-missing/resolve", body))

	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body %s", recorder.Code, recorder.Body.String())
	}
}

func TestHealthEndpointIsPublic(t *testing.T) {
	session := auth.DeviceSession{DeviceID: "caja-1", StoreID: "store-1", Role: "cashier"}
	fixture := mustServerFixture(t, session)

	request := httptest.NewRequest(http.MethodGet, "/health/sync", http.NoBody)
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	var health healthResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &health); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if health.UnresolvedConflicts != 0 || health.DriftCount != 0 {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestDeviceEnrollmentExchangesKeyForToken(t *testing.T) {
	session := auth.DeviceSession{}
	fixture := mustServerFixture(t, session)

	body := map[string]string{
		"store_id":       "store-1",
		"device_id":      "caja-1",
		"role":           "cashier",
		"enrollment_key": "enroll-key",
	}
	encoded, _ := json.Marshal(body)
	request := httptest.NewRequest(http.MethodPost, "/auth/device", bytes.NewReader(encoded))
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	var response enrollmentResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if response.AccessToken == "" || response.TokenType != "Bearer" {
		t.Fatalf("unexpected enrollment response %+v", response)
	}

	body["enrollment_key"] = "wrong-key"
	encoded, _ = json.Marshal(body)
	request = httptest.NewRequest(http.MethodPost, "/auth/device", bytes.NewReader(encoded))
	recorder = httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for bad key", recorder.Code)
	}
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/sync/status", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	handler := &httpHandler{
		tokens: stubTokenManager{validateErr: jwt.ErrTokenExpired},
		logger: logger,
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/sync/status", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	handler := &httpHandler{
		tokens: stubTokenManager{validateErr: errors.New("signature mismatch")},
		logger: logger,
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %v", entries)
	}
}
