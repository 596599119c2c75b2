package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"lostfound/api/internal/auth"
	"lostfound/api/internal/claims"
	"lostfound/api/internal/logging"
	"lostfound/api/internal/metrics"
	"lostfound/api/internal/realtime"
	"lostfound/api/internal/store"
)

const testSecret = "lostfound-test-secret"

type testEnv struct {
	db      *sql.DB
	store   *store.SQLStore
	broker  *realtime.MemoryBroker
	metrics *metrics.Metrics
	service *Service
	server  *HTTPServer
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := logging.New(io.Discard, slog.LevelError)
	st := store.NewSQLStore(db, store.DialectSQLite)
	broker := realtime.NewMemoryBroker()
	m := metrics.New()
	svc := New(st, broker,
		WithFeed(realtime.NewFeed(st, broker, log)),
		WithMetrics(m),
		WithLogger(log),
	)
	server := NewHTTPServer(svc, auth.NewVerifier(testSecret, ""), "*")
	return &testEnv{
		db:      db,
		store:   st,
		broker:  broker,
		metrics: m,
		service: svc,
		server:  server,
		handler: server.Handler(),
	}
}

func tokenFor(t *testing.T, subject string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

// postItem creates an item as creator through the API.
func (e *testEnv) postItem(t *testing.T, creator, label string) claims.Item {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/items", tokenFor(t, creator), CreateItemInput{
		Label:       label,
		Description: "left on the number 12 bus",
		Latitude:    51.5,
		Longitude:   -0.12,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create item: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Item claims.Item `json:"item"`
	}
	decodeResponse(t, rr, &payload)
	return payload.Item
}

func (e *testEnv) setDisplayName(t *testing.T, subject, name string) {
	t.Helper()
	rr := e.do(t, http.MethodPut, "/api/me/profile", tokenFor(t, subject), UpdateProfileInput{DisplayName: name})
	if rr.Code != http.StatusOK {
		t.Fatalf("update profile: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Code string `json:"code"`
	}
	decodeResponse(t, rr, &payload)
	return payload.Code
}
