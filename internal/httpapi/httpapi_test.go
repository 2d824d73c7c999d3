package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/vespa-sync/internal/authtoken"
	"github.com/mind-engage/vespa-sync/internal/classifier"
	"github.com/mind-engage/vespa-sync/internal/httpapi"
	"github.com/mind-engage/vespa-sync/internal/linker"
	"github.com/mind-engage/vespa-sync/internal/loader"
	"github.com/mind-engage/vespa-sync/internal/ratelimit"
	"github.com/mind-engage/vespa-sync/internal/refresh"
	"github.com/mind-engage/vespa-sync/internal/sourcecrm"
	"github.com/mind-engage/vespa-sync/internal/warehouse"
)

type emptyPagesDoer struct{}

func (emptyPagesDoer) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewBufferString(`{"records": [], "total_pages": 1}`)),
	}, nil
}

func newTestRouter(t *testing.T) (http.Handler, *authtoken.Issuer) {
	t.Helper()
	ctx := context.Background()
	db, err := warehouse.Open(ctx, warehouse.DriverSQLite, "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`INSERT INTO establishments (external_id, name, use_standard_year) VALUES ('est-1', 'Acme School', 'yes')`)
	require.NoError(t, err)

	lk := linker.New(db)
	require.NoError(t, lk.Warm(ctx))
	ld := loader.New(db, 200)
	crm := &sourcecrm.Client{BaseURL: "http://fake.invalid", HTTP: emptyPagesDoer{}, Limiter: ratelimit.New(1000)}

	r := refresh.New(crm, lk, ld)
	issuer := authtoken.NewIssuer("test-secret")
	return httpapi.NewRouter(r, issuer), issuer
}

func TestRefreshEndpoint_RejectsMissingBearerToken(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/refresh", bytes.NewBufferString(`{"establishment_external_id":"est-1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshEndpoint_RejectsInvalidBearerToken(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/refresh", bytes.NewBufferString(`{"establishment_external_id":"est-1"}`))
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshEndpoint_RejectsMissingBody(t *testing.T) {
	router, issuer := newTestRouter(t)
	token, err := issuer.Mint("scheduler", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/refresh", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshEndpoint_ReturnsNotFoundForUnknownEstablishment(t *testing.T) {
	router, issuer := newTestRouter(t)
	token, err := issuer.Mint("scheduler", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/refresh", bytes.NewBufferString(`{"establishment_external_id":"does-not-exist"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefreshEndpoint_SucceedsForKnownEstablishment(t *testing.T) {
	origNow := classifier.Now
	classifier.Now = func() time.Time { return time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { classifier.Now = origNow })

	router, issuer := newTestRouter(t)
	token, err := issuer.Mint("scheduler", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/refresh", bytes.NewBufferString(`{"establishment_external_id":"est-1"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "est-1", body["establishment_external_id"])
	assert.Equal(t, "2024/2025", body["academic_year"])
}

func TestHealthz_DoesNotRequireAuth(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
