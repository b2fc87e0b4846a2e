package controller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/impactmarket/ledgerx/pkg/errs"
	"github.com/impactmarket/ledgerx/pkg/reporting"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeReader struct {
	from, to time.Time
}

func (f *fakeReader) GetCommunityDailyStates(_ context.Context, community string, from, to time.Time) (reporting.DailyStatesPage, error) {
	f.from, f.to = from, to
	if community == "0xmissing" {
		return reporting.DailyStatesPage{}, errs.ErrNotFound
	}
	if to.Before(from) {
		return reporting.DailyStatesPage{}, reporting.ErrBadRange
	}
	return reporting.DailyStatesPage{Community: community, From: from, To: to, Rows: []ledger.CommunityDailyState{}, Gaps: []time.Time{from}}, nil
}

func (f *fakeReader) GetSustainabilityIndex(_ context.Context, community string) (ledger.SustainabilityMetric, error) {
	if community == "0xdown" {
		return ledger.SustainabilityMetric{}, errs.Persistence("get metric", context.DeadlineExceeded)
	}
	return ledger.SustainabilityMetric{Community: community, SSI: decimal.RequireFromString("0.69"), Status: ledger.MetricStatusOK}, nil
}

func (f *fakeReader) GetBeneficiaryState(_ context.Context, community, address string) (*ledger.BeneficiaryState, error) {
	if address != "0xb1" {
		return nil, errs.ErrNotFound
	}
	return &ledger.BeneficiaryState{Community: community, Beneficiary: address, ClaimsCount: 1, CumulativeClaimed: decimal.NewFromInt(5)}, nil
}

type fakeLedger struct {
	purged [][2]uint64
}

func (f *fakeLedger) CurrentCheckpoint(context.Context) (uint64, error) { return 1234, nil }

func (f *fakeLedger) Purge(_ context.Context, from, to uint64) (int64, error) {
	f.purged = append(f.purged, [2]uint64{from, to})
	return int64(to - from + 1), nil
}

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

func newTestController(t *testing.T) (*Controller, *fakeReader, *fakeLedger) {
	reader, l := &fakeReader{}, &fakeLedger{}
	return &Controller{
		Reader:     reader,
		Ledger:     l,
		DB:         okPinger{},
		Logger:     zaptest.NewLogger(t),
		AdminToken: "devtoken",
		JWTSecret:  []byte("secret"),
	}, reader, l
}

func do(t *testing.T, c *Controller, method, target, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	c.NewRouter().ServeHTTP(rec, req)
	return rec
}

func signed(t *testing.T, role string, method jwt.SigningMethod, key any) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, jwt.MapClaims{
		"sub":  "ops",
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func TestHealthAndCheckpoint(t *testing.T) {
	c, _, _ := newTestController(t)

	rec := do(t, c, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, c, http.MethodGet, "/checkpoint", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]uint64
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, uint64(1234), body["last_block"])
}

func TestDailyStatesQueryParsing(t *testing.T) {
	c, reader, _ := newTestController(t)

	rec := do(t, c, http.MethodGet, "/communities/0xc1/daily?from=2024-03-01&to=2024-03-05", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), reader.from)
	require.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), reader.to)

	rec = do(t, c, http.MethodGet, "/communities/0xc1/daily?to=2024-03-05", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, reader.to, reader.from)

	rec = do(t, c, http.MethodGet, "/communities/0xc1/daily?from=03/01/2024", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, c, http.MethodGet, "/communities/0xc1/daily?from=2024-03-05&to=2024-03-01", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, c, http.MethodGet, "/communities/0xmissing/daily", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSSIAndBeneficiary(t *testing.T) {
	c, _, _ := newTestController(t)

	rec := do(t, c, http.MethodGet, "/communities/0xc1/ssi", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ssi":"0.69"`)

	rec = do(t, c, http.MethodGet, "/communities/0xdown/ssi", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NotContains(t, rec.Body.String(), "deadline")

	rec = do(t, c, http.MethodGet, "/communities/0xc1/beneficiaries/0xb1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, c, http.MethodGet, "/communities/0xc1/beneficiaries/0xb2", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPurgeRequiresAdmin(t *testing.T) {
	c, _, l := newTestController(t)
	target := "/admin/ledger?from=10&to=20"

	require.Equal(t, http.StatusUnauthorized, do(t, c, http.MethodDelete, target, "").Code)
	require.Equal(t, http.StatusUnauthorized, do(t, c, http.MethodDelete, target, "wrong").Code)
	require.Equal(t, http.StatusForbidden, do(t, c, http.MethodDelete, target, signed(t, "viewer", jwt.SigningMethodHS256, []byte("secret"))).Code)
	require.Equal(t, http.StatusUnauthorized, do(t, c, http.MethodDelete, target, signed(t, "admin", jwt.SigningMethodHS256, []byte("other"))).Code)
	require.Equal(t, http.StatusUnauthorized, do(t, c, http.MethodDelete, target, signed(t, "admin", jwt.SigningMethodHS512, []byte("secret"))).Code)
	require.Empty(t, l.purged)

	rec := do(t, c, http.MethodDelete, target, "devtoken")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `"purged":11`))

	rec = do(t, c, http.MethodDelete, target, signed(t, "admin", jwt.SigningMethodHS256, []byte("secret")))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, l.purged, 2)

	require.Equal(t, http.StatusBadRequest, do(t, c, http.MethodDelete, "/admin/ledger?from=20&to=10", "devtoken").Code)
	require.Equal(t, http.StatusMethodNotAllowed, do(t, c, http.MethodGet, target, "devtoken").Code)
}
