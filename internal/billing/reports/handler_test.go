package reports

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, store Store, path string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(nil, newService(store, nil), 7).MountRoutes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatsHandlerEmptyYear(t *testing.T) {
	rec := serve(t, seededStore(), "/stats?year=2019")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"year":2019,"monthly":[],"yearlyTotal":"0.00","topClients":[]}`, rec.Body.String())
}

func TestStatsHandlerDefaultsToCurrentYear(t *testing.T) {
	rec := serve(t, seededStore(), "/stats?top=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body statsView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2024, body.Year)
	require.Equal(t, "320.00", body.YearlyTotal)
	require.Len(t, body.TopClients, 1)
	require.Equal(t, "200.00", body.TopClients[0].Total)
}

func TestHistoryHandler(t *testing.T) {
	rec := serve(t, seededStore(), "/history?clientId=2&year=2024&month=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body historyView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	require.Equal(t, "19.99", body.TotalAmount)
	require.Equal(t, "2024-01-20", body.Entries[0].PaymentDate)

	rec = serve(t, seededStore(), "/history?month=2")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, seededStore(), "/history?from=yesterday&limit=0")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var problem map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	fields := problem["fields"].(map[string]any)
	require.Contains(t, fields, "from")
	require.Contains(t, fields, "limit")
}

func TestDueHandler(t *testing.T) {
	store := &fakeStore{plans: []DueClient{{ClientID: 1, Name: "Ana", Email: "ana@example.com", NextDueDate: day(2024, 3, 15), Frequency: "monthly"}}}
	rec := serve(t, store, "/due")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"daysUntilDue":5`)

	rec = serve(t, store, "/due?days=2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())

	rec = serve(t, store, "/due?days=x")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
