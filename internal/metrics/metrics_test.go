package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareLabelsRouteTemplate(t *testing.T) {
	r := mux.NewRouter()
	r.Use(Middleware)
	r.HandleFunc("/v1/rooms/{roomId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/v1/rooms/{roomId}", "418"))
	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/rooms/"+id, nil))
		assert.Equal(t, http.StatusTeapot, rec.Code)
	}
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/v1/rooms/{roomId}", "418"))
	assert.Equal(t, 2.0, after-before)
}

func TestDomainCounters(t *testing.T) {
	before := testutil.ToFloat64(snapshotSaves.WithLabelValues("failed"))
	SnapshotSaved(errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(snapshotSaves.WithLabelValues("failed"))-before)

	before = testutil.ToFloat64(moves.WithLabelValues(OutcomeStale))
	MoveProcessed(OutcomeStale)
	assert.Equal(t, 1.0, testutil.ToFloat64(moves.WithLabelValues(OutcomeStale))-before)
}
