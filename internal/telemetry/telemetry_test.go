package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if cacheOpsTotal == nil || jobTransitionsTotal == nil || hubEventsTotal == nil {
		t.Fatal("Init() did not initialize collectors")
	}

	ObserveCacheRead("job-status", "hit", time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))
	if val := testutil.ToFloat64(cacheOpsTotal.WithLabelValues("job-status", "hit")); val != 1 {
		t.Errorf("expected cacheOpsTotal hit to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(cacheDailyOpsTotal.WithLabelValues("2026-08-28", "hit")); val != 1 {
		t.Errorf("expected cacheDailyOpsTotal hit to be 1, got %f", val)
	}
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/jobs", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/jobs")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if errInner := resp.Body.Close(); errInner != nil {
			t.Log(errInner)
		}
	}()

	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")); val < 1 {
		t.Errorf("expected httpRequestsTotal for GET 200 to be at least 1, got %f", val)
	}
	if val := testutil.CollectAndCount(httpRequestDurationSeconds); val <= 0 {
		t.Errorf("expected httpRequestDurationSeconds to be observed, got %d", val)
	}
}
