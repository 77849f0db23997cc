package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsRegistered(t *testing.T) {
	CacheLookups.WithLabelValues("hit").Add(3)
	Cycles.WithLabelValues("ok").Inc()

	if got := testutil.ToFloat64(CacheLookups.WithLabelValues("hit")); got < 3 {
		t.Fatalf("cache hits = %v, want at least 3", got)
	}
	if n := testutil.CollectAndCount(Cycles); n == 0 {
		t.Fatal("cycles_total has no series")
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	TranslationRequests.WithLabelValues("en", "ok").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"quoteharvest_translation_requests_total",
		"quoteharvest_cache_lookups_total",
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output lacks %s", name)
		}
	}
}
