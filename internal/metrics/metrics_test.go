package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersExposed(t *testing.T) {
	EventPublished("task-update")
	HandlerFailed("task-update")
	TaskTransition("completed")
	RecallRetried("store")
	ObserveHTTPRequest("tasks", "GET", 200, 10*time.Millisecond)

	if got := testutil.ToFloat64(busHandlerFailures.WithLabelValues("task-update")); got < 1 {
		t.Fatalf("expected handler failure counter, got %v", got)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"ava_bus_published_total", "ava_task_transitions_total", "ava_recall_retries_total", "ava_http_requests_total"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}
