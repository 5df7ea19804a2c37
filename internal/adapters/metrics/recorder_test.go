package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hylla/ebb/internal/app"
	"github.com/hylla/ebb/internal/domain"
)

func TestRecorderCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ActionEnqueued(domain.ActionSearch, domain.PriorityHigh)
	r.ActionEnqueued(domain.ActionSearch, domain.PriorityHigh)
	r.ActionProcessed(domain.ActionSearch, app.OutcomeSynced, 20*time.Millisecond)
	r.ActionProcessed(domain.ActionSearch, app.OutcomeStale, time.Second)
	r.SyncCompleted(app.OutcomeSynced, 3, time.Second)

	counters := map[string]struct {
		c    prometheus.Collector
		want float64
	}{
		"enqueued":         {r.enqueued.WithLabelValues("search", "high"), 2},
		"processed synced": {r.processed.WithLabelValues("search", app.OutcomeSynced), 1},
		"processed stale":  {r.processed.WithLabelValues("search", app.OutcomeStale), 1},
		"sync actions":     {r.syncActions, 3},
	}
	for name, tc := range counters {
		if got := testutil.ToFloat64(tc.c); got != tc.want {
			t.Fatalf("%s = %v, want %v", name, got, tc.want)
		}
	}
	if got := testutil.CollectAndCount(r.handlerTime); got != 1 {
		t.Fatalf("handler time series = %d, want 1", got)
	}

	count, err := testutil.GatherAndCount(reg, "ebb_sync_runs_total")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("sync run series = %d, want 1", count)
	}
}

func TestRecorderQueueDepthZeroesMissingStatuses(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.QueueDepth(map[domain.Status]int{domain.StatusQueued: 4, domain.StatusFailed: 1})
	r.QueueDepth(map[domain.Status]int{domain.StatusQueued: 2})

	if got := testutil.ToFloat64(r.depth.WithLabelValues("queued")); got != 2 {
		t.Fatalf("queued depth = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.depth.WithLabelValues("failed")); got != 0 {
		t.Fatalf("failed depth = %v, want 0", got)
	}
	if got, want := testutil.CollectAndCount(r.depth), len(domain.Statuses()); got != want {
		t.Fatalf("depth series = %d, want %d", got, want)
	}
}

func TestRecorderNetwork(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.NetworkChanged(true)
	if got := testutil.ToFloat64(r.online); got != 1 {
		t.Fatalf("online gauge = %v, want 1", got)
	}
	r.NetworkChanged(false)
	if got := testutil.ToFloat64(r.online); got != 0 {
		t.Fatalf("online gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(r.networkEvents.WithLabelValues("offline")); got != 1 {
		t.Fatalf("offline events = %v, want 1", got)
	}
}
