package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeSource struct{}

func (fakeSource) ReadBytes() uint64    { return 120 }
func (fakeSource) SentBytes() uint64    { return 64 }
func (fakeSource) MessageCount() uint64 { return 3 }
func (fakeSource) PendingActions() int  { return 2 }
func (fakeSource) EventBacklog() int    { return 7 }

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg, nil)
	SetBuildInfo("1.0.0", "abc", "2024-01-01")
	SetConnected(true)
	RecordAction("Ping", OutcomeSuccess, 100*time.Millisecond)
	RecordEvent(OutcomeHandled)
	RecordEvent(OutcomeHandled)
	RecordReconnect()
	RecordQueueMessage("AmiOriginateRequest", OutcomeSuccess)

	if v := testutil.ToFloat64(actions.WithLabelValues("Ping", OutcomeSuccess)); v != 1 {
		t.Fatalf("actions: %v", v)
	}
	if v := testutil.ToFloat64(events.WithLabelValues(OutcomeHandled)); v != 2 {
		t.Fatalf("events: %v", v)
	}
	if v := testutil.ToFloat64(connected); v != 1 {
		t.Fatalf("connected: %v", v)
	}
	if v := testutil.ToFloat64(reconnects); v < 1 {
		t.Fatalf("reconnects: %v", v)
	}
	if v := testutil.ToFloat64(queueMessages.WithLabelValues("AmiOriginateRequest", OutcomeSuccess)); v != 1 {
		t.Fatalf("queue messages: %v", v)
	}
	if v := testutil.ToFloat64(buildInfo.WithLabelValues("2024-01-01", "abc", "1.0.0")); v != 1 {
		t.Fatalf("build info: %v", v)
	}
	if n := testutil.CollectAndCount(actionDuration); n != 1 {
		t.Fatalf("action duration series: %d", n)
	}
}

func TestSourceGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg, fakeSource{})

	expected := `
# HELP ami_event_backlog Events queued for dispatch
# TYPE ami_event_backlog gauge
ami_event_backlog 7
# HELP ami_pending_actions Actions awaiting a response
# TYPE ami_pending_actions gauge
ami_pending_actions 2
# HELP ami_read_bytes Bytes read from the manager since the last counter reset
# TYPE ami_read_bytes gauge
ami_read_bytes 120
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"ami_read_bytes", "ami_pending_actions", "ami_event_backlog")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
}
