package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestActiveRulesGauge(t *testing.T) {
	g := NewActiveRulesGauge("dispatch-test")
	g.ActiveRules(7)

	if got := testutil.ToFloat64(ActiveRules.WithLabelValues("dispatch-test")); got != 7 {
		t.Errorf("expected gauge 7, got %v", got)
	}

	g.ActiveRules(0)
	if got := testutil.ToFloat64(ActiveRules.WithLabelValues("dispatch-test")); got != 0 {
		t.Errorf("expected gauge 0 after reset, got %v", got)
	}
}

func TestRecordDispatch(t *testing.T) {
	txBefore := testutil.ToFloat64(TransactionsDispatched)
	tasksBefore := testutil.ToFloat64(EvaluationTasks)

	RecordDispatch(3)

	if got := testutil.ToFloat64(TransactionsDispatched) - txBefore; got != 1 {
		t.Errorf("expected 1 dispatched transaction, got %v", got)
	}
	if got := testutil.ToFloat64(EvaluationTasks) - tasksBefore; got != 3 {
		t.Errorf("expected 3 tasks, got %v", got)
	}
}

func TestEngineObserver(t *testing.T) {
	before := testutil.ToFloat64(TasksDiscarded.WithLabelValues("late_event"))
	closedBefore := testutil.ToFloat64(WindowsClosed)

	var o EngineObserver
	o.TaskDiscarded("late_event")
	o.WindowClosed()

	if got := testutil.ToFloat64(TasksDiscarded.WithLabelValues("late_event")) - before; got != 1 {
		t.Errorf("expected 1 discarded task, got %v", got)
	}
	if got := testutil.ToFloat64(WindowsClosed) - closedBefore; got != 1 {
		t.Errorf("expected 1 closed window, got %v", got)
	}
}

func TestRecordCheckpoint(t *testing.T) {
	failuresBefore := testutil.ToFloat64(CheckpointFailures)

	RecordCheckpoint(15*time.Millisecond, nil)
	RecordCheckpoint(time.Second, errors.New("store unavailable"))

	if got := testutil.ToFloat64(CheckpointFailures) - failuresBefore; got != 1 {
		t.Errorf("expected 1 checkpoint failure, got %v", got)
	}
}

func TestRecordAlerts(t *testing.T) {
	before := testutil.ToFloat64(AlertsEmitted)
	RecordAlerts(0)
	RecordAlerts(2)
	if got := testutil.ToFloat64(AlertsEmitted) - before; got != 2 {
		t.Errorf("expected 2 alerts, got %v", got)
	}
}
