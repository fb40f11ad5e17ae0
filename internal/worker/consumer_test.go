package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

func publish(t *testing.T, b domain.EventBus, topic string, payload string) {
	t.Helper()
	if err := b.Publish(context.Background(), topic, []byte(payload)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func waitRules(t *testing.T, c *Cluster, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(c.Rules()) != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d rules, got %d", n, len(c.Rules()))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConsumer(t *testing.T) {
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()

	c := newCluster(t, testConfig(2, 2))
	start(t, c)

	consumer := NewConsumer(eventBus, c, quietLogger())
	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer consumer.Stop()

	t.Run("Topics", func(t *testing.T) {
		topics := consumer.Topics()
		if len(topics) != 2 || topics[0] != domain.TopicRules || topics[1] != domain.TopicTransactions {
			t.Errorf("unexpected topics %v", topics)
		}
	})

	t.Run("RuleAndTransactions", func(t *testing.T) {
		publish(t, eventBus, domain.TopicRules, `{
			"ruleId": 1,
			"ruleState": "ACTIVE",
			"groupingKeyNames": ["payeeId"],
			"aggregateFieldName": "paymentAmount",
			"aggregatorFunctionType": "SUM",
			"limitOperatorType": "GREATER",
			"limit": 100,
			"windowMinutes": 1
		}`)
		waitRules(t, c, 1)

		publish(t, eventBus, domain.TopicTransactions,
			`{"transactionId":1,"payeeId":42,"beneficiaryId":7,"paymentAmount":50,"paymentType":"CARD","eventTime":1700000000000}`)
		publish(t, eventBus, domain.TopicTransactions,
			`{"transactionId":2,"payeeId":42,"beneficiaryId":7,"paymentAmount":60,"paymentType":"CASH","eventTime":1700000010000}`)

		a := waitAlert(t, c.Alerts())
		if !a.ComputedValue.Equal(decimal.NewFromInt(110)) {
			t.Errorf("expected 110, got %s", a.ComputedValue)
		}
	})

	t.Run("MalformedRecordsSkipped", func(t *testing.T) {
		publish(t, eventBus, domain.TopicRules, `{not json`)
		publish(t, eventBus, domain.TopicRules, `{"ruleId":9,"ruleState":"CONTROL","controlType":"REBOOT"}`)
		publish(t, eventBus, domain.TopicTransactions, `{"transactionId":"x"}`)
		publish(t, eventBus, domain.TopicTransactions,
			`{"transactionId":3,"payeeId":42,"paymentAmount":1,"paymentType":"CHEQUE","eventTime":1700000020000}`)

		// The pipeline keeps working afterwards.
		publish(t, eventBus, domain.TopicRules, `{"ruleId":2,"ruleState":"PAUSE","groupingKeyNames":["payeeId"],"aggregateFieldName":"COUNT","aggregatorFunctionType":"SUM","limitOperatorType":">","limit":5,"windowMinutes":1}`)
		waitRules(t, c, 2)
	})

	t.Run("InvalidRuleRejected", func(t *testing.T) {
		publish(t, eventBus, domain.TopicRules, `{"ruleId":3,"ruleState":"ACTIVE","groupingKeyNames":["iban"],"aggregateFieldName":"paymentAmount","aggregatorFunctionType":"SUM","limitOperatorType":">","limit":5,"windowMinutes":1}`)
		publish(t, eventBus, domain.TopicRules, `{"ruleId":2,"ruleState":"DELETE"}`)
		waitRules(t, c, 1)
		if _, ok := c.Rule(3); ok {
			t.Error("rule with unknown grouping field must be rejected")
		}
	})

	t.Run("ExportRulesCurrent", func(t *testing.T) {
		got := make(chan []byte, 1)
		sub, err := eventBus.Subscribe(context.Background(), domain.TopicRulesCurrent, func(_ context.Context, msg *domain.Message) error {
			got <- msg.Payload
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		publish(t, eventBus, domain.TopicRules, `{"ruleId":0,"ruleState":"CONTROL","controlType":"EXPORT_RULES_CURRENT"}`)

		select {
		case payload := <-got:
			var rules []domain.Rule
			if err := json.Unmarshal(payload, &rules); err != nil {
				t.Fatalf("export is not a rule list: %v", err)
			}
			if len(rules) != 1 || rules[0].ID != 1 {
				t.Errorf("expected rule 1 exported, got %+v", rules)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for exported rules")
		}
	})
}

func TestConsumer_RuleWaitsForCluster(t *testing.T) {
	c := newCluster(t, testConfig(1, 1))
	consumer := NewConsumer(bus.NewChannelBus(1), c, quietLogger())

	msg := &domain.Message{
		ID:      "rule-1",
		Topic:   domain.TopicRules,
		Payload: []byte(`{"ruleId":1,"ruleState":"ACTIVE","groupingKeyNames":["payeeId"],"aggregateFieldName":"paymentAmount","aggregatorFunctionType":"SUM","limitOperatorType":">","limit":100,"windowMinutes":1}`),
	}

	done := make(chan error, 1)
	go func() { done <- consumer.HandleRule(context.Background(), msg) }()

	select {
	case err := <-done:
		t.Fatalf("HandleRule returned before the cluster started: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if len(c.Rules()) != 0 {
		t.Fatal("rule applied to a stopped cluster")
	}

	start(t, c)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("HandleRule failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HandleRule did not resume after the cluster started")
	}
	waitRules(t, c, 1)

	t.Run("Canceled", func(t *testing.T) {
		stopped := newCluster(t, testConfig(1, 1))
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		err := NewConsumer(bus.NewChannelBus(1), stopped, quietLogger()).HandleRule(ctx, msg)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestDecode(t *testing.T) {
	t.Run("rule", func(t *testing.T) {
		u, err := DecodeRule([]byte(`{"ruleId":4,"ruleState":"DELETE"}`))
		if err != nil {
			t.Fatalf("DecodeRule failed: %v", err)
		}
		if u.Kind != domain.UpdateDelete || u.RuleID != 4 {
			t.Errorf("expected delete of rule 4, got %+v", u)
		}

		u, err = DecodeRule([]byte(`{"ruleState":"CONTROL","controlType":"DELETE_RULES_ALL"}`))
		if err != nil || u.Kind != domain.UpdateDeleteAll {
			t.Errorf("expected delete all, got %+v, %v", u, err)
		}

		if _, err := DecodeRule([]byte(`[]`)); !errors.Is(err, ErrMalformedRecord) {
			t.Errorf("expected ErrMalformedRecord, got %v", err)
		}
	})

	t.Run("transaction", func(t *testing.T) {
		tx, err := DecodeTransaction([]byte(`{"transactionId":5,"payeeId":1,"paymentAmount":"12.50","paymentType":"card","eventTime":1700000000000}`))
		if err != nil {
			t.Fatalf("DecodeTransaction failed: %v", err)
		}
		if tx.ID != 5 || !tx.Amount.Equal(decimal.RequireFromString("12.5")) || tx.PaymentType != domain.PaymentCard {
			t.Errorf("unexpected transaction %+v", tx)
		}
		if _, err := DecodeTransaction([]byte(`nope`)); !errors.Is(err, ErrMalformedRecord) {
			t.Errorf("expected ErrMalformedRecord, got %v", err)
		}
	})
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []domain.Alert
	fail   bool
}

func (s *recordingSink) Emit(_ context.Context, a domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

var _ alert.Sink = (*recordingSink)(nil)

func TestPublisher(t *testing.T) {
	alerts := make(chan domain.Alert, 2)
	sink := &recordingSink{fail: true}
	p := NewPublisher(alerts, sink, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	alerts <- domain.Alert{RuleID: 1}
	alerts <- domain.Alert{RuleID: 2}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 alerts emitted, got %d", sink.count())
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestCheckpointer(t *testing.T) {
	c := newCluster(t, testConfig(1, 2))
	start(t, c)
	broadcast(t, c, domain.Upsert(sumRule(1)))
	submit(t, c, payment(1, 42, "50", 0))

	store := &memStore{}
	cp := NewCheckpointer(c, store, 10*time.Millisecond, quietLogger())

	t.Run("Run", func(t *testing.T) {
		snap, err := cp.Run(context.Background())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if len(snap.Aggregates) != 1 {
			t.Errorf("expected 1 aggregate, got %d", len(snap.Aggregates))
		}
		if store.latest() == nil {
			t.Error("expected snapshot saved")
		}
	})

	t.Run("Serve", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- cp.Serve(ctx) }()

		before := store.latest().CheckpointID
		deadline := time.Now().Add(2 * time.Second)
		for store.latest().CheckpointID == before {
			if time.Now().After(deadline) {
				t.Fatal("no periodic checkpoint")
			}
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
		<-done
	})

	t.Run("SaveFailure", func(t *testing.T) {
		failing := NewCheckpointer(c, &memStore{err: errors.New("disk full")}, 0, quietLogger())
		if _, err := failing.Run(context.Background()); err == nil {
			t.Error("expected save error")
		}
	})
}

type memStore struct {
	mu   sync.Mutex
	snap *domain.Snapshot
	err  error
}

func (s *memStore) Save(_ context.Context, snap *domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.snap = snap
	return nil
}

func (s *memStore) Latest(context.Context) (*domain.Snapshot, error) { return s.latest(), nil }

func (s *memStore) latest() *domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) Close() error { return nil }
