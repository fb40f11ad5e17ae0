package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		got := make(chan *domain.Message, 1)

		_, err := bus.Subscribe(ctx, "test.topic", func(ctx context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, "test.topic", []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case msg := <-got:
			if string(msg.Payload) != "hello" {
				t.Errorf("expected payload 'hello', got '%s'", string(msg.Payload))
			}
			if msg.Topic != "test.topic" {
				t.Errorf("expected topic 'test.topic', got '%s'", msg.Topic)
			}
			if msg.ID == "" {
				t.Error("expected message id to be set")
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var rules, txs atomic.Int32

		bus.Subscribe(ctx, "iso.rules", func(ctx context.Context, msg *domain.Message) error {
			rules.Add(1)
			return nil
		})
		bus.Subscribe(ctx, "iso.transactions", func(ctx context.Context, msg *domain.Message) error {
			txs.Add(1)
			return nil
		})

		bus.Publish(ctx, "iso.rules", []byte("r1"))
		time.Sleep(50 * time.Millisecond)

		if rules.Load() != 1 {
			t.Errorf("rules topic should receive 1 message, got %d", rules.Load())
		}
		if txs.Load() != 0 {
			t.Errorf("transactions topic should receive 0 messages, got %d", txs.Load())
		}
	})

	t.Run("RequiresTopic", func(t *testing.T) {
		if err := bus.Publish(ctx, "", []byte("data")); err == nil {
			t.Error("expected error for empty topic")
		}

		_, err := bus.Subscribe(ctx, "", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if err == nil {
			t.Error("expected error for empty topic")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message before unsubscribe, got %d", count.Load())
		}

		sub.Unsubscribe()

		if err := bus.Publish(ctx, "unsub.topic", []byte("msg2")); err != nil {
			t.Fatalf("publish after unsubscribe failed: %v", err)
		}
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32

		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})
		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})

		bus.Publish(ctx, "multi.topic", []byte("broadcast"))
		time.Sleep(50 * time.Millisecond)

		if count1.Load() != 1 || count2.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("PreservesOrder", func(t *testing.T) {
		const n = 200
		var mu sync.Mutex
		var seen []byte
		done := make(chan struct{})

		bus.Subscribe(ctx, "order.topic", func(ctx context.Context, msg *domain.Message) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, msg.Payload[0])
			if len(seen) == n {
				close(done)
			}
			return nil
		})

		for i := 0; i < n; i++ {
			if err := bus.Publish(ctx, "order.topic", []byte{byte(i)}); err != nil {
				t.Fatalf("publish %d failed: %v", i, err)
			}
		}

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for ordered messages")
		}

		mu.Lock()
		defer mu.Unlock()
		for i, b := range seen {
			if b != byte(i) {
				t.Fatalf("message %d out of order: got %d", i, b)
			}
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})

		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusBackpressure(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	bus.Subscribe(ctx, "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})

	// First message is taken by the handler, second fills the buffer.
	if err := bus.Publish(ctx, "slow.topic", []byte("1")); err != nil {
		t.Fatalf("publish 1 failed: %v", err)
	}
	<-started
	if err := bus.Publish(ctx, "slow.topic", []byte("2")); err != nil {
		t.Fatalf("publish 2 failed: %v", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	err := bus.Publish(timeoutCtx, "slow.topic", []byte("3"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded while buffer is full, got %v", err)
	}

	close(release)
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)

	ctx := context.Background()

	bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	// Operations should fail after close
	if err := bus.Publish(ctx, "close.topic", []byte("data")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}

	if err := bus.Ping(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ping ErrClosed after close, got %v", err)
	}

	if _, err := bus.Subscribe(ctx, "close.topic", func(context.Context, *domain.Message) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("expected subscribe ErrClosed after close, got %v", err)
	}

	// Second close is a no-op.
	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		}

		bus, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type: "kafka",
		}

		if _, err := New(cfg); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, "load.topic", []byte("msg"))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Load() != messageCount {
			t.Errorf("expected %d messages, got %d", messageCount, received.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}

func TestFromNATS(t *testing.T) {
	t.Run("KestrelHeaders", func(t *testing.T) {
		m := nats.NewMsg("kestrel.kestrel.rules")
		m.Data = []byte(`{"ruleId":1}`)
		m.Header.Set(headerMessageID, "msg-1")
		m.Header.Set(headerTimestamp, "1700000000000000000")
		m.Header.Set("Source", "rules-admin")

		msg := fromNATS(domain.TopicRules, m)
		if msg.ID != "msg-1" {
			t.Errorf("expected id msg-1, got %s", msg.ID)
		}
		if msg.Timestamp != 1700000000000000000 {
			t.Errorf("unexpected timestamp %d", msg.Timestamp)
		}
		if msg.Topic != domain.TopicRules || string(msg.Payload) != `{"ruleId":1}` {
			t.Errorf("unexpected message %+v", msg)
		}
		if msg.Metadata["Source"] != "rules-admin" || len(msg.Metadata) != 1 {
			t.Errorf("expected only foreign headers in metadata, got %v", msg.Metadata)
		}
	})

	t.Run("PlainRecord", func(t *testing.T) {
		m := &nats.Msg{Subject: "kestrel.kestrel.transactions", Data: []byte(`{}`)}

		msg := fromNATS(domain.TopicTransactions, m)
		if msg.ID == "" {
			t.Error("expected a generated id")
		}
		if msg.Timestamp == 0 {
			t.Error("expected a receive timestamp")
		}
	})
}
