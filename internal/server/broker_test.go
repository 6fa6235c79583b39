package server

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sekimon/internal/model"
)

// testLogger returns a logger for tests that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEvent(sev model.Severity) model.SecurityEvent {
	return model.SecurityEvent{
		ID:        uuid.New(),
		Seq:       7,
		EventType: model.EventTaskCreated,
		Severity:  sev,
		CreatedAt: time.Now().UTC(),
	}
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker(testLogger())

	ch1 := broker.Subscribe(model.SeverityInfo)
	ch2 := broker.Subscribe(model.SeverityInfo)

	broker.ObserveEvent(testEvent(model.SeverityInfo))

	for name, ch := range map[string]chan []byte{"ch1": ch1, "ch2": ch2} {
		select {
		case got := <-ch:
			if !strings.HasPrefix(string(got), "event: task_created\nid: 7\ndata: {") {
				t.Errorf("%s: unexpected frame %q", name, got)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("%s: timed out waiting for event", name)
		}
	}

	// Unsubscribe ch1, broadcast again; only ch2 should receive.
	broker.Unsubscribe(ch1)
	broker.ObserveEvent(testEvent(model.SeverityWarning))

	select {
	case <-ch2:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch2: timed out waiting for event after ch1 unsubscribed")
	}

	broker.Unsubscribe(ch2)
}

func TestBrokerSeverityFilter(t *testing.T) {
	broker := NewBroker(testLogger())
	critical := broker.Subscribe(model.SeverityCritical)
	defer broker.Unsubscribe(critical)

	broker.ObserveEvent(testEvent(model.SeverityInfo))
	broker.ObserveEvent(testEvent(model.SeverityWarning))
	select {
	case got := <-critical:
		t.Fatalf("critical subscriber received a lower severity event: %q", got)
	default:
	}

	broker.ObserveEvent(testEvent(model.SeverityCritical))
	select {
	case <-critical:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("critical subscriber missed a critical event")
	}
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("task_approved", "12", []byte(`{"id":"123"}`)))
	want := "event: task_approved\nid: 12\ndata: {\"id\":\"123\"}\n\n"
	if got != want {
		t.Errorf("formatSSE: got %q, want %q", got, want)
	}
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := NewBroker(testLogger())

	// A slow subscriber that is never read from.
	slow := broker.Subscribe(model.SeverityInfo)
	fast := broker.Subscribe(model.SeverityInfo)

	for range subscriberBuffer + 1 {
		broker.ObserveEvent(testEvent(model.SeverityInfo))
	}
	// Drain fast so the next event has room.
	for len(fast) > 0 {
		<-fast
	}

	done := make(chan struct{})
	go func() {
		broker.ObserveEvent(testEvent(model.SeverityInfo))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full subscriber")
	}

	select {
	case <-fast:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("fast subscriber should receive events even when slow subscriber is full")
	}

	broker.Unsubscribe(slow)
	broker.Unsubscribe(fast)
}
