package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"sentinel-siem/internal/schema"
)

func makeEvent(msg string) *schema.Event {
	return &schema.Event{
		EventID:   uuid.New(),
		Timestamp: time.Now(),
		Level:     schema.LevelInfo,
		Service:   "test",
		Message:   msg,
	}
}

func TestRingBuffer_PushPop(t *testing.T) {
	rb := NewRingBuffer(4)

	if err := rb.Push(makeEvent("a")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if err := rb.Push(makeEvent("b")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	e, err := rb.Pop()
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	if e.Message != "a" {
		t.Errorf("Pop() message = %q, want a (FIFO order)", e.Message)
	}
	if rb.Len() != 1 {
		t.Errorf("Len() = %d, want 1", rb.Len())
	}
}

func TestRingBuffer_Full(t *testing.T) {
	rb := NewRingBuffer(2)
	rb.Push(makeEvent("a"))
	rb.Push(makeEvent("b"))

	if err := rb.Push(makeEvent("c")); err != ErrQueueFull {
		t.Errorf("Push() error = %v, want ErrQueueFull", err)
	}

	m := rb.Metrics()
	if m.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", m.Dropped)
	}
}

func TestRingBuffer_EmptyAndClosed(t *testing.T) {
	rb := NewRingBuffer(2)

	if _, err := rb.Pop(); err != ErrQueueEmpty {
		t.Errorf("Pop() error = %v, want ErrQueueEmpty", err)
	}

	rb.Close()
	if err := rb.Push(makeEvent("a")); err != ErrQueueClosed {
		t.Errorf("Push() after close error = %v, want ErrQueueClosed", err)
	}
	if _, err := rb.PopBlocking(); err != ErrQueueClosed {
		t.Errorf("PopBlocking() after close error = %v, want ErrQueueClosed", err)
	}
}

func TestRingBuffer_PopBlockingWakesOnPush(t *testing.T) {
	rb := NewRingBuffer(2)

	var wg sync.WaitGroup
	wg.Add(1)
	var got *schema.Event
	go func() {
		defer wg.Done()
		got, _ = rb.PopBlocking()
	}()

	time.Sleep(10 * time.Millisecond)
	rb.Push(makeEvent("wake"))
	wg.Wait()

	if got == nil || got.Message != "wake" {
		t.Errorf("PopBlocking() = %v, want wake event", got)
	}
}

func TestRingBuffer_Wraparound(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 10; i++ {
		if err := rb.Push(makeEvent("x")); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		if _, err := rb.Pop(); err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
	}
	if rb.Len() != 0 {
		t.Errorf("Len() = %d, want 0", rb.Len())
	}
}
