package broker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryQueueFIFO(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	if err := b.LeftPush(ctx, "inbox:a", "e1"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := b.LeftPush(ctx, "inbox:a", "e2", "e3"); err != nil {
		t.Fatalf("push: %v", err)
	}

	for _, want := range []string{"e1", "e2", "e3"} {
		got, err := b.RightPop(ctx, "inbox:a")
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if got != want {
			t.Errorf("pop order: got %q, want %q", got, want)
		}
	}
	if _, err := b.RightPop(ctx, "inbox:a"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestMemoryRightPushJumpsQueue(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	_ = b.LeftPush(ctx, "q", "second")
	_ = b.RightPush(ctx, "q", "first")

	got, _ := b.RightPop(ctx, "q")
	if got != "first" {
		t.Errorf("right push should pop first: got %q", got)
	}
}

func TestMemoryPeekRightOldestFirst(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()
	_ = b.LeftPush(ctx, "q", "e1", "e2", "e3")

	peeked, err := b.PeekRight(ctx, "q", 2)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(peeked) != 2 || peeked[0] != "e1" || peeked[1] != "e2" {
		t.Errorf("peek order: got %v", peeked)
	}

	// Peek is non-destructive.
	if n, _ := b.QueueLen(ctx, "q"); n != 3 {
		t.Errorf("queue len after peek: got %d", n)
	}
}

func TestMemoryBlockingPopWakesOnPush(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	done := make(chan string, 1)
	go func() {
		val, err := b.BlockingRightPop(ctx, "q", 5*time.Second)
		if err != nil {
			done <- "err:" + err.Error()
			return
		}
		done <- val
	}()

	time.Sleep(20 * time.Millisecond)
	_ = b.LeftPush(ctx, "q", "wake")

	select {
	case got := <-done:
		if got != "wake" {
			t.Errorf("blocking pop: got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocking pop did not wake")
	}
}

func TestMemoryBlockingPopTimeout(t *testing.T) {
	b := NewMemory()
	_, err := b.BlockingRightPop(context.Background(), "q", 10*time.Millisecond)
	if !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty on timeout, got %v", err)
	}
}

func TestMemoryBlockingPopCancel(t *testing.T) {
	b := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := b.BlockingRightPop(ctx, "q", time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryPubSub(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "wakeup:a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	_ = b.Publish(ctx, "wakeup:a", "ping")

	select {
	case got := <-sub.Channel():
		if got != "ping" {
			t.Errorf("pubsub payload: got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no pubsub delivery")
	}
}

func TestMemoryStreamReplay(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	id1, _ := b.StreamAppend(ctx, "s", map[string]string{"n": "1"}, 0)
	id2, _ := b.StreamAppend(ctx, "s", map[string]string{"n": "2"}, 0)
	if id1 == id2 {
		t.Fatalf("stream ids must be unique: %q", id1)
	}

	entries, err := b.StreamReadSince(ctx, "s", id1, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 || entries[0].Fields["n"] != "2" {
		t.Errorf("replay since %s: got %+v", id1, entries)
	}
}

func TestMemoryStreamBoundedBacklog(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, _ = b.StreamAppend(ctx, "s", map[string]string{"n": "x"}, 4)
	}
	entries, _ := b.StreamReadSince(ctx, "s", "", 0)
	if len(entries) != 4 {
		t.Errorf("bounded backlog: got %d entries", len(entries))
	}
}

func TestMemoryDelayQueueClaim(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()
	now := time.Now()

	_ = b.Schedule(ctx, PlanQueue, "p1", now.Add(-time.Second))
	_ = b.Schedule(ctx, PlanQueue, "p2", now.Add(time.Hour))

	due, err := b.ClaimDue(ctx, PlanQueue, now, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(due) != 1 || due[0] != "p1" {
		t.Errorf("due jobs: got %v", due)
	}

	// Claims are exclusive.
	again, _ := b.ClaimDue(ctx, PlanQueue, now, 10)
	if len(again) != 0 {
		t.Errorf("double claim: got %v", again)
	}
}

func TestMemoryDelayQueueReschedule(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()
	now := time.Now()

	// Re-scheduling the same job id moves it; there is one live firing.
	_ = b.Schedule(ctx, PlanQueue, "p1", now.Add(-time.Minute))
	_ = b.Schedule(ctx, PlanQueue, "p1", now.Add(time.Hour))

	due, _ := b.ClaimDue(ctx, PlanQueue, now, 10)
	if len(due) != 0 {
		t.Errorf("rescheduled job should not be due: got %v", due)
	}
}
