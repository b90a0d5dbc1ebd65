package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/YASSERRMD/AiMesh/engine/errors"
	"github.com/YASSERRMD/AiMesh/engine/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testItem(id string, priority int) *Item {
	msg := protocol.NewMessage("agent-1", []byte(id))
	msg.MessageID = id
	msg.Priority = priority
	return &Item{Message: msg}
}

func TestClassFor(t *testing.T) {
	cases := []struct {
		priority int
		want     Class
	}{
		{100, ClassHigh},
		{75, ClassHigh},
		{74, ClassNormal},
		{50, ClassNormal},
		{25, ClassNormal},
		{24, ClassLow},
		{0, ClassLow},
	}
	for _, tc := range cases {
		if got := ClassFor(tc.priority); got != tc.want {
			t.Errorf("ClassFor(%d) = %s, want %s", tc.priority, got, tc.want)
		}
	}
}

func TestFIFOWithinClass(t *testing.T) {
	s := New(16, 1, newTestLogger())

	for i := 0; i < 5; i++ {
		if err := s.Enqueue(testItem(fmt.Sprintf("m%d", i), 50)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		item, err := s.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		want := fmt.Sprintf("m%d", i)
		if item.Message.MessageID != want {
			t.Fatalf("dequeue %d: got %s, want %s", i, item.Message.MessageID, want)
		}
	}
}

func TestDequeueLadder(t *testing.T) {
	s := New(16, 1, newTestLogger())

	s.Enqueue(testItem("low", 10))
	s.Enqueue(testItem("normal", 50))
	s.Enqueue(testItem("high", 90))

	var got []string
	for i := 0; i < 3; i++ {
		item, err := s.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		got = append(got, item.Message.MessageID)
	}
	want := []string{"high", "normal", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dequeue order = %v, want %v", got, want)
		}
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	logger := newTestLogger()
	s := New(2, 1, logger)

	if err := s.Enqueue(testItem("m1", 50)); err != nil {
		t.Fatalf("enqueue m1: %v", err)
	}
	if err := s.Enqueue(testItem("m2", 50)); err != nil {
		t.Fatalf("enqueue m2: %v", err)
	}
	err := s.Enqueue(testItem("m3", 50))
	if !errors.IsKind(err, errors.KindQueueFull) {
		t.Fatalf("expected queue_full, got %v", err)
	}
	// Other classes are unaffected.
	if err := s.Enqueue(testItem("m4", 90)); err != nil {
		t.Fatalf("enqueue high class: %v", err)
	}
	if !logger.has("queue_full") {
		t.Error("expected queue_full log event")
	}
	if got := s.Depths()[string(ClassNormal)]; got != 2 {
		t.Errorf("normal depth = %d, want 2", got)
	}
}

func TestEveryTenthDequeuePrefersLow(t *testing.T) {
	s := New(64, 1, newTestLogger())

	for i := 0; i < 20; i++ {
		if err := s.Enqueue(testItem(fmt.Sprintf("n%d", i), 50)); err != nil {
			t.Fatalf("enqueue normal %d: %v", i, err)
		}
	}
	s.Enqueue(testItem("l0", 5))
	s.Enqueue(testItem("l1", 5))

	var order []string
	for i := 0; i < 22; i++ {
		item, err := s.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		order = append(order, item.Message.MessageID)
	}

	// Dequeues are 1-indexed here: positions 10 and 20 go to the low class.
	if order[9] != "l0" {
		t.Errorf("10th dequeue = %s, want l0 (order %v)", order[9], order)
	}
	if order[19] != "l1" {
		t.Errorf("20th dequeue = %s, want l1 (order %v)", order[19], order)
	}
	for i, id := range order {
		if i == 9 || i == 19 {
			continue
		}
		if id[0] != 'n' {
			t.Errorf("dequeue %d = %s, want a normal-class message", i+1, id)
		}
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	s := New(16, 1, newTestLogger())

	type result struct {
		item *Item
		err  error
	}
	got := make(chan result, 1)
	go func() {
		item, err := s.Dequeue(context.Background())
		got <- result{item, err}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.Enqueue(testItem("wakeup", 50)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("dequeue: %v", r.err)
		}
		if r.item.Message.MessageID != "wakeup" {
			t.Fatalf("got %s, want wakeup", r.item.Message.MessageID)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestDequeueContextCanceled(t *testing.T) {
	s := New(16, 1, newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Dequeue(ctx)
	if err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWorkerPoolProcessesAllClasses(t *testing.T) {
	s := New(128, 4, newTestLogger())

	var processed atomic.Int64
	var mu sync.Mutex
	seen := make(map[string]bool)
	handler := func(ctx context.Context, item *Item) {
		mu.Lock()
		seen[item.Message.MessageID] = true
		mu.Unlock()
		processed.Add(1)
	}
	if err := s.Start(context.Background(), handler); err != nil {
		t.Fatalf("start: %v", err)
	}

	priorities := []int{5, 50, 90}
	for i := 0; i < 60; i++ {
		item := testItem(fmt.Sprintf("m%d", i), priorities[i%3])
		if err := s.Enqueue(item); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for processed.Load() < 60 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := processed.Load(); got != 60 {
		t.Fatalf("processed %d of 60", got)
	}
	mu.Lock()
	unique := len(seen)
	mu.Unlock()
	if unique != 60 {
		t.Fatalf("saw %d unique messages, want 60", unique)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestHandlerPanicDoesNotKillWorker(t *testing.T) {
	logger := newTestLogger()
	s := New(16, 1, logger)

	var processed atomic.Int64
	handler := func(ctx context.Context, item *Item) {
		if item.Message.MessageID == "boom" {
			panic("handler exploded")
		}
		processed.Add(1)
	}
	if err := s.Start(context.Background(), handler); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.Enqueue(testItem("boom", 50))
	for i := 0; i < 3; i++ {
		s.Enqueue(testItem(fmt.Sprintf("ok%d", i), 50))
	}

	deadline := time.Now().Add(2 * time.Second)
	for processed.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := processed.Load(); got != 3 {
		t.Fatalf("processed %d of 3 after panic", got)
	}
	if !logger.has("scheduler_handler_panic") {
		t.Error("expected scheduler_handler_panic log event")
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStartTwiceFails(t *testing.T) {
	s := New(16, 1, newTestLogger())
	handler := func(ctx context.Context, item *Item) {}

	if err := s.Start(context.Background(), handler); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := s.Start(context.Background(), handler); err == nil {
		t.Error("second start should fail")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	s := New(16, 1, newTestLogger())
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop without start: %v", err)
	}
}

func TestStopTimeoutThenWait(t *testing.T) {
	logger := newTestLogger()
	s := New(16, 1, logger)

	started := make(chan struct{})
	handler := func(ctx context.Context, item *Item) {
		close(started)
		time.Sleep(150 * time.Millisecond)
	}
	if err := s.Start(context.Background(), handler); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Enqueue(testItem("slow", 50))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	// A second Stop with room to spare waits the worker out.
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if !logger.has("scheduler_stop_timeout") {
		t.Error("expected scheduler_stop_timeout log event")
	}
}

func TestDrainReturnsQueuedItems(t *testing.T) {
	s := New(16, 1, newTestLogger())

	s.Enqueue(testItem("low", 5))
	s.Enqueue(testItem("high", 90))
	s.Enqueue(testItem("normal", 50))

	items := s.Drain()
	if len(items) != 3 {
		t.Fatalf("drained %d items, want 3", len(items))
	}
	// Class order high, normal, low.
	want := []string{"high", "normal", "low"}
	for i := range want {
		if items[i].Message.MessageID != want[i] {
			t.Fatalf("drain order %v, want %v", items, want)
		}
	}
	for class, depth := range s.Depths() {
		if depth != 0 {
			t.Errorf("class %s depth = %d after drain", class, depth)
		}
	}
}

func TestEnqueueValidation(t *testing.T) {
	s := New(16, 1, newTestLogger())

	if err := s.Enqueue(nil); !errors.IsKind(err, errors.KindValidation) {
		t.Errorf("nil item: expected validation error, got %v", err)
	}
	if err := s.Enqueue(&Item{}); !errors.IsKind(err, errors.KindValidation) {
		t.Errorf("nil message: expected validation error, got %v", err)
	}
}

func TestStats(t *testing.T) {
	s := New(16, 2, newTestLogger())

	s.Enqueue(testItem("m1", 50))
	s.Enqueue(testItem("m2", 90))
	if _, err := s.Dequeue(context.Background()); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	stats := s.Stats()
	if got := stats["enqueued"].(int64); got != 2 {
		t.Errorf("enqueued = %d, want 2", got)
	}
	if got := stats["dequeued"].(int64); got != 1 {
		t.Errorf("dequeued = %d, want 1", got)
	}
	if got := stats["workers"].(int); got != 2 {
		t.Errorf("workers = %d, want 2", got)
	}
	if got := stats["started"].(bool); got {
		t.Error("started should be false before Start")
	}
}

func TestNilLoggerFullLifecycle(t *testing.T) {
	s := New(1, 1, nil)

	done := make(chan struct{})
	if err := s.Start(context.Background(), func(ctx context.Context, item *Item) {
		if item.Message.MessageID == "boom" {
			close(done)
			panic("handler failure")
		}
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Exercise every logging path with the logger unset: enqueue, handler
	// panic, stop, queue full.
	if err := s.Enqueue(testItem("boom", 50)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// No workers left, so the single-slot queue fills on the second item.
	if err := s.Enqueue(testItem("f1", 90)); err != nil {
		t.Fatalf("enqueue after stop: %v", err)
	}
	if err := s.Enqueue(testItem("f2", 90)); !errors.IsKind(err, errors.KindQueueFull) {
		t.Fatalf("expected queue_full, got %v", err)
	}
	s.Drain()
}

// testLogger records events for assertions.
type testLogger struct {
	mu     sync.Mutex
	events []string
}

func newTestLogger() *testLogger {
	return &testLogger{}
}

func (l *testLogger) log(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, msg)
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) { l.log(msg) }
func (l *testLogger) Info(msg string, keysAndValues ...any)  { l.log(msg) }
func (l *testLogger) Warn(msg string, keysAndValues ...any)  { l.log(msg) }
func (l *testLogger) Error(msg string, keysAndValues ...any) { l.log(msg) }

func (l *testLogger) has(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == msg {
			return true
		}
	}
	return false
}
