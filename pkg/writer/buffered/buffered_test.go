package buffered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ArionMiles/receiptd/pkg/api"
	"github.com/ArionMiles/receiptd/pkg/logging"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]api.Outcome
	err     error
}

func (r *recorder) flush(_ context.Context, outcomes []api.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, outcomes)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func TestWrite_FlushesOnBatchSizeAndClose(t *testing.T) {
	rec := &recorder{}
	w := New(rec.flush, Config{BatchSize: 2, FlushInterval: time.Hour}, logging.Discard())

	in := make(chan api.Outcome, 5)
	for i := 0; i < 5; i++ {
		in <- api.Outcome{State: api.StatePersisted}
	}
	close(in)

	if err := w.Write(context.Background(), in); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if len(rec.batches) != 3 {
		t.Errorf("expected 3 batches (2+2+1), got %d", len(rec.batches))
	}
	if rec.count() != 5 {
		t.Errorf("expected 5 outcomes flushed, got %d", rec.count())
	}
	if w.BufferLen() != 0 {
		t.Errorf("expected empty buffer, got %d", w.BufferLen())
	}
}

func TestWrite_FlushesOnInterval(t *testing.T) {
	rec := &recorder{}
	w := New(rec.flush, Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan api.Outcome, 1)
	done := make(chan error, 1)
	go func() { done <- w.Write(ctx, in) }()

	in <- api.Outcome{State: api.StateParseFailed}

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("expected interval flush of 1 outcome, got %d", rec.count())
	}
}

func TestWrite_FailedFlushDropsBatch(t *testing.T) {
	rec := &recorder{err: errors.New("sink down")}
	w := New(rec.flush, Config{BatchSize: 1, FlushInterval: time.Hour}, logging.Discard())

	in := make(chan api.Outcome, 2)
	in <- api.Outcome{}
	in <- api.Outcome{}
	close(in)

	_ = w.Write(context.Background(), in)

	if w.Dropped() != 2 {
		t.Errorf("expected 2 dropped outcomes, got %d", w.Dropped())
	}
}
