package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArionMiles/receiptd/pkg/api"
	"github.com/ArionMiles/receiptd/pkg/fingerprint"
	"github.com/ArionMiles/receiptd/pkg/logging"
	"github.com/ArionMiles/receiptd/pkg/mapper"
	"github.com/ArionMiles/receiptd/pkg/orchestrator"
	queuemem "github.com/ArionMiles/receiptd/pkg/queue/memory"
	"github.com/ArionMiles/receiptd/pkg/parser/regex"
	storemem "github.com/ArionMiles/receiptd/pkg/store/memory"
)

const humoText = "💸 Оплата\n➖ 400.000,00 UZS\n📍 OQ P2P>TASHKENT\n💳 HUMOCARD *6714\n🕓 12:58 05.04.2025\n💰 535.000,40 UZS"

func message(chatID, msgID, text string) *api.RawMessage {
	return &api.RawMessage{
		OriginChatID:    chatID,
		OriginMessageID: msgID,
		Source:          api.SourceBot,
		Text:            text,
		ReceivedAt:      time.Now(),
	}
}

type harness struct {
	queue    *queuemem.Queue
	store    *storemem.Store
	pool     *Pool
	outcomes chan api.Outcome
}

func newHarness(t *testing.T, parser Parser, store Store) *harness {
	t.Helper()

	mem := storemem.New()
	require.NoError(t, mem.ReplaceMappings(context.Background(), []api.OperatorMapping{
		{Pattern: "OQ", ApplicationName: "Oq", IsP2P: true, IsActive: true},
	}))
	m := mapper.New(mem, mapper.Config{}, logging.Discard())
	require.NoError(t, m.Refresh(context.Background()))

	if parser == nil {
		parser = orchestrator.New(regex.New(), nil, orchestrator.Config{}, logging.Discard())
	}
	if store == nil {
		store = mem
	}

	h := &harness{
		queue:    queuemem.New(time.Minute),
		store:    mem,
		outcomes: make(chan api.Outcome, 128),
	}
	h.pool = New(Deps{
		Queue:    h.queue,
		Parser:   parser,
		Resolver: m,
		Store:    store,
		Outcomes: h.outcomes,
	}, Config{
		Workers:        4,
		MaxAttempts:    3,
		BackoffBase:    time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		ParseTimeout:   time.Second,
		PersistTimeout: time.Second,
	}, logging.Discard())
	return h
}

// next leases the next delivery and processes it.
func (h *harness) next(t *testing.T, ctx context.Context) api.State {
	t.Helper()
	d, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	return h.pool.Process(ctx, d)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestProcess_PersistsMappedTransaction(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := testContext(t)

	require.NoError(t, h.queue.Enqueue(ctx, message("915326936", "1", humoText)))
	assert.Equal(t, api.StatePersisted, h.next(t, ctx))

	txs := h.store.Transactions()
	require.Len(t, txs, 1)
	tx := txs[0]
	assert.Equal(t, "400000", tx.Amount.String())
	assert.Equal(t, "Oq", tx.ApplicationMapped)
	assert.True(t, tx.IsP2P)
	assert.Equal(t, api.ChannelTelegram, tx.Source.Channel)
	assert.Equal(t, api.MethodRegex, tx.ParsingMethod)
	assert.Equal(t, humoText, tx.RawText)
	assert.Equal(t, 0, h.queue.Len())

	o := <-h.outcomes
	assert.Equal(t, api.StatePersisted, o.State)
	assert.Equal(t, api.MethodRegex, o.Method)
	assert.Equal(t, tx.Fingerprint, o.Fingerprint)
}

func TestProcess_DuplicateEventIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := testContext(t)

	require.NoError(t, h.queue.Enqueue(ctx, message("915326936", "1", humoText)))
	require.NoError(t, h.queue.Enqueue(ctx, message("915326936", "1", humoText)))
	// Same text from another message is a distinct event.
	require.NoError(t, h.queue.Enqueue(ctx, message("915326936", "2", humoText)))

	assert.Equal(t, api.StatePersisted, h.next(t, ctx))
	assert.Equal(t, api.StateSkippedDuplicate, h.next(t, ctx))
	assert.Equal(t, api.StatePersisted, h.next(t, ctx))

	assert.Len(t, h.store.Transactions(), 2)
	assert.Equal(t, int64(1), h.pool.Stats().Duplicates)
}

type countingParser struct {
	calls atomic.Int32
	fn    func(ctx context.Context, text string) (*api.ParsedTransaction, error)
}

func (c *countingParser) Parse(ctx context.Context, text string) (*api.ParsedTransaction, error) {
	c.calls.Add(1)
	return c.fn(ctx, text)
}

func TestProcess_StoredFingerprintSkipsParsing(t *testing.T) {
	parser := &countingParser{fn: func(context.Context, string) (*api.ParsedTransaction, error) {
		return nil, errors.New("must not be called")
	}}
	h := newHarness(t, parser, nil)
	ctx := testContext(t)

	require.NoError(t, h.queue.Enqueue(ctx, message("1", "1", humoText)))
	d, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)

	_, err = h.store.InsertIfAbsent(ctx, &api.Transaction{Fingerprint: fingerprintOf(d.Message)})
	require.NoError(t, err)

	assert.Equal(t, api.StateSkippedDuplicate, h.pool.Process(ctx, d))
	assert.Equal(t, int32(0), parser.calls.Load())
}

func TestProcess_UnparseableWithoutFallback(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := testContext(t)

	require.NoError(t, h.queue.Enqueue(ctx, message("1", "7", "Ваш код подтверждения: 123456")))
	assert.Equal(t, api.StateParseFailed, h.next(t, ctx))

	failures := h.store.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, api.StateParseFailed, failures[0].State)
	assert.Contains(t, failures[0].Reason, api.ReasonFallbackUnavailable)
	assert.Equal(t, "7", failures[0].Message.OriginMessageID)
	assert.Empty(t, h.store.Transactions())
	assert.Equal(t, 0, h.queue.Len(), "parse failures are not retried")
}

type flakyStore struct {
	*storemem.Store
	failInserts int32
	inserts     atomic.Int32
}

func (f *flakyStore) InsertIfAbsent(ctx context.Context, tx *api.Transaction) (api.InsertOutcome, error) {
	if f.inserts.Add(1) <= f.failInserts {
		return 0, api.Transient(errors.New("connection refused"))
	}
	return f.Store.InsertIfAbsent(ctx, tx)
}

func TestProcess_TransientFailureRetriesThenPersists(t *testing.T) {
	base := storemem.New()
	h := newHarness(t, nil, &flakyStore{Store: base, failInserts: 2})
	ctx := testContext(t)

	require.NoError(t, h.queue.Enqueue(ctx, message("1", "1", humoText)))

	assert.Equal(t, api.StateTransientError, h.next(t, ctx))
	assert.Equal(t, api.StateTransientError, h.next(t, ctx))
	assert.Equal(t, api.StatePersisted, h.next(t, ctx))
	assert.Len(t, base.Transactions(), 1)
}

func TestProcess_DeadLetterAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, nil, &flakyStore{Store: storemem.New(), failInserts: 100})
	ctx := testContext(t)

	require.NoError(t, h.queue.Enqueue(ctx, message("1", "1", humoText)))

	var states []api.State
	for i := 0; i < 3; i++ {
		states = append(states, h.next(t, ctx))
	}
	assert.Equal(t, []api.State{api.StateTransientError, api.StateTransientError, api.StateDeadLetter}, states)
	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, int64(1), h.pool.Stats().DeadLettered)
}

func TestProcess_DeadLetterRetainedInStore(t *testing.T) {
	flaky := &flakyStore{Store: storemem.New(), failInserts: 100}
	h := newHarness(t, nil, flaky)
	ctx := testContext(t)

	require.NoError(t, h.queue.Enqueue(ctx, message("1", "1", humoText)))
	for i := 0; i < 3; i++ {
		h.next(t, ctx)
	}

	failures := flaky.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, api.StateDeadLetter, failures[0].State)
	assert.Equal(t, 3, failures[0].Attempts)
	assert.Contains(t, failures[0].Reason, "connection refused")
}

func TestProcess_ReleasesOnShutdown(t *testing.T) {
	parser := &countingParser{fn: func(ctx context.Context, _ string) (*api.ParsedTransaction, error) {
		<-ctx.Done()
		return nil, api.Transient(ctx.Err())
	}}
	h := newHarness(t, parser, nil)

	require.NoError(t, h.queue.Enqueue(context.Background(), message("1", "1", humoText)))
	d, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan api.State, 1)
	go func() { done <- h.pool.Process(ctx, d) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case state := <-done:
		assert.Equal(t, api.StateReleased, state)
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not return after cancellation")
	}

	again, err := h.queue.Dequeue(testContext(t))
	require.NoError(t, err, "released delivery is immediately visible")
	assert.Equal(t, d.ID, again.ID)
}

func TestProcess_RecoversFromPanic(t *testing.T) {
	parser := &countingParser{fn: func(context.Context, string) (*api.ParsedTransaction, error) {
		panic("boom")
	}}
	h := newHarness(t, parser, nil)
	ctx := testContext(t)

	require.NoError(t, h.queue.Enqueue(ctx, message("1", "1", humoText)))
	assert.Equal(t, api.StateTransientError, h.next(t, ctx))
	assert.Equal(t, int64(1), h.pool.Stats().Panics)
	assert.Equal(t, 1, h.queue.Len())
}

func TestRun_ConcurrentDuplicates(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const events, copies = 10, 5
	for c := 0; c < copies; c++ {
		for e := 0; e < events; e++ {
			require.NoError(t, h.queue.Enqueue(ctx, message("915326936", fmt.Sprint(e), humoText)))
		}
	}

	done := make(chan error, 1)
	go func() { done <- h.pool.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for h.queue.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 0, h.queue.Len())
	assert.Len(t, h.store.Transactions(), events)
	stats := h.pool.Stats()
	assert.Equal(t, int64(events), stats.Persisted)
	assert.Equal(t, int64(events*(copies-1)), stats.Duplicates)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 10 * time.Second},
		{60, 10 * time.Second},
	}

	for _, tc := range tests {
		if got := Backoff(tc.attempt, time.Second, 10*time.Second); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func fingerprintOf(msg *api.RawMessage) api.Fingerprint {
	return fingerprint.Compute(msg)
}

type rejectingStore struct {
	*storemem.Store
	inserts atomic.Int32
}

func (r *rejectingStore) InsertIfAbsent(context.Context, *api.Transaction) (api.InsertOutcome, error) {
	r.inserts.Add(1)
	return 0, errors.New(`new row violates check constraint "transactions_amount_check"`)
}

func TestProcess_RejectedInsertDeadLettersImmediately(t *testing.T) {
	rejecting := &rejectingStore{Store: storemem.New()}
	h := newHarness(t, nil, rejecting)
	ctx := testContext(t)

	require.NoError(t, h.queue.Enqueue(ctx, message("1", "1", humoText)))
	assert.Equal(t, api.StateDeadLetter, h.next(t, ctx))
	assert.Equal(t, int32(1), rejecting.inserts.Load())
	assert.Equal(t, 0, h.queue.Len())

	failures := rejecting.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Attempts)
	assert.Contains(t, failures[0].Reason, "check constraint")
	assert.Zero(t, h.pool.Stats().Retried)
}

func TestProcess_ParsePanicCancelsParseContext(t *testing.T) {
	var parseCtx context.Context
	parser := &countingParser{fn: func(ctx context.Context, _ string) (*api.ParsedTransaction, error) {
		parseCtx = ctx
		panic("boom")
	}}
	h := newHarness(t, parser, nil)
	ctx := testContext(t)

	require.NoError(t, h.queue.Enqueue(ctx, message("1", "1", humoText)))
	assert.Equal(t, api.StateTransientError, h.next(t, ctx))

	require.NotNil(t, parseCtx)
	assert.ErrorIs(t, parseCtx.Err(), context.Canceled, "parse deadline released on panic")
	assert.Equal(t, int64(1), h.pool.Stats().Panics)
}
