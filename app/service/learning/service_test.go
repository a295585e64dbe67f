package learning

import (
	"context"
	"cortex/app/service/memory"
	"cortex/app/service/tasks"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeGateway struct {
	mu        sync.Mutex
	facts     []string
	rules     []string
	histories []string
	feedback  []string
	dedups    int
	panicOn   int
	calls     int
}

func (f *fakeGateway) AnalyzeContextBatch(_ context.Context, history, _ string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.panicOn > 0 && f.calls == f.panicOn {
		panic("reasoner exploded")
	}

	f.histories = append(f.histories, history)
	return f.facts
}

func (f *fakeGateway) AnalyzeFeedbackBatch(_ context.Context, feedback string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.feedback = append(f.feedback, feedback)
	return f.rules
}

func (f *fakeGateway) DeduplicateFacts(_ context.Context, facts []string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dedups++
	return facts
}

type fakeSource struct {
	audit    []tasks.AuditEntry
	rejected []tasks.RejectedTask
	err      error
}

func (f *fakeSource) GetAuditLog(context.Context, int) ([]tasks.AuditEntry, error) {
	return f.audit, f.err
}

func (f *fakeSource) GetRejectedTasksWithComments(context.Context, int) ([]tasks.RejectedTask, error) {
	return f.rejected, f.err
}

type failingStore struct {
	memory.Store
}

func (failingStore) Add(context.Context, string) (bool, error) {
	return false, errors.New("disk full")
}

func ptr(s string) *string { return &s }

func newTestService(t *testing.T, gateway Gateway, source Source, batchSize int) (*Service, memory.Store, string) {
	t.Helper()

	dir := t.TempDir()
	store, err := memory.NewFileStore(filepath.Join(dir, "memory.jsonl"))
	require.NoError(t, err)

	statePath := filepath.Join(dir, "learning_state.json")
	svc := NewService(Options{OwnerName: "Alex", BatchSize: batchSize}, gateway, store, source, NewCheckpointStore(statePath))
	svc.now = func() time.Time { return time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC) }

	return svc, store, statePath
}

func TestDigestContextEndToEnd(t *testing.T) {
	gateway := &fakeGateway{facts: []string{"Works on v2 project"}}
	source := &fakeSource{audit: []tasks.AuditEntry{{Timestamp: "t3", Sender: "Bob", Text: "shipped v2"}}}

	dir := t.TempDir()
	statePath := filepath.Join(dir, "learning_state.json")
	require.NoError(t, NewCheckpointStore(statePath).Save(Checkpoint{LastContextTimestamp: ptr("t2")}))

	store, err := memory.NewFileStore(filepath.Join(dir, "memory.jsonl"))
	require.NoError(t, err)

	svc := NewService(Options{OwnerName: "Alex", BatchSize: 200}, gateway, store, source, NewCheckpointStore(statePath))

	added, err := svc.DigestContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	facts, err := store.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Works on v2 project"}, facts)

	assert.Equal(t, []string{"[t3] Bob: shipped v2"}, gateway.histories)
	assert.Equal(t, ptr("t3"), svc.Checkpoint().LastContextTimestamp)
	assert.Equal(t, ptr("t3"), NewCheckpointStore(statePath).Load().LastContextTimestamp, "checkpoint is persisted")
}

func TestDigestContextIsMonotonic(t *testing.T) {
	gateway := &fakeGateway{facts: []string{"Uses Go"}}
	source := &fakeSource{audit: []tasks.AuditEntry{
		{Timestamp: "2026-10-17T10:00:02.000000Z", Sender: "Bob", Text: "second"},
		{Timestamp: "2026-10-17T10:00:01.000000Z", Sender: "Ann", Text: "first"},
	}}
	svc, store, _ := newTestService(t, gateway, source, 200)
	ctx := context.Background()

	added, err := svc.DigestContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	checkpoint := svc.Checkpoint().LastContextTimestamp

	added, err = svc.DigestContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, checkpoint, svc.Checkpoint().LastContextTimestamp)
	assert.Len(t, gateway.histories, 1, "nothing new, no remote call")

	facts, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, facts, 1)
}

func TestDigestContextFirstRunTakesNewestBatch(t *testing.T) {
	gateway := &fakeGateway{}
	source := &fakeSource{audit: []tasks.AuditEntry{
		{Timestamp: "t5", Sender: "E", Text: "five"},
		{Timestamp: "t4", Sender: "D", Text: "four"},
		{Timestamp: "t3", Sender: "C", Text: "three"},
	}}
	svc, _, _ := newTestService(t, gateway, source, 2)

	_, err := svc.DigestContext(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"[t4] D: four\n[t5] E: five"}, gateway.histories)
	assert.Equal(t, ptr("t5"), svc.Checkpoint().LastContextTimestamp)
}

func TestDigestContextFiltersThenCaps(t *testing.T) {
	gateway := &fakeGateway{}
	source := &fakeSource{audit: []tasks.AuditEntry{
		{Timestamp: "t5", Sender: "E", Text: "five"},
		{Timestamp: "t4", Sender: "D", Text: "four"},
		{Timestamp: "t3", Sender: "C", Text: "three"},
		{Timestamp: "t2", Sender: "B", Text: "two"},
		{Timestamp: "t1", Sender: "A", Text: "one"},
	}}
	svc, _, _ := newTestService(t, gateway, source, 2)
	svc.checkpoint = Checkpoint{LastContextTimestamp: ptr("t2")}

	_, err := svc.DigestContext(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"[t4] D: four\n[t5] E: five"}, gateway.histories)
	assert.Equal(t, ptr("t5"), svc.Checkpoint().LastContextTimestamp)
}

func TestDigestContextInsertFailureKeepsCheckpoint(t *testing.T) {
	gateway := &fakeGateway{facts: []string{"Uses Go"}}
	source := &fakeSource{audit: []tasks.AuditEntry{{Timestamp: "t3", Sender: "Bob", Text: "hi"}}}
	statePath := filepath.Join(t.TempDir(), "learning_state.json")

	svc := NewService(Options{BatchSize: 200}, gateway, failingStore{}, source, NewCheckpointStore(statePath))
	svc.checkpoint = Checkpoint{LastContextTimestamp: ptr("t2")}

	_, err := svc.DigestContext(context.Background())
	require.Error(t, err)

	assert.Equal(t, ptr("t2"), svc.Checkpoint().LastContextTimestamp)
	_, statErr := os.Stat(statePath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDigestContextSourceError(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeGateway{}, &fakeSource{err: errors.New("db locked")}, 200)

	_, err := svc.DigestContext(context.Background())
	assert.Error(t, err)
	assert.Nil(t, svc.Checkpoint().LastContextTimestamp)
}

func TestLearnFromFeedback(t *testing.T) {
	gateway := &fakeGateway{rules: []string{"Ignore marketing newsletters", ""}}
	source := &fakeSource{rejected: []tasks.RejectedTask{
		{Summary: "Newsletter digest", Comments: []string{"not my job", "ignore marketing"}},
		{Summary: "Lunch poll", Comments: []string{"never"}},
	}}
	svc, store, _ := newTestService(t, gateway, source, 200)
	ctx := context.Background()

	added, err := svc.LearnFromFeedback(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	assert.Equal(t, []string{
		"- Task: Newsletter digest\n  Comments: not my job, ignore marketing\n- Task: Lunch poll\n  Comments: never",
	}, gateway.feedback)
	assert.Equal(t, ptr("2026-10-17T12:00:00.000000Z"), svc.Checkpoint().LastFeedbackTimestamp)

	added, err = svc.LearnFromFeedback(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, added, "re-reading feedback is absorbed by the store")

	facts, err := store.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ignore marketing newsletters"}, facts)
}

func TestLearnFromFeedbackWithoutRejections(t *testing.T) {
	gateway := &fakeGateway{}
	svc, _, _ := newTestService(t, gateway, &fakeSource{}, 200)

	_, err := svc.LearnFromFeedback(context.Background())
	require.NoError(t, err)
	assert.Empty(t, gateway.feedback)
	assert.NotNil(t, svc.Checkpoint().LastFeedbackTimestamp)
}

func TestRunCycleConsolidates(t *testing.T) {
	gateway := &fakeGateway{facts: []string{"Uses Go"}}
	source := &fakeSource{audit: []tasks.AuditEntry{{Timestamp: "t1", Sender: "Bob", Text: "hi"}}}
	svc, _, _ := newTestService(t, gateway, source, 200)

	require.NoError(t, svc.RunCycle(context.Background()))
	assert.Equal(t, 1, gateway.dedups)
}

func TestCheckpointStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state", "learning_state.json")
	store := NewCheckpointStore(path)

	assert.Equal(t, Checkpoint{}, store.Load())

	require.NoError(t, store.Save(Checkpoint{LastContextTimestamp: ptr("t1"), LastFeedbackTimestamp: ptr("f1")}))
	assert.Equal(t, Checkpoint{LastContextTimestamp: ptr("t1"), LastFeedbackTimestamp: ptr("f1")}, store.Load())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"last_processed_timestamp": "t1"`)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	assert.Equal(t, Checkpoint{}, store.Load())
}

func TestRunRecoversAndStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	gateway := &fakeGateway{panicOn: 1}
	source := &fakeSource{audit: []tasks.AuditEntry{{Timestamp: "t1", Sender: "Bob", Text: "hi"}}}
	svc, _, _ := newTestService(t, gateway, source, 200)
	svc.opts.StartupDelay = 30 * time.Second
	svc.opts.Interval = 6 * time.Hour
	svc.opts.RecoveryDelay = 10 * time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delays []time.Duration
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 3 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	svc.Run(ctx)

	assert.Equal(t, []time.Duration{30 * time.Second, 10 * time.Minute, 6 * time.Hour}, delays)
	assert.Equal(t, ptr("t1"), svc.Checkpoint().LastContextTimestamp, "second cycle succeeded")
}

func TestRunCancelledDuringStartupDelay(t *testing.T) {
	defer goleak.VerifyNone(t)

	gateway := &fakeGateway{}
	svc, _, _ := newTestService(t, gateway, &fakeSource{}, 200)
	svc.opts.StartupDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Zero(t, gateway.calls)
}
