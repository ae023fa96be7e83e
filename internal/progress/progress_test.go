package progress_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashita-ai/shiori/internal/model"
	"github.com/ashita-ai/shiori/internal/progress"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memLog is an in-memory LogStore.
type memLog struct {
	mu      sync.Mutex
	entries map[uuid.UUID][]model.ProgressEntry
	failFor uuid.UUID
}

func newMemLog() *memLog {
	return &memLog{entries: make(map[uuid.UUID][]model.ProgressEntry)}
}

func (m *memLog) AppendProgress(_ context.Context, runID uuid.UUID, phase, detail string, status model.ProgressStatus) (model.ProgressEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if runID == m.failFor {
		return model.ProgressEntry{}, errors.New("disk full")
	}
	e := model.ProgressEntry{
		RunID: runID, Seq: int64(len(m.entries[runID]) + 1),
		Phase: phase, Detail: detail, Status: status, CreatedAt: time.Now(),
	}
	m.entries[runID] = append(m.entries[runID], e)
	return e, nil
}

func (m *memLog) ListProgress(_ context.Context, runID uuid.UUID, afterSeq int64) ([]model.ProgressEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ProgressEntry
	for _, e := range m.entries[runID] {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func notTerminal(context.Context) (bool, error) { return false, nil }
func terminal(context.Context) (bool, error)    { return true, nil }

func drain(t *testing.T, sub *progress.Subscription) []int64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var seqs []int64
	for {
		e, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			return seqs
		}
		require.NoError(t, err)
		seqs = append(seqs, e.Seq)
	}
}

func seqRange(from, to int64) []int64 {
	var out []int64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestSubscribeMidRunHasNoGapsOrDuplicates(t *testing.T) {
	ctx := context.Background()
	log := newMemLog()
	hub := progress.NewHub(log)
	rec := progress.NewRecorder(log, hub, testLogger())
	runID := uuid.New()
	sink := rec.Sink(ctx, runID)

	for range 5 {
		sink.Emit("pages", "batch", model.ProgressInProgress)
	}
	sub, err := hub.Subscribe(ctx, runID, notTerminal)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 20 {
			sink.Emit("pages", "batch", model.ProgressInProgress)
		}
		_, err := rec.Append(ctx, runID, progress.FinalPhase, "completed", model.ProgressCompleted)
		assert.NoError(t, err)
		hub.Close(runID)
	}()

	got := drain(t, sub)
	wg.Wait()
	assert.Equal(t, seqRange(1, 26), got)
	assert.Equal(t, 0, hub.Subscribers(runID))
}

func TestConcurrentEmittersAreDeliveredInSeqOrder(t *testing.T) {
	ctx := context.Background()
	log := newMemLog()
	hub := progress.NewHub(log)
	rec := progress.NewRecorder(log, hub, testLogger())
	runID := uuid.New()

	sub, err := hub.Subscribe(ctx, runID, notTerminal)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink := rec.Sink(ctx, runID)
			for range 50 {
				sink.Emit("tables", "", model.ProgressInProgress)
			}
		}()
	}
	wg.Wait()
	_, err = rec.Append(ctx, runID, progress.FinalPhase, "", model.ProgressCompleted)
	require.NoError(t, err)
	hub.Close(runID)

	assert.Equal(t, seqRange(1, 201), drain(t, sub))
}

func TestSlowSubscriberIsRefilledFromStore(t *testing.T) {
	ctx := context.Background()
	log := newMemLog()
	hub := progress.NewHub(log)
	rec := progress.NewRecorder(log, hub, testLogger())
	runID := uuid.New()

	sub, err := hub.Subscribe(ctx, runID, notTerminal)
	require.NoError(t, err)

	// Far more than the live buffer holds, with nobody reading.
	for range 300 {
		rec.Sink(ctx, runID).Emit("pages", "", model.ProgressInProgress)
	}
	_, err = rec.Append(ctx, runID, progress.FinalPhase, "", model.ProgressCompleted)
	require.NoError(t, err)
	hub.Close(runID)

	assert.Equal(t, seqRange(1, 301), drain(t, sub))
}

func TestSubscribeToFinishedRun(t *testing.T) {
	ctx := context.Background()
	log := newMemLog()
	hub := progress.NewHub(log)
	rec := progress.NewRecorder(log, hub, testLogger())
	runID := uuid.New()

	rec.Sink(ctx, runID).Emit("extract", "", model.ProgressStarted)
	_, err := rec.Append(ctx, runID, progress.FinalPhase, "failed", model.ProgressFailed)
	require.NoError(t, err)
	hub.Close(runID)

	sub, err := hub.Subscribe(ctx, runID, func(context.Context) (bool, error) {
		t.Fatal("terminal check not needed when the log is closed")
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, drain(t, sub))
	assert.Equal(t, 0, hub.Subscribers(runID))
}

func TestSubscribeToTerminalRunWithoutFinalEntry(t *testing.T) {
	ctx := context.Background()
	log := newMemLog()
	hub := progress.NewHub(log)
	runID := uuid.New()
	_, err := log.AppendProgress(ctx, runID, "extract", "", model.ProgressStarted)
	require.NoError(t, err)

	sub, err := hub.Subscribe(ctx, runID, terminal)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, drain(t, sub))
}

func TestSubscriberDetachDoesNotAffectOthers(t *testing.T) {
	ctx := context.Background()
	log := newMemLog()
	hub := progress.NewHub(log)
	rec := progress.NewRecorder(log, hub, testLogger())
	runID := uuid.New()

	a, err := hub.Subscribe(ctx, runID, notTerminal)
	require.NoError(t, err)
	b, err := hub.Subscribe(ctx, runID, notTerminal)
	require.NoError(t, err)
	assert.Equal(t, 2, hub.Subscribers(runID))

	a.Close()
	a.Close()
	assert.Equal(t, 1, hub.Subscribers(runID))

	rec.Sink(ctx, runID).Emit("x", "", model.ProgressStarted)
	_, err = rec.Append(ctx, runID, progress.FinalPhase, "", model.ProgressCancelled)
	require.NoError(t, err)
	hub.Close(runID)
	assert.Equal(t, []int64{1, 2}, drain(t, b))
}

func TestNextHonorsContext(t *testing.T) {
	log := newMemLog()
	hub := progress.NewHub(log)
	runID := uuid.New()
	sub, err := hub.Subscribe(context.Background(), runID, notTerminal)
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEmitWithoutSubscribersIsStillLogged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	log := newMemLog()
	hub := progress.NewHub(log)
	rec := progress.NewRecorder(log, hub, testLogger())
	runID := uuid.New()
	sink := rec.Sink(ctx, runID)

	sink.Emit("extract", "starting", model.ProgressStarted)
	cancel()
	sink.Emit("extract", "stopped", model.ProgressCancelled)

	entries, err := log.ListProgress(context.Background(), runID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.ProgressCancelled, entries[1].Status, "appends outlive the run context")
}

func TestEmitSwallowsStoreErrors(t *testing.T) {
	log := newMemLog()
	runID := uuid.New()
	log.failFor = runID
	rec := progress.NewRecorder(log, progress.NewHub(log), testLogger())
	assert.NotPanics(t, func() {
		rec.Sink(context.Background(), runID).Emit("x", "", model.ProgressStarted)
	})
}

type recordingNotifier struct {
	mu      sync.Mutex
	origins []string
}

func (n *recordingNotifier) NotifyProgress(_ context.Context, origin string, _ model.ProgressEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.origins = append(n.origins, origin)
	return nil
}

func TestRecorderNotifies(t *testing.T) {
	log := newMemLog()
	n := &recordingNotifier{}
	rec := progress.NewRecorder(log, progress.NewHub(log), testLogger()).WithNotifier(n, "node-a")
	rec.Sink(context.Background(), uuid.New()).Emit("x", "", model.ProgressStarted)
	assert.Equal(t, []string{"node-a"}, n.origins)
}

// chanListener delivers notifications from a channel.
type chanListener struct {
	notes chan [2]string
}

func (l *chanListener) Listen(context.Context, string) error { return nil }

func (l *chanListener) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case n := <-l.notes:
		return n[0], n[1], nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func TestRelayRepublishesRemoteEntries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := newMemLog()
	hub := progress.NewHub(log)
	runID := uuid.New()
	listener := &chanListener{notes: make(chan [2]string)}
	decode := func(payload string) (uuid.UUID, int64, string, error) {
		// payload is "<origin>"; the seq is whatever the store holds last.
		entries, _ := log.ListProgress(ctx, runID, 0)
		return runID, entries[len(entries)-1].Seq, payload, nil
	}
	relay := progress.NewRelay(listener, "chan", decode, log, hub, "node-a", testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		relay.Start(ctx)
	}()

	sub, err := hub.Subscribe(ctx, runID, notTerminal)
	require.NoError(t, err)

	// Another process appends directly to the shared store and notifies.
	_, err = log.AppendProgress(ctx, runID, "pages", "", model.ProgressInProgress)
	require.NoError(t, err)
	listener.notes <- [2]string{"chan", "node-b"}
	// Our own notifications are ignored.
	listener.notes <- [2]string{"chan", "node-a"}
	_, err = log.AppendProgress(ctx, runID, progress.FinalPhase, "", model.ProgressCompleted)
	require.NoError(t, err)
	listener.notes <- [2]string{"chan", "node-b"}

	assert.Equal(t, []int64{1, 2}, drain(t, sub))
	cancel()
	<-done
}
