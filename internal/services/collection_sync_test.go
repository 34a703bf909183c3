package services

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/Lllllllleong/researchboard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var testRef = models.NewCollectionRef("test-deployment")

func TestOrderPapers(t *testing.T) {
	tests := []struct {
		name  string
		batch []models.Paper
		want  []string
	}{
		{
			name:  "unresolved timestamp sorts last",
			batch: []models.Paper{paperAt("a", 100), pendingPaper("b"), paperAt("c", 50)},
			want:  []string{"a", "c", "b"},
		},
		{
			name:  "unresolved papers keep batch order",
			batch: []models.Paper{pendingPaper("x"), paperAt("a", 10), pendingPaper("y"), pendingPaper("z")},
			want:  []string{"a", "x", "y", "z"},
		},
		{
			name:  "paper created at the epoch sorts before unresolved ones",
			batch: []models.Paper{pendingPaper("p"), paperAt("e", 0)},
			want:  []string{"e", "p"},
		},
		{
			name:  "paper created before the epoch sorts before unresolved ones",
			batch: []models.Paper{pendingPaper("p"), paperAt("old", -60), paperAt("e", 0)},
			want:  []string{"e", "old", "p"},
		},
		{
			name:  "equal timestamps keep batch order",
			batch: []models.Paper{paperAt("b", 5), paperAt("a", 5), paperAt("c", 7)},
			want:  []string{"c", "b", "a"},
		},
		{
			name:  "duplicate id keeps first position with last state",
			batch: []models.Paper{paperAt("a", 1), paperAt("b", 2), paperAt("a", 3)},
			want:  []string{"a", "b"},
		},
		{
			name:  "empty batch",
			batch: nil,
			want:  []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := BuildSnapshot(tt.batch, time.Now())
			assert.Equal(t, tt.want, snap.IDs())
		})
	}
}

func TestOrderPapersDoesNotModifyBatch(t *testing.T) {
	batch := []models.Paper{paperAt("a", 1), paperAt("b", 2)}
	_ = OrderPapers(batch)
	assert.Equal(t, "a", batch[0].ID)
}

func TestOrderPapersIsSortedForRandomBatches(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		n := rng.Intn(20)
		batch := make([]models.Paper, 0, n)
		for i := 0; i < n; i++ {
			id := string(rune('a'+i%26)) + string(rune('0'+i/26))
			if rng.Intn(4) == 0 {
				batch = append(batch, pendingPaper(id))
			} else {
				batch = append(batch, paperAt(id, int64(rng.Intn(5)-2)))
			}
		}

		ordered := OrderPapers(batch)
		require.Len(t, ordered, n)
		seenPending := false
		for i, p := range ordered {
			if p.CreatedAt == nil {
				seenPending = true
				continue
			}
			require.False(t, seenPending, "resolved paper after an unresolved one")
			if i > 0 && ordered[i-1].CreatedAt != nil {
				require.False(t, p.CreatedAt.After(*ordered[i-1].CreatedAt), "not descending")
			}
		}

		var pendingInBatch, pendingInSnapshot []string
		for _, p := range batch {
			if p.CreatedAt == nil {
				pendingInBatch = append(pendingInBatch, p.ID)
			}
		}
		for _, p := range ordered {
			if p.CreatedAt == nil {
				pendingInSnapshot = append(pendingInSnapshot, p.ID)
			}
		}
		require.Equal(t, pendingInBatch, pendingInSnapshot)
	}
}

func TestOpenRequiresEstablishedIdentity(t *testing.T) {
	store := newFakeStore()
	s := NewCollectionSync(store, testRef)

	err := s.Open(context.Background(), models.Identity{ID: "x"})
	assert.ErrorIs(t, err, ErrValidation)
	opened, _, _ := store.counts()
	assert.Equal(t, 0, opened)
}

func TestSnapshotIsReplacedOnEachBatch(t *testing.T) {
	store := newFakeStore()
	s := NewCollectionSync(store, testRef)
	events, cancel := observe(s)
	defer cancel()

	require.NoError(t, s.Open(context.Background(), models.Identity(established("u1"))))
	defer s.Close()
	st := store.nextStream(t)

	assert.Equal(t, 0, s.Snapshot().Len())

	st.send(t, paperAt("a", 1))
	ev := nextEvent(t, events)
	require.NoError(t, ev.Err)
	assert.Equal(t, []string{"a"}, ev.Snapshot.IDs())

	st.send(t, paperAt("a", 1), paperAt("b", 2))
	ev = nextEvent(t, events)
	assert.Equal(t, []string{"b", "a"}, ev.Snapshot.IDs())
	assert.Equal(t, []string{"b", "a"}, s.Snapshot().IDs())

	// The previously delivered snapshot is unaffected by the replacement.
	st.send(t, paperAt("c", 3))
	ev2 := nextEvent(t, events)
	assert.Equal(t, []string{"c"}, ev2.Snapshot.IDs())
	assert.Equal(t, []string{"b", "a"}, ev.Snapshot.IDs())
}

func TestSyncFailedKeepsLastSnapshot(t *testing.T) {
	store := newFakeStore()
	s := NewCollectionSync(store, testRef, WithResubscribeBackoff(time.Millisecond, 5*time.Millisecond))
	events, cancel := observe(s)
	defer cancel()

	require.NoError(t, s.Open(context.Background(), models.Identity(established("u1"))))
	defer s.Close()
	st := store.nextStream(t)

	st.send(t, paperAt("a", 1), paperAt("b", 2))
	nextEvent(t, events)

	st.fail(t, status.Error(codes.PermissionDenied, "missing or insufficient permissions"))
	ev := nextEvent(t, events)
	require.Error(t, ev.Err)
	assert.ErrorIs(t, ev.Err, ErrSyncFailed)
	assert.Contains(t, ev.Err.Error(), "permission denied")
	assert.Equal(t, []string{"b", "a"}, ev.Snapshot.IDs())
	assert.Equal(t, []string{"b", "a"}, s.Snapshot().IDs())
	assert.ErrorIs(t, s.Err(), ErrSyncFailed)
	assert.True(t, st.isStopped())

	// The subscription comes back on its own and the next batch clears the condition.
	st2 := store.nextStream(t)
	st2.send(t, paperAt("a", 1), paperAt("b", 2), paperAt("c", 3))
	ev = nextEvent(t, events)
	require.NoError(t, ev.Err)
	assert.Equal(t, []string{"c", "b", "a"}, s.Snapshot().IDs())
	assert.NoError(t, s.Err())

	_, active, maxActive := store.counts()
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, maxActive)
}

func TestSubscribeErrorIsReportedAndRetried(t *testing.T) {
	store := newFakeStore()
	store.subscribeErr = errors.New("transport closed")
	s := NewCollectionSync(store, testRef, WithResubscribeBackoff(time.Millisecond, time.Millisecond))
	events, cancel := observe(s)
	defer cancel()

	require.NoError(t, s.Open(context.Background(), models.Identity(established("u1"))))
	defer s.Close()

	ev := nextEvent(t, events)
	assert.ErrorIs(t, ev.Err, ErrSyncFailed)
	assert.Equal(t, 0, ev.Snapshot.Len())

	store.mu.Lock()
	store.subscribeErr = nil
	store.mu.Unlock()

	st := store.nextStream(t)
	st.send(t, paperAt("a", 1))
	for {
		ev = nextEvent(t, events)
		if ev.Err == nil {
			break
		}
	}
	assert.Equal(t, []string{"a"}, ev.Snapshot.IDs())
}

func TestIdentityChangeResubscribesExactlyOnce(t *testing.T) {
	store := newFakeStore()
	s := NewCollectionSync(store, testRef)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Open(ctx, models.Identity(established("u1"))))
	first := store.nextStream(t)

	changes := make(chan models.Identity, 1)
	followDone := make(chan error, 1)
	go func() { followDone <- s.Follow(ctx, changes) }()

	// Same id: no new subscription.
	changes <- models.Identity(established("u1"))
	changes <- models.Identity(established("u2"))
	second := store.nextStream(t)

	assert.True(t, first.isStopped(), "old subscription is closed")
	assert.False(t, second.isStopped())
	opened, active, maxActive := store.counts()
	assert.Equal(t, 2, opened)
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, maxActive, "never two concurrent subscriptions")

	close(changes)
	require.NoError(t, <-followDone)
	s.Close()
	_, active, _ = store.counts()
	assert.Equal(t, 0, active)
}

func TestCloseKeepsSnapshot(t *testing.T) {
	store := newFakeStore()
	s := NewCollectionSync(store, testRef)
	events, cancel := observe(s)
	defer cancel()

	require.NoError(t, s.Open(context.Background(), models.Identity(established("u1"))))
	st := store.nextStream(t)
	st.send(t, paperAt("a", 1))
	nextEvent(t, events)

	s.Close()
	assert.True(t, st.isStopped())
	assert.Equal(t, []string{"a"}, s.Snapshot().IDs())

	// Closing twice is harmless.
	s.Close()
}
