package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/researchboard/internal/models"
	"github.com/Lllllllleong/researchboard/internal/ports"
)

const waitTimeout = 2 * time.Second

var errStreamStopped = errors.New("fake stream stopped")

// fakeProvider is an in-memory identity provider.
type fakeProvider struct {
	mu             sync.Mutex
	uid            string
	anonymousErr   error
	tokenErr       error
	silent         bool
	anonymousCalls int
	tokenCalls     int
	lastToken      string
	listeners      map[int]func(*models.Principal)
	next           int
}

var _ ports.IdentityProvider = (*fakeProvider)(nil)

func newFakeProvider(uid string) *fakeProvider {
	return &fakeProvider{uid: uid, listeners: make(map[int]func(*models.Principal))}
}

func (p *fakeProvider) EstablishAnonymous(ctx context.Context) (*models.Principal, error) {
	p.mu.Lock()
	p.anonymousCalls++
	err := p.anonymousErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p.establish(), nil
}

func (p *fakeProvider) EstablishWithToken(ctx context.Context, token string) (*models.Principal, error) {
	p.mu.Lock()
	p.tokenCalls++
	p.lastToken = token
	err := p.tokenErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p.establish(), nil
}

func (p *fakeProvider) establish() *models.Principal {
	principal := &models.Principal{UID: p.uid}
	if !p.silent {
		p.notify(principal)
	}
	return principal
}

func (p *fakeProvider) OnIdentityChange(fn func(*models.Principal)) func() {
	p.mu.Lock()
	id := p.next
	p.next++
	p.listeners[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *fakeProvider) notify(principal *models.Principal) {
	p.mu.Lock()
	var fns []func(*models.Principal)
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(principal)
	}
}

func (p *fakeProvider) listenerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

// fakeStore records writes and hands out controllable streams.
type fakeStore struct {
	mu           sync.Mutex
	createErr    error
	createBlock  chan struct{}
	creates      []models.PaperFields
	attempts     int
	subscribeErr error
	opened       int
	active       int
	maxActive    int
	streams      chan *fakeStream
}

var _ ports.PaperStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{streams: make(chan *fakeStream, 16)}
}

func (s *fakeStore) Create(ctx context.Context, ref models.CollectionRef, fields models.PaperFields) (string, error) {
	s.mu.Lock()
	s.attempts++
	block := s.createBlock
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	s.creates = append(s.creates, fields)
	return "paper-" + fields.Title, nil
}

func (s *fakeStore) Subscribe(ctx context.Context, ref models.CollectionRef) (ports.BatchStream, error) {
	s.mu.Lock()
	if s.subscribeErr != nil {
		err := s.subscribeErr
		s.mu.Unlock()
		return nil, err
	}
	st := &fakeStream{
		store:   s,
		ctx:     ctx,
		batches: make(chan fakeBatch),
		stopped: make(chan struct{}),
	}
	s.opened++
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.mu.Unlock()
	s.streams <- st
	return st, nil
}

func (s *fakeStore) createCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.creates)
}

func (s *fakeStore) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *fakeStore) counts() (opened, active, maxActive int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened, s.active, s.maxActive
}

func (s *fakeStore) nextStream(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case st := <-s.streams:
		return st
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a subscription")
		return nil
	}
}

type fakeBatch struct {
	papers []models.Paper
	err    error
}

type fakeStream struct {
	store    *fakeStore
	ctx      context.Context
	batches  chan fakeBatch
	stopped  chan struct{}
	stopOnce sync.Once
}

func (st *fakeStream) Next() ([]models.Paper, error) {
	select {
	case b := <-st.batches:
		return b.papers, b.err
	case <-st.stopped:
		return nil, errStreamStopped
	case <-st.ctx.Done():
		return nil, st.ctx.Err()
	}
}

func (st *fakeStream) Stop() {
	st.stopOnce.Do(func() {
		st.store.mu.Lock()
		st.store.active--
		st.store.mu.Unlock()
		close(st.stopped)
	})
}

func (st *fakeStream) isStopped() bool {
	select {
	case <-st.stopped:
		return true
	default:
		return false
	}
}

func (st *fakeStream) send(t *testing.T, papers ...models.Paper) {
	t.Helper()
	st.push(t, fakeBatch{papers: papers})
}

func (st *fakeStream) fail(t *testing.T, err error) {
	t.Helper()
	st.push(t, fakeBatch{err: err})
}

func (st *fakeStream) push(t *testing.T, b fakeBatch) {
	t.Helper()
	select {
	case st.batches <- b:
	case <-time.After(waitTimeout):
		t.Fatal("timed out delivering a batch")
	}
}

// staticIdentity is a fixed IdentitySource.
type staticIdentity models.Identity

func (s staticIdentity) Current() models.Identity { return models.Identity(s) }

func established(id string) staticIdentity {
	return staticIdentity{ID: id, IsEstablished: true, Source: models.SourceProvider}
}

func paperAt(id string, unix int64) models.Paper {
	ts := time.Unix(unix, 0)
	return models.Paper{ID: id, Title: "title " + id, CreatedAt: &ts}
}

func pendingPaper(id string) models.Paper {
	return models.Paper{ID: id, Title: "title " + id}
}

// observe collects sync events on a channel.
func observe(s *CollectionSync) (<-chan SyncEvent, func()) {
	events := make(chan SyncEvent, 32)
	cancel := s.Observe(func(ev SyncEvent) { events <- ev })
	return events, cancel
}

func nextEvent(t *testing.T, events <-chan SyncEvent) SyncEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a sync event")
		return SyncEvent{}
	}
}
