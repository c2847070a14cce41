package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/realtime"

	"github.com/jonboulle/clockwork"
)

// Store is an in-process implementation of realtime.Store.
// Each subscriber has its own ordered queue, so a slow listener never blocks
// writers and never observes writes out of order.
type Store struct {
	clock clockwork.Clock

	mu      sync.Mutex
	leaves  map[string]json.RawMessage
	subs    map[*subscriber]struct{}
	offline bool
}

func NewStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:  clock,
		leaves: make(map[string]json.RawMessage),
		subs:   make(map[*subscriber]struct{}),
	}
}

// SetOffline simulates losing the connection to the store. Subscribers get an
// error while offline and a fresh snapshot when the store comes back.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline == offline {
		return
	}
	s.offline = offline
	for sub := range s.subs {
		if offline {
			sub.enqueue(delivery{err: domain.ErrStoreUnavailable})
			continue
		}
		sub.enqueue(delivery{snap: s.snapshotLocked(sub.path)})
	}
}

func (s *Store) Get(_ context.Context, path string) (realtime.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return realtime.Snapshot{}, domain.ErrStoreUnavailable
	}
	return s.snapshotLocked(path), nil
}

func (s *Store) Set(_ context.Context, path string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return domain.ErrStoreUnavailable
	}
	s.setLocked(path, value)
	s.notifyLocked([]string{path})
	return nil
}

func (s *Store) Update(_ context.Context, values map[string]json.RawMessage) error {
	if len(values) == 0 {
		return nil
	}
	if _, err := commonRoot(values); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return domain.ErrStoreUnavailable
	}
	changed := make([]string, 0, len(values))
	for path, value := range values {
		s.setLocked(path, value)
		changed = append(changed, path)
	}
	s.notifyLocked(changed)
	return nil
}

func (s *Store) Create(_ context.Context, path string, leaves map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return domain.ErrStoreUnavailable
	}
	for key := range s.leaves {
		if _, ok := realtime.Rel(path, key); ok {
			return fmt.Errorf("%s: %w", path, domain.ErrAlreadyExists)
		}
	}
	for rel, value := range leaves {
		s.leaves[realtime.Join(path, rel)] = value
	}
	s.notifyLocked([]string{path})
	return nil
}

func (s *Store) Subscribe(ctx context.Context, path string, fn realtime.Listener) (realtime.Unsubscribe, error) {
	sub := &subscriber{
		path: path,
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.offline {
		s.mu.Unlock()
		return nil, domain.ErrStoreUnavailable
	}
	s.subs[sub] = struct{}{}
	sub.enqueue(delivery{snap: s.snapshotLocked(path)})
	s.mu.Unlock()

	go sub.run()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, sub)
			s.mu.Unlock()
			close(sub.done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()
	return cancel, nil
}

func (s *Store) Now(context.Context) (time.Time, error) {
	return s.clock.Now(), nil
}

func (s *Store) setLocked(path string, value json.RawMessage) {
	for key := range s.leaves {
		_, below := realtime.Rel(path, key)
		_, above := realtime.Rel(key, path)
		if below || above {
			delete(s.leaves, key)
		}
	}
	if value != nil {
		s.leaves[realtime.Join(path)] = value
	}
}

func (s *Store) snapshotLocked(path string) realtime.Snapshot {
	snap := realtime.Snapshot{Path: realtime.Join(path), Leaves: make(map[string]json.RawMessage)}
	for key, value := range s.leaves {
		if rel, ok := realtime.Rel(path, key); ok {
			snap.Leaves[rel] = value
		}
	}
	return snap
}

func (s *Store) notifyLocked(changed []string) {
	for sub := range s.subs {
		for _, path := range changed {
			if realtime.Overlaps(sub.path, path) {
				sub.enqueue(delivery{snap: s.snapshotLocked(sub.path)})
				break
			}
		}
	}
}

func commonRoot(values map[string]json.RawMessage) (string, error) {
	root := ""
	for path := range values {
		r := realtime.Root(path)
		if root == "" {
			root = r
			continue
		}
		if r != root {
			return "", fmt.Errorf("update spans roots %s and %s", root, r)
		}
	}
	return root, nil
}

type delivery struct {
	snap realtime.Snapshot
	err  error
}

type subscriber struct {
	path string
	fn   realtime.Listener
	wake chan struct{}
	done chan struct{}

	mu    sync.Mutex
	queue []delivery
}

func (s *subscriber) enqueue(d delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, d := range pending {
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(d.snap, d.err)
		}
	}
}
