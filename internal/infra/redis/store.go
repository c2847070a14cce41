package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/realtime"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const maxTxRetries = 16

var errInvalidPath = errors.New("path must address a root of at least two segments")

// Store implements realtime.Store on Redis. Every root (sessions/{id}) is one
// hash whose fields are the leaf paths below the root:
//
//	HSET rt:sessions/{id} state/phase "\"question\"" answers/0/p1 "{...}"
//
// Writes run as WATCH/MULTI/EXEC transactions that also PUBLISH the changed
// paths on rt:changes:{root}, so subscribers see changes in commit order.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	health time.Duration
	log    zerolog.Logger
}

func NewStore(client *redis.Client, ttl time.Duration, log zerolog.Logger) *Store {
	return &Store{client: client, ttl: ttl, health: 5 * time.Second, log: log}
}

// WithHealthInterval sets how often idle subscriptions ping Redis.
func (s *Store) WithHealthInterval(d time.Duration) *Store {
	if d > 0 {
		s.health = d
	}
	return s
}

func (s *Store) Get(ctx context.Context, path string) (realtime.Snapshot, error) {
	root, rel, err := splitPath(path)
	if err != nil {
		return realtime.Snapshot{}, err
	}
	fields, err := s.client.HGetAll(ctx, s.key(root)).Result()
	if err != nil {
		return realtime.Snapshot{}, unavailable(err)
	}
	snap := realtime.Snapshot{Path: realtime.Join(path), Leaves: make(map[string]json.RawMessage)}
	for field, value := range fields {
		if below, ok := realtime.Rel(rel, field); ok {
			snap.Leaves[below] = json.RawMessage(value)
		}
	}
	return snap, nil
}

func (s *Store) Set(ctx context.Context, path string, value json.RawMessage) error {
	root, rel, err := splitPath(path)
	if err != nil {
		return err
	}
	return s.write(ctx, root, []string{path}, func(fields []string) ([]string, map[string]string, error) {
		set := map[string]string{}
		if value != nil {
			set[rel] = string(value)
		}
		return overlapping(fields, rel), set, nil
	})
}

func (s *Store) Update(ctx context.Context, values map[string]json.RawMessage) error {
	if len(values) == 0 {
		return nil
	}
	root := ""
	rels := make(map[string]json.RawMessage, len(values))
	changed := make([]string, 0, len(values))
	for path, value := range values {
		r, rel, err := splitPath(path)
		if err != nil {
			return err
		}
		if root != "" && r != root {
			return fmt.Errorf("update spans roots %s and %s", root, r)
		}
		root = r
		rels[rel] = value
		changed = append(changed, path)
	}
	sort.Strings(changed)

	return s.write(ctx, root, changed, func(fields []string) ([]string, map[string]string, error) {
		var del []string
		set := make(map[string]string, len(rels))
		for rel, value := range rels {
			del = append(del, overlapping(fields, rel)...)
			if value != nil {
				set[rel] = string(value)
			}
		}
		return del, set, nil
	})
}

func (s *Store) Create(ctx context.Context, path string, leaves map[string]json.RawMessage) error {
	root, rel, err := splitPath(path)
	if err != nil {
		return err
	}
	return s.write(ctx, root, []string{path}, func(fields []string) ([]string, map[string]string, error) {
		for _, f := range fields {
			if _, ok := realtime.Rel(rel, f); ok {
				return nil, nil, fmt.Errorf("%s: %w", path, domain.ErrAlreadyExists)
			}
		}
		set := make(map[string]string, len(leaves))
		for sub, value := range leaves {
			set[realtime.Join(rel, sub)] = string(value)
		}
		return nil, set, nil
	})
}

func (s *Store) Subscribe(ctx context.Context, path string, fn realtime.Listener) (realtime.Unsubscribe, error) {
	root, _, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	ps := s.client.Subscribe(ctx, s.channel(root))
	// wait for the subscription so no write between here and the replay is lost
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	go s.follow(ctx, ps, path, fn)
	return realtime.Unsubscribe(cancel), nil
}

func (s *Store) Now(ctx context.Context) (time.Time, error) {
	now, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, unavailable(err)
	}
	return now, nil
}

// follow delivers the replay and then one fresh snapshot per relevant change
// notice, sequentially, until ctx ends.
func (s *Store) follow(ctx context.Context, ps *redis.PubSub, path string, fn realtime.Listener) {
	defer ps.Close()

	msgs := ps.ChannelWithSubscriptions()
	ticker := time.NewTicker(s.health)
	defer ticker.Stop()

	failed := false
	deliver := func() {
		snap, err := s.Get(ctx, path)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failed = true
			fn(realtime.Snapshot{}, err)
			return
		}
		failed = false
		fn(snap, nil)
	}

	deliver()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			switch m := m.(type) {
			case *redis.Subscription:
				// resubscribed after a reconnect: changes may have been missed
				deliver()
			case *redis.Message:
				if touches(m.Payload, path) {
					deliver()
				}
			}
		case <-ticker.C:
			if err := ps.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				if !failed {
					failed = true
					s.log.Warn().Err(err).Str("path", path).Msg("subscription lost redis")
					fn(realtime.Snapshot{}, unavailable(err))
				}
				continue
			}
			if failed {
				deliver()
			}
		}
	}
}

type mutation func(fields []string) (del []string, set map[string]string, err error)

// write applies a mutation computed from the current field list inside an
// optimistic transaction, retrying when another writer touched the root.
func (s *Store) write(ctx context.Context, root string, changed []string, mutate mutation) error {
	key := s.key(root)
	notice, err := json.Marshal(changed)
	if err != nil {
		return err
	}

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HKeys(ctx, key).Result()
		if err != nil {
			return err
		}
		del, set, err := mutate(fields)
		if err != nil {
			return err
		}
		del = without(del, set)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(del) > 0 {
				pipe.HDel(ctx, key, del...)
			}
			if len(set) > 0 {
				args := make([]interface{}, 0, 2*len(set))
				for field, value := range set {
					args = append(args, field, value)
				}
				pipe.HSet(ctx, key, args...)
			}
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			pipe.Publish(ctx, s.channel(root), notice)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, domain.ErrAlreadyExists):
			return err
		default:
			return unavailable(err)
		}
	}
	return fmt.Errorf("%w: too much contention on %s", domain.ErrStoreUnavailable, root)
}

func (s *Store) key(root string) string {
	return "rt:" + root
}

func (s *Store) channel(root string) string {
	return "rt:changes:" + root
}

func splitPath(path string) (root, rel string, err error) {
	segs := realtime.Split(path)
	if len(segs) < 2 {
		return "", "", fmt.Errorf("%q: %w", path, errInvalidPath)
	}
	return strings.Join(segs[:2], "/"), strings.Join(segs[2:], "/"), nil
}

// overlapping lists fields replaced by a write at rel: the subtree below it
// and any leaf stored at one of its ancestors.
func overlapping(fields []string, rel string) []string {
	var out []string
	for _, f := range fields {
		if realtime.Overlaps(rel, f) {
			out = append(out, f)
		}
	}
	return out
}

func without(del []string, set map[string]string) []string {
	out := del[:0]
	seen := make(map[string]bool, len(del))
	for _, f := range del {
		if _, ok := set[f]; ok || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func touches(payload, path string) bool {
	var changed []string
	if err := json.Unmarshal([]byte(payload), &changed); err != nil {
		return true
	}
	for _, c := range changed {
		if realtime.Overlaps(path, c) {
			return true
		}
	}
	return false
}

func unavailable(err error) error {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}
