package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/realtime"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	store := NewStore(newClient(mr), time.Hour, zerolog.Nop()).WithHealthInterval(50 * time.Millisecond)
	return store, mr
}

func TestStoreLeavesShareOneHash(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	err := store.Update(ctx, map[string]json.RawMessage{
		"sessions/s1/state/phase":                json.RawMessage(`"question"`),
		"sessions/s1/state/currentQuestionIndex": json.RawMessage(`0`),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := mr.HGet("rt:sessions/s1", "state/phase"); got != `"question"` {
		t.Fatalf("unexpected hash field %q", got)
	}
	if ttl := mr.TTL("rt:sessions/s1"); ttl != time.Hour {
		t.Fatalf("expected session ttl, got %v", ttl)
	}

	snap, err := store.Get(ctx, "sessions/s1/state")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(snap.Leaves) != 2 || string(snap.Leaves["currentQuestionIndex"]) != "0" {
		t.Fatalf("unexpected snapshot %v", snap.Leaves)
	}
}

func TestStoreSetReplacesSubtree(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_ = store.Update(ctx, map[string]json.RawMessage{
		"sessions/s1/presence/p1/isOnline":   json.RawMessage(`true`),
		"sessions/s1/presence/p1/lastSeenAt": json.RawMessage(`10`),
	})
	if err := store.Set(ctx, "sessions/s1/presence/p1", json.RawMessage(`{"gone":true}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	snap, _ := store.Get(ctx, "sessions/s1/presence/p1")
	if len(snap.Leaves) != 1 || string(snap.Leaves[""]) != `{"gone":true}` {
		t.Fatalf("expected subtree replaced, got %v", snap.Leaves)
	}

	if err := store.Set(ctx, "sessions/s1/presence/p1", nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if snap, _ := store.Get(ctx, "sessions/s1"); snap.Exists() {
		t.Fatalf("expected empty root, got %v", snap.Leaves)
	}
}

func TestStoreCreateIsExclusive(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	path := "sessions/s1/answers/0/p1"

	if err := store.Create(ctx, path, map[string]json.RawMessage{"": json.RawMessage(`{"a":1}`)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.Create(ctx, path, map[string]json.RawMessage{"": json.RawMessage(`{"a":2}`)})
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	snap, _ := store.Get(ctx, path)
	if string(snap.Leaves[""]) != `{"a":1}` {
		t.Fatalf("first write must survive, got %s", snap.Leaves[""])
	}
}

func TestStoreRejectsCrossRootAndShortPaths(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	err := store.Update(ctx, map[string]json.RawMessage{
		"sessions/s1/state/phase": json.RawMessage(`"results"`),
		"sessions/s2/state/phase": json.RawMessage(`"results"`),
	})
	if err == nil {
		t.Fatalf("expected cross-root update to fail")
	}
	if _, err := store.Get(ctx, "sessions"); err == nil {
		t.Fatalf("expected short path to fail")
	}
}

func TestStoreSubscribeReplaysInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, _ := newTestStore(t)
	_ = store.Set(ctx, "sessions/s1/state/currentQuestionIndex", json.RawMessage(`0`))

	got := make(chan string, 32)
	unsub, err := store.Subscribe(ctx, "sessions/s1/state", func(s realtime.Snapshot, err error) {
		if err == nil {
			got <- string(s.Leaves["currentQuestionIndex"])
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if v := <-got; v != "0" {
		t.Fatalf("expected replay 0, got %s", v)
	}
	_ = store.Set(ctx, "sessions/s1/answers/0/p1", json.RawMessage(`{}`))
	for i := 1; i <= 3; i++ {
		_ = store.Set(ctx, "sessions/s1/state/currentQuestionIndex", realtime.MustJSON(i))
	}

	last := 0
	deadline := time.After(2 * time.Second)
	for last < 3 {
		select {
		case v := <-got:
			var n int
			if err := json.Unmarshal([]byte(v), &n); err != nil {
				t.Fatalf("decode %q: %v", v, err)
			}
			if n < last {
				t.Fatalf("delivery went backwards: %d after %d", n, last)
			}
			last = n
		case <-deadline:
			t.Fatalf("timed out at %d", last)
		}
	}
}

func TestStoreNowUsesServerTime(t *testing.T) {
	store, mr := newTestStore(t)
	want := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	mr.SetTime(want)

	got, err := store.Now(context.Background())
	if err != nil {
		t.Fatalf("now: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestStoreUnavailableWhenRedisDown(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()
	if _, err := store.Get(context.Background(), "sessions/s1"); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if err := store.Set(context.Background(), "sessions/s1/state/phase", json.RawMessage(`"results"`)); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable on write, got %v", err)
	}
}

func TestRepositoryOverRedis(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	repo := app.NewRepository(store)

	created, err := repo.CreateSession(ctx, app.NewSessionParams{
		SessionID:        "s1",
		QuizID:           "quiz-1",
		HostID:           "host",
		TotalQuestions:   3,
		TimeLimitSeconds: 30,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	read, err := repo.ReadSession(ctx, "s1")
	if err != nil || read != created {
		t.Fatalf("round trip mismatch: %+v %v", read, err)
	}

	if _, err := repo.AdvanceQuestion(ctx, "s1", 0, 0); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := repo.AdvanceQuestion(ctx, "s1", 0, 0); !errors.Is(err, domain.ErrStaleWrite) {
		t.Fatalf("expected stale write, got %v", err)
	}

	answer := domain.PlayerAnswer{PlayerID: "p1", QuestionIndex: 1, SelectedAnswer: 2, Source: domain.ScoreLocal}
	if err := repo.CreateAnswer(ctx, "s1", answer); err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := repo.CreateAnswer(ctx, "s1", answer); !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}
