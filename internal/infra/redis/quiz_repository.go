package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"quiz-sync-service/internal/domain"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// QuizLoader fetches quiz content from a backing store (e.g., document DB).
type QuizLoader interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// QuizRepository caches quiz content in Redis (hash per quiz) and falls back to a loader on cache miss.
// Questions are stored as: HSET quiz:{quizID}:questions {index} {question json}
// Titles are stored as:    SET  quiz:{quizID}:title {title}
// so every gateway instance reads a question from Postgres at most once per TTL.
type QuizRepository struct {
	client *redis.Client
	loader QuizLoader
	ttl    time.Duration
	sf     singleflight.Group

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewQuizRepository(client *redis.Client, loader QuizLoader, ttl time.Duration) *QuizRepository {
	return &QuizRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *QuizRepository) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	if quiz, ok := r.cached(ctx, quizID); ok {
		return quiz, nil
	}

	result, err, _ := r.sf.Do(quizID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if quiz, ok := r.cached(ctx, quizID); ok {
			return quiz, nil
		}

		quiz, err := r.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return domain.Quiz{}, err
		}

		ttl := r.ttlWithJitter()
		questionsKey := r.questionsKey(quizID)
		pipe := r.client.TxPipeline()
		pipe.Del(ctx, questionsKey)
		for i, q := range quiz.Questions {
			raw, err := json.Marshal(q)
			if err != nil {
				return domain.Quiz{}, err
			}
			pipe.HSet(ctx, questionsKey, strconv.Itoa(i), raw)
		}
		pipe.Set(ctx, r.titleKey(quizID), quiz.Title, ttl)
		if ttl > 0 {
			pipe.Expire(ctx, questionsKey, ttl)
		}
		// cache fill is best effort; the loaded quiz is still served
		_, _ = pipe.Exec(ctx)

		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	return result.(domain.Quiz), nil
}

func (r *QuizRepository) cached(ctx context.Context, quizID string) (domain.Quiz, bool) {
	fields, err := r.client.HGetAll(ctx, r.questionsKey(quizID)).Result()
	if err != nil || len(fields) == 0 {
		return domain.Quiz{}, false
	}
	quiz, err := buildQuizFromCache(quizID, fields)
	if err != nil {
		return domain.Quiz{}, false
	}
	quiz.Title, _ = r.client.Get(ctx, r.titleKey(quizID)).Result()
	return quiz, true
}

func (r *QuizRepository) questionsKey(quizID string) string {
	return "quiz:" + quizID + ":questions"
}

func (r *QuizRepository) titleKey(quizID string) string {
	return "quiz:" + quizID + ":title"
}

func buildQuizFromCache(quizID string, fields map[string]string) (domain.Quiz, error) {
	indexes := make([]int, 0, len(fields))
	for field := range fields {
		i, err := strconv.Atoi(field)
		if err != nil {
			return domain.Quiz{}, fmt.Errorf("cached question field %q: %w", field, err)
		}
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	questions := make([]domain.Question, 0, len(indexes))
	for pos, i := range indexes {
		if i != pos {
			return domain.Quiz{}, fmt.Errorf("cached quiz %s is missing question %d", quizID, pos)
		}
		var q domain.Question
		if err := json.Unmarshal([]byte(fields[strconv.Itoa(i)]), &q); err != nil {
			return domain.Quiz{}, err
		}
		questions = append(questions, q)
	}
	return domain.Quiz{ID: quizID, Questions: questions}, nil
}

func (r *QuizRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
