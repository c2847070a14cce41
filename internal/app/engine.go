package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/realtime"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Connectivity is the engine's view of its link to the replicated store.
type Connectivity string

const (
	ConnectivityLive         Connectivity = "live"
	ConnectivityReconnecting Connectivity = "reconnecting"
)

// End reasons shown on the final view.
const (
	EndedFinished   = "finished"
	EndedNoHost     = "no_viable_host"
	EndedNotStarted = "session_not_found"
)

// View is everything a participant's UI renders for one session.
type View struct {
	Session          domain.Session            `json:"session"`
	Leaderboard      []domain.LeaderboardEntry `json:"leaderboard"`
	RankChanges      map[string]RankChange     `json:"rankChanges,omitempty"`
	MyAnswer         *domain.ScoreResult       `json:"myAnswer,omitempty"`
	AnsweredCount    int                       `json:"answeredCount"`
	ExpectedCount    int                       `json:"expectedCount"`
	RemainingSeconds int                       `json:"remainingSeconds"`
	Frozen           bool                      `json:"frozen"`
	IsHost           bool                      `json:"isHost"`
	Connectivity     Connectivity              `json:"connectivity"`
	Ended            string                    `json:"ended,omitempty"`
}

// EngineConfig tunes the timing behaviour of an engine.
type EngineConfig struct {
	TickInterval      time.Duration
	ResultsPause      time.Duration
	AutoAdvance       bool
	HostParticipates  bool
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TickInterval:      250 * time.Millisecond,
		ResultsPause:      5 * time.Second,
		AutoAdvance:       true,
		HeartbeatInterval: 5 * time.Second,
		StaleAfter:        15 * time.Second,
	}
}

// EngineDeps are the collaborators shared by all engines of a process.
type EngineDeps struct {
	Repo     *Repository
	Quizzes  QuizRepository
	Scorer   *Scorer
	Archiver ResultArchiver
	Clock    clockwork.Clock
	Log      zerolog.Logger
}

// Engine synchronizes one participant with one session. It derives every
// view from the replicated state it observes; the only local state is
// ephemeral per-question UI state and rank-change tracking.
type Engine struct {
	sessionID   string
	playerID    string
	displayName string

	repo      *Repository
	quizzes   QuizRepository
	scorer    *Scorer
	phases    *PhaseController
	failover  *Failover
	keeper    *PresenceKeeper
	archiver  ResultArchiver
	clock     clockwork.Clock
	cfg       EngineConfig
	log       zerolog.Logger
	countdown *Countdown

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	session       *domain.Session
	question      domain.Question
	questionIndex int
	answers       map[string]domain.PlayerAnswer
	answersIndex  int
	unsubAnswers  realtime.Unsubscribe
	entries       []domain.LeaderboardEntry
	records       []domain.PresenceRecord
	ranks         *RankTracker
	rankChanges   map[string]RankChange
	myAnswer      *domain.ScoreResult
	linkErrs      map[string]error
	ended         string
	lastSeconds   int
	pauseTimer    clockwork.Timer
	pauseIndex    int
	archived      bool
	closed        bool
	unsubs        []realtime.Unsubscribe

	updates chan View
}

func newEngine(deps EngineDeps, cfg EngineConfig, sessionID, playerID, displayName string) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		sessionID:     sessionID,
		playerID:      playerID,
		displayName:   displayName,
		repo:          deps.Repo,
		quizzes:       deps.Quizzes,
		scorer:        deps.Scorer,
		phases:        NewPhaseController(deps.Repo),
		failover:      NewFailover(deps.Repo, deps.Log),
		archiver:      deps.Archiver,
		clock:         deps.Clock,
		cfg:           cfg,
		log:           deps.Log.With().Str("session_id", sessionID).Str("player_id", playerID).Logger(),
		ctx:           ctx,
		cancel:        cancel,
		questionIndex: -1,
		answersIndex:  -1,
		pauseIndex:    -1,
		lastSeconds:   -1,
		ranks:         NewRankTracker(),
		linkErrs:      make(map[string]error),
		updates:       make(chan View, 8),
	}
	e.keeper = NewPresenceKeeper(deps.Repo, deps.Clock, sessionID, playerID, cfg.HeartbeatInterval, cfg.StaleAfter, e.log)
	e.countdown = NewCountdown(deps.Clock, cfg.TickInterval, e.onTick, e.onExpire)
	return e
}

// start joins presence and opens the session, leaderboard and presence
// subscriptions. Subscriptions that fail to open are retried with backoff.
func (e *Engine) start(ctx context.Context) error {
	if _, err := e.repo.JoinPresence(ctx, e.sessionID, e.playerID, e.displayName); err != nil {
		return fmt.Errorf("join presence: %w", err)
	}
	if err := e.repo.EnsureEntry(ctx, e.sessionID, domain.LeaderboardEntry{PlayerID: e.playerID, DisplayName: e.displayName}); err != nil {
		return fmt.Errorf("join leaderboard: %w", err)
	}

	e.watch("session", func(ctx context.Context) (realtime.Unsubscribe, error) {
		return e.repo.SubscribeSession(ctx, e.sessionID, e.onSession)
	})
	e.watch("leaderboard", func(ctx context.Context) (realtime.Unsubscribe, error) {
		return e.repo.SubscribeLeaderboard(ctx, e.sessionID, e.onLeaderboard)
	})
	e.watch("presence", func(ctx context.Context) (realtime.Unsubscribe, error) {
		return e.repo.SubscribePresence(ctx, e.sessionID, e.onPresence)
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.keeper.Run(e.ctx)
	}()
	return nil
}

func (e *Engine) watch(name string, open func(context.Context) (realtime.Unsubscribe, error)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		policy := backoff.WithContext(backoff.NewExponentialBackOff(), e.ctx)
		err := backoff.RetryNotify(func() error {
			unsub, err := open(e.ctx)
			if err != nil {
				return err
			}
			e.mu.Lock()
			if e.closed {
				e.mu.Unlock()
				unsub()
				return nil
			}
			e.unsubs = append(e.unsubs, unsub)
			e.mu.Unlock()
			return nil
		}, policy, func(err error, wait time.Duration) {
			e.log.Warn().Err(err).Str("subscription", name).Dur("retry_in", wait).Msg("subscribe failed")
			e.setLinkErr(name, err)
		})
		if err != nil && e.ctx.Err() == nil {
			e.log.Error().Err(err).Str("subscription", name).Msg("subscription abandoned")
		}
	}()
}

// Updates streams views. Slow readers only miss intermediate views.
func (e *Engine) Updates() <-chan View {
	return e.updates
}

// PlayerID returns the participant this engine acts for.
func (e *Engine) PlayerID() string {
	return e.playerID
}

// SessionID returns the session this engine follows.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// View returns the current view without waiting for a change.
func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

func (e *Engine) onSession(s *domain.Session, err error) {
	if err != nil {
		e.setLinkErr("session", err)
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	delete(e.linkErrs, "session")
	if s == nil {
		if e.session == nil {
			e.ended = EndedNotStarted
		}
		e.mu.Unlock()
		e.countdown.Stop()
		e.emit()
		return
	}
	prev := e.session
	next := *s
	e.session = &next
	indexChanged := prev == nil ||
		prev.CurrentQuestionIndex != next.CurrentQuestionIndex ||
		prev.QuestionStartTime != next.QuestionStartTime
	if indexChanged {
		e.myAnswer = nil
		e.answers = nil
	}
	if e.ended == EndedNotStarted {
		e.ended = ""
	}
	if next.Finished() && e.ended == "" {
		e.ended = EndedFinished
	}
	hostChanged := prev != nil && prev.HostID != next.HostID
	e.mu.Unlock()

	if hostChanged {
		e.log.Info().Str("host_id", next.HostID).Str("previous_host_id", next.PreviousHostID).Msg("host changed")
	}
	if indexChanged {
		e.followQuestion(next)
	}

	switch next.Phase {
	case domain.PhaseQuestion:
		e.cancelPause()
		e.countdown.Reset(next.CurrentQuestionIndex, next.QuestionStart(), next.TimeLimit())
		e.maybeCloseQuestion()
	case domain.PhaseResults:
		e.countdown.Stop()
		e.maybeScheduleAdvance(next)
	case domain.PhaseFinished:
		e.countdown.Stop()
		e.cancelPause()
		e.maybeArchive(next)
	}
	e.emit()
}

// followQuestion moves the answers subscription and question content to the
// new index, and restores this player's answer after a reconnect.
func (e *Engine) followQuestion(s domain.Session) {
	index := s.CurrentQuestionIndex

	e.mu.Lock()
	if e.answersIndex == index && e.unsubAnswers != nil {
		e.mu.Unlock()
		return
	}
	old := e.unsubAnswers
	e.unsubAnswers = nil
	e.answersIndex = index
	e.mu.Unlock()
	if old != nil {
		old()
	}

	unsub, err := e.repo.SubscribeAnswers(e.ctx, e.sessionID, index, func(answers map[string]domain.PlayerAnswer, err error) {
		e.onAnswers(index, answers, err)
	})
	if err != nil {
		e.setLinkErr("answers", err)
	} else {
		e.mu.Lock()
		if e.closed || e.answersIndex != index {
			e.mu.Unlock()
			unsub()
		} else {
			e.unsubAnswers = unsub
			e.mu.Unlock()
		}
	}

	if _, err := e.questionFor(e.ctx, s); err != nil {
		e.log.Error().Err(err).Int("question_index", index).Msg("load question")
	}
}

// questionFor returns the question content for the session's index, reading
// the quiz collaborator once per index.
func (e *Engine) questionFor(ctx context.Context, s domain.Session) (domain.Question, error) {
	e.mu.Lock()
	if e.questionIndex == s.CurrentQuestionIndex {
		q := e.question
		e.mu.Unlock()
		return q, nil
	}
	e.mu.Unlock()

	quiz, err := e.quizzes.GetQuiz(ctx, s.QuizID)
	if err != nil {
		return domain.Question{}, err
	}
	q, err := quiz.Question(s.CurrentQuestionIndex)
	if err != nil {
		return domain.Question{}, err
	}
	e.mu.Lock()
	e.question = q
	e.questionIndex = s.CurrentQuestionIndex
	e.mu.Unlock()
	return q, nil
}

func (e *Engine) onAnswers(index int, answers map[string]domain.PlayerAnswer, err error) {
	if err != nil {
		e.setLinkErr("answers", err)
		return
	}
	e.mu.Lock()
	delete(e.linkErrs, "answers")
	if e.answersIndex != index {
		e.mu.Unlock()
		return
	}
	e.answers = answers
	if mine, ok := answers[e.playerID]; ok {
		result := mine.Result()
		if result.Supersedes(derefResult(e.myAnswer)) {
			e.myAnswer = &result
		}
	}
	e.mu.Unlock()

	e.maybeCloseQuestion()
	e.emit()
}

func (e *Engine) onLeaderboard(entries []domain.LeaderboardEntry, err error) {
	if err != nil {
		e.setLinkErr("leaderboard", err)
		return
	}
	ranked := RecomputeLeaderboard(entries)
	e.mu.Lock()
	delete(e.linkErrs, "leaderboard")
	e.entries = ranked
	e.rankChanges = e.ranks.Observe(ranked)
	e.mu.Unlock()
	e.emit()
}

func (e *Engine) onPresence(records []domain.PresenceRecord, err error) {
	if err != nil {
		e.setLinkErr("presence", err)
		return
	}
	e.mu.Lock()
	delete(e.linkErrs, "presence")
	e.records = records
	var hostID string
	finished := false
	if e.session != nil {
		hostID = e.session.HostID
		finished = e.session.Finished()
	}
	e.mu.Unlock()

	if hostID != "" && !finished && hostOffline(records, hostID) {
		e.runFailover()
	}
	e.maybeCloseQuestion()
	e.emit()
}

func (e *Engine) runFailover() {
	_, err := e.failover.Run(e.ctx, e.sessionID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNoViableHost):
		e.mu.Lock()
		e.ended = EndedNoHost
		e.mu.Unlock()
	default:
		// the next presence change retries from a fresh read
		e.log.Warn().Err(err).Msg("failover attempt failed")
	}
}

func (e *Engine) onTick(index int, remaining time.Duration) {
	secs := RemainingSeconds(remaining)
	e.mu.Lock()
	changed := secs != e.lastSeconds
	e.lastSeconds = secs
	e.mu.Unlock()
	if changed {
		e.emit()
	}
}

// onExpire runs once per question index when the countdown reaches zero.
// Participants that have not answered auto-submit "no answer"; the host
// closes the question.
func (e *Engine) onExpire(index int) {
	e.mu.Lock()
	session := e.session
	answered := e.myAnswer != nil && e.myAnswer.QuestionIndex == index
	closed := e.closed
	e.mu.Unlock()
	if closed || session == nil || session.CurrentQuestionIndex != index || session.Phase != domain.PhaseQuestion {
		return
	}

	isHost := session.HostID == e.playerID
	if !answered && (!isHost || e.cfg.HostParticipates) {
		if _, err := e.submit(e.ctx, *session, domain.AnswerSubmission{
			QuestionIndex:  index,
			SelectedAnswer: domain.NoAnswer,
			ElapsedMs:      session.TimeLimit().Milliseconds(),
		}); err != nil {
			e.log.Warn().Err(err).Int("question_index", index).Msg("auto-submit on timeout failed")
		}
	}
	if isHost {
		if err := e.phases.ShowResults(e.ctx, e.sessionID, index); err != nil && !errors.Is(err, domain.ErrStaleWrite) {
			e.log.Warn().Err(err).Int("question_index", index).Msg("show results on timeout failed")
		}
	}
}

// maybeCloseQuestion lets the host end the question early once every expected
// participant has answered. A host that took over after the deadline already
// fired closes the question straight away.
func (e *Engine) maybeCloseQuestion() {
	e.mu.Lock()
	session := e.session
	if session == nil || session.HostID != e.playerID || session.Phase != domain.PhaseQuestion ||
		e.answersIndex != session.CurrentQuestionIndex {
		e.mu.Unlock()
		return
	}
	answered, expected := e.countAnsweredLocked()
	index := session.CurrentQuestionIndex
	e.mu.Unlock()

	expired := e.countdown.Expired(index)
	if !expired && (expected == 0 || answered < expected) {
		return
	}
	if err := e.phases.ShowResults(e.ctx, e.sessionID, index); err != nil && !errors.Is(err, domain.ErrStaleWrite) {
		e.log.Warn().Err(err).Int("question_index", index).Bool("expired", expired).Msg("show results failed")
	}
}

// countAnsweredLocked counts answers from online participants expected to
// answer: everyone but the host, unless the host plays too.
func (e *Engine) countAnsweredLocked() (answered, expected int) {
	if e.session == nil {
		return 0, 0
	}
	for _, r := range e.records {
		if !r.IsOnline {
			continue
		}
		if r.PlayerID == e.session.HostID && !e.cfg.HostParticipates {
			continue
		}
		expected++
		if _, ok := e.answers[r.PlayerID]; ok {
			answered++
		}
	}
	return answered, expected
}

func (e *Engine) maybeScheduleAdvance(s domain.Session) {
	if !e.cfg.AutoAdvance || s.HostID != e.playerID {
		e.cancelPause()
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || (e.pauseTimer != nil && e.pauseIndex == s.CurrentQuestionIndex) {
		return
	}
	if e.pauseTimer != nil {
		e.pauseTimer.Stop()
	}
	index := s.CurrentQuestionIndex
	limit := s.TimeLimitSeconds
	e.pauseIndex = index
	e.pauseTimer = e.clock.AfterFunc(e.cfg.ResultsPause, func() {
		if _, err := e.phases.Next(e.ctx, e.sessionID, index, limit); err != nil &&
			!errors.Is(err, domain.ErrStaleWrite) && !errors.Is(err, domain.ErrSessionFinished) {
			e.log.Warn().Err(err).Int("question_index", index).Msg("auto-advance failed")
		}
	})
}

func (e *Engine) cancelPause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pauseTimer != nil {
		e.pauseTimer.Stop()
		e.pauseTimer = nil
	}
	e.pauseIndex = -1
}

// maybeArchive stores the final standings once, from the host's engine.
func (e *Engine) maybeArchive(s domain.Session) {
	if e.archiver == nil || s.HostID != e.playerID {
		return
	}
	e.mu.Lock()
	if e.archived {
		e.mu.Unlock()
		return
	}
	e.archived = true
	e.mu.Unlock()

	entries, err := e.repo.ReadLeaderboard(e.ctx, e.sessionID)
	if err == nil {
		err = e.archiver.ArchiveResults(e.ctx, s, RecomputeLeaderboard(entries))
	}
	if err != nil {
		e.mu.Lock()
		e.archived = false
		e.mu.Unlock()
		e.log.Error().Err(err).Msg("archive results")
		return
	}
	e.log.Info().Int("players", len(entries)).Msg("results archived")
}

// SubmitAnswer scores the player's answer for the active question. A
// duplicate returns the stored result without error.
func (e *Engine) SubmitAnswer(ctx context.Context, selected int, doublePoints bool) (domain.ScoreResult, error) {
	e.mu.Lock()
	session := e.session
	e.mu.Unlock()
	if session == nil {
		return domain.ScoreResult{}, domain.ErrSessionNotFound
	}
	elapsed := e.clock.Now().Sub(session.QuestionStart())
	if elapsed < 0 {
		elapsed = 0
	}
	return e.submit(ctx, *session, domain.AnswerSubmission{
		QuestionIndex:  session.CurrentQuestionIndex,
		SelectedAnswer: selected,
		ElapsedMs:      elapsed.Milliseconds(),
		DoublePoints:   doublePoints,
	})
}

func (e *Engine) submit(ctx context.Context, session domain.Session, sub domain.AnswerSubmission) (domain.ScoreResult, error) {
	question, err := e.questionFor(ctx, session)
	if err != nil {
		return domain.ScoreResult{}, err
	}
	result, err := e.scorer.Submit(ctx, SubmitRequest{
		Session:     session,
		Question:    question,
		PlayerID:    e.playerID,
		DisplayName: e.displayName,
		Submission:  sub,
	})
	if errors.Is(err, domain.ErrDuplicateSubmission) {
		err = nil
	}
	if result.Known() {
		e.mu.Lock()
		if e.session != nil && e.session.CurrentQuestionIndex == result.QuestionIndex &&
			result.Supersedes(derefResult(e.myAnswer)) {
			e.myAnswer = &result
		}
		e.mu.Unlock()
		e.emit()
	}
	return result, err
}

// AdvanceQuestion moves to the next question, or finishes after the last.
func (e *Engine) AdvanceQuestion(ctx context.Context) error {
	session, err := e.repo.ReadSession(ctx, e.sessionID)
	if err != nil {
		return err
	}
	_, err = e.phases.Next(ctx, e.sessionID, session.CurrentQuestionIndex, session.TimeLimitSeconds)
	return err
}

// ShowResults closes the active question.
func (e *Engine) ShowResults(ctx context.Context) error {
	session, err := e.repo.ReadSession(ctx, e.sessionID)
	if err != nil {
		return err
	}
	return e.phases.ShowResults(ctx, e.sessionID, session.CurrentQuestionIndex)
}

// EndGame force-finishes the session.
func (e *Engine) EndGame(ctx context.Context) error {
	return e.phases.End(ctx, e.sessionID)
}

// Freeze suspends the local countdown.
func (e *Engine) Freeze() {
	e.countdown.Freeze()
	e.emit()
}

// Resume continues the local countdown from where it was frozen.
func (e *Engine) Resume() {
	e.countdown.Resume()
	e.emit()
}

// Close marks the participant offline and releases subscriptions and timers.
func (e *Engine) Close(ctx context.Context) error {
	return e.shutdown(ctx, true)
}

// shutdown releases subscriptions and timers. An engine replaced by a
// reconnect of the same participant leaves presence alone so the new engine
// takes over the record without an offline gap.
func (e *Engine) shutdown(ctx context.Context, markOffline bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	unsubs := append(e.unsubs, e.unsubAnswers)
	e.unsubs = nil
	e.unsubAnswers = nil
	if e.pauseTimer != nil {
		e.pauseTimer.Stop()
		e.pauseTimer = nil
	}
	e.mu.Unlock()

	e.countdown.Stop()
	e.cancel()
	for _, unsub := range unsubs {
		if unsub != nil {
			unsub()
		}
	}
	e.wg.Wait()

	var err error
	if markOffline {
		err = e.repo.MarkOffline(ctx, e.sessionID, e.playerID)
	}

	e.mu.Lock()
	close(e.updates)
	e.mu.Unlock()
	return err
}

func (e *Engine) setLinkErr(name string, err error) {
	e.mu.Lock()
	e.linkErrs[name] = err
	e.mu.Unlock()
	e.emit()
}

// emit publishes the current view, dropping the oldest queued one when the
// reader falls behind.
func (e *Engine) emit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	view := e.viewLocked()
	select {
	case e.updates <- view:
	default:
		select {
		case <-e.updates:
		default:
		}
		e.updates <- view
	}
}

func (e *Engine) viewLocked() View {
	v := View{
		Leaderboard:  e.entries,
		RankChanges:  e.rankChanges,
		Connectivity: ConnectivityLive,
		Ended:        e.ended,
		Frozen:       e.countdown.Frozen(),
	}
	if len(e.linkErrs) > 0 {
		v.Connectivity = ConnectivityReconnecting
	}
	if e.session != nil {
		v.Session = *e.session
		v.IsHost = e.session.HostID == e.playerID
		if e.session.Phase == domain.PhaseQuestion {
			v.RemainingSeconds = RemainingSeconds(e.countdown.Remaining())
		}
	}
	if e.myAnswer != nil {
		mine := *e.myAnswer
		v.MyAnswer = &mine
	}
	v.AnsweredCount, v.ExpectedCount = e.countAnsweredLocked()
	return v
}

func derefResult(r *domain.ScoreResult) domain.ScoreResult {
	if r == nil {
		return domain.ScoreResult{}
	}
	return *r
}
