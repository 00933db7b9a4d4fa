package fraud

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/fraudguard/internal/events"
	"github.com/mbd888/fraudguard/internal/rules"
)

const (
	defaultFollowUpBuffer  = 4096
	defaultFollowUpWorkers = 4
	followUpTimeout        = 5 * time.Second
)

// followUp is the work left after a verdict has gone back to the caller:
// storing the score, announcing it, bumping rule trigger counts and
// logging the attempt.
type followUp struct {
	ctx   context.Context
	score *Score
	tx    TransactionContext
}

// WithFollowUps sizes the post-verdict queue and its worker pool.
// Must be called before Run.
func (s *Service) WithFollowUps(buffer, workers int) *Service {
	if buffer <= 0 {
		buffer = defaultFollowUpBuffer
	}
	if workers <= 0 {
		workers = defaultFollowUpWorkers
	}
	s.queue = make(chan followUp, buffer)
	s.workers = workers
	return s
}

// Run processes post-verdict work until ctx is done, then drains what is
// left. Until Run is started, Evaluate does that work inline.
func (s *Service) Run(ctx context.Context) {
	defer close(s.done)
	s.running.Store(true)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case f := <-s.queue:
					s.process(f)
				case <-ctx.Done():
					for {
						select {
						case f := <-s.queue:
							s.process(f)
						default:
							return
						}
					}
				}
			}
		}()
	}
	wg.Wait()
	s.running.Store(false)
}

// Done is closed once Run has drained and returned.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// enqueue hands the post-verdict work to the workers. A full queue loses
// the score; that is counted like any other persistence failure.
func (s *Service) enqueue(ctx context.Context, score *Score, tx TransactionContext) {
	f := followUp{ctx: context.WithoutCancel(ctx), score: score.clone(), tx: tx}
	if !s.running.Load() {
		s.process(f)
		return
	}
	select {
	case s.queue <- f:
		followUpQueueDepth.Set(float64(len(s.queue)))
	default:
		followUpsDropped.Inc()
		scoresPersistFailed.Inc()
		s.logger.Error("post-verdict queue full, score not stored",
			"score_id", score.ID, "order_id", score.OrderID)
	}
}

func (s *Service) process(f followUp) {
	ctx, cancel := context.WithTimeout(f.ctx, followUpTimeout)
	defer cancel()
	score := f.score

	if err := s.store.Create(ctx, score); err != nil {
		scoresPersistFailed.Inc()
		s.logger.Error("failed to store fraud score", "score_id", score.ID, "order_id", score.OrderID, "error", err)
	}

	s.publish(ctx, events.TypeScoreCreated, score)
	s.evaluator.CountTriggers(ctx, score.TriggeredRules)

	if score.Action != rules.ActionNone && s.attempts != nil {
		s.recordAttempt(ctx, score, f.tx)
	}
}
