package insight

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// maxQueueDepth bounds the number of turns waiting for analysis.
	// Submissions past the bound are dropped, never blocked on.
	maxQueueDepth = 5

	analysisTimeout = 60 * time.Second
)

// Queue serializes background analysis: one worker drains submissions
// in order, so writes from different turns never interleave.
type Queue struct {
	log      *zap.SugaredLogger
	analyzer *Analyzer

	work chan Payload
	quit chan struct{}
	wg   sync.WaitGroup

	closed  atomic.Bool
	dropped atomic.Int64
}

// NewQueue creates and starts the analysis queue.
func NewQueue(log *zap.SugaredLogger, analyzer *Analyzer) *Queue {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	q := &Queue{
		log:      log.With("service", "InsightQueue"),
		analyzer: analyzer,
		work:     make(chan Payload, maxQueueDepth),
		quit:     make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue submits a turn for analysis. It never blocks: when the queue
// is full the turn is silently dropped, keeping the conversation path
// latency-free.
func (q *Queue) Enqueue(p Payload) {
	if q.closed.Load() {
		return
	}
	select {
	case q.work <- p:
	default:
		q.dropped.Add(1)
		q.log.Debugw("analysis queue full, dropping turn", "message_id", p.Metadata.MessageID)
	}
}

// Dropped reports how many turns were discarded because the queue was
// full.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close stops accepting work, drains what is already queued, and waits
// for the worker to exit.
func (q *Queue) Close() {
	if q.closed.Swap(true) {
		return
	}
	close(q.quit)
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case p := <-q.work:
			q.analyze(p)
		case <-q.quit:
			// Drain the backlog before exiting.
			for {
				select {
				case p := <-q.work:
					q.analyze(p)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) analyze(p Payload) {
	ctx, cancel := context.WithTimeout(context.Background(), analysisTimeout)
	defer cancel()
	if err := q.analyzer.Analyze(ctx, p); err != nil {
		q.log.Warnw("background insight analysis failed", "message_id", p.Metadata.MessageID, "error", err)
	}
}
