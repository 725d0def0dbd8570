package insight_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibzlabs/fibz-memory/insight"
)

// blockingGenerator parks until released, recording the order in which
// analyses ran.
type blockingGenerator struct {
	mu      sync.Mutex
	gate    chan struct{}
	started []string
	active  int
	maxSeen int
}

func newBlockingGenerator() *blockingGenerator {
	return &blockingGenerator{gate: make(chan struct{})}
}

func (g *blockingGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	g.mu.Lock()
	g.active++
	if g.active > g.maxSeen {
		g.maxSeen = g.active
	}
	g.started = append(g.started, prompt[:16])
	g.mu.Unlock()

	<-g.gate

	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	return `{"self_context": [], "entities": []}`, nil
}

func enqueueN(q *insight.Queue, n int) {
	for i := 0; i < n; i++ {
		q.Enqueue(insight.Payload{
			UserMessage: fmt.Sprintf("message %d", i),
			Metadata:    insight.TurnMetadata{MessageID: fmt.Sprintf("m%d", i), Timestamp: time.Now()},
		})
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	svc, _ := newTestMemory(t)
	gen := newBlockingGenerator()
	q := insight.NewQueue(nil, insight.NewAnalyzer(gen, svc))

	// First payload occupies the worker.
	enqueueN(q, 1)
	require.Eventually(t, func() bool {
		gen.mu.Lock()
		defer gen.mu.Unlock()
		return len(gen.started) == 1
	}, time.Second, time.Millisecond)

	// Five more fill the buffer; the rest must be dropped without
	// blocking.
	enqueueN(q, 9)
	assert.Equal(t, int64(4), q.Dropped())

	close(gen.gate)
	q.Close()
}

func TestQueueRunsSerially(t *testing.T) {
	svc, _ := newTestMemory(t)
	gen := newBlockingGenerator()
	q := insight.NewQueue(nil, insight.NewAnalyzer(gen, svc))

	enqueueN(q, 4)
	time.Sleep(10 * time.Millisecond)
	close(gen.gate)
	q.Close()

	gen.mu.Lock()
	defer gen.mu.Unlock()
	assert.Equal(t, 1, gen.maxSeen, "analyses must never overlap")
	assert.Len(t, gen.started, 4)
}

func TestQueueCloseDrainsBacklog(t *testing.T) {
	svc, store := newTestMemory(t)
	gen := &stubGenerator{reply: `{"self_context": [{"summary": "drained fact"}], "entities": []}`}
	q := insight.NewQueue(nil, insight.NewAnalyzer(gen, svc))

	enqueueN(q, 3)
	q.Close()

	n, err := store.Count(context.Background(), "self_context")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "each payload produced its own snippet key")
	assert.Len(t, gen.prompts, 3)
}

func TestQueueEnqueueAfterCloseIsNoop(t *testing.T) {
	svc, _ := newTestMemory(t)
	gen := &stubGenerator{reply: `{"self_context": [], "entities": []}`}
	q := insight.NewQueue(nil, insight.NewAnalyzer(gen, svc))

	q.Close()
	enqueueN(q, 2)
	assert.Empty(t, gen.prompts)
}
