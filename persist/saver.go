package persist

import (
	"sync"

	"go.uber.org/zap"
)

// saver coalesces save requests: at most one write runs at a time, and
// any number of requests arriving during a write collapse into a single
// trailing rewrite. The final write always reflects a snapshot taken
// after the last request.
type saver struct {
	write func() error
	log   *zap.SugaredLogger

	mu       sync.Mutex
	inFlight bool
	pending  bool
	idle     *sync.Cond
}

func newSaver(write func() error, log *zap.SugaredLogger) *saver {
	s := &saver{write: write, log: log}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Save requests a write. It returns immediately; the write happens on a
// background goroutine.
func (s *saver) Save() {
	s.mu.Lock()
	if s.inFlight {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	s.mu.Unlock()
	go s.loop()
}

func (s *saver) loop() {
	for {
		if err := s.write(); err != nil {
			s.log.Warnw("state save failed", "error", err)
		}
		s.mu.Lock()
		if s.pending {
			s.pending = false
			s.mu.Unlock()
			continue
		}
		s.inFlight = false
		s.idle.Broadcast()
		s.mu.Unlock()
		return
	}
}

// Flush blocks until the saver is idle.
func (s *saver) Flush() {
	s.mu.Lock()
	for s.inFlight || s.pending {
		s.idle.Wait()
	}
	s.mu.Unlock()
}
