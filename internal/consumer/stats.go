package consumer

import (
	"sync"
	"time"
)

const durationWindowSize = 100

// Stats is the statistics snapshot exposed by a running Consumer.
type Stats struct {
	IsRunning             bool
	TotalProcessed        int64
	TotalSuccessful       int64
	TotalFailed           int64
	LastProcessedAt       time.Time
	AverageProcessingTime time.Duration
}

// statTracker serializes stats mutation behind a single mutex; the
// consume callback is the only writer.
type statTracker struct {
	mu sync.Mutex

	running         bool
	totalProcessed  int64
	totalSuccessful int64
	totalFailed     int64
	lastProcessedAt time.Time

	durations    [durationWindowSize]time.Duration
	durationHead int
	durationLen  int
}

func newStatTracker() *statTracker {
	return &statTracker{}
}

func (s *statTracker) setRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

func (s *statTracker) recordSuccess(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalProcessed++
	s.totalSuccessful++
	s.lastProcessedAt = time.Now()

	s.durations[s.durationHead] = d
	s.durationHead = (s.durationHead + 1) % durationWindowSize
	if s.durationLen < durationWindowSize {
		s.durationLen++
	}
}

func (s *statTracker) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalProcessed++
	s.totalFailed++
	s.lastProcessedAt = time.Now()
}

func (s *statTracker) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avg time.Duration
	if s.durationLen > 0 {
		var total time.Duration
		for i := 0; i < s.durationLen; i++ {
			total += s.durations[i]
		}
		avg = total / time.Duration(s.durationLen)
	}

	return Stats{
		IsRunning:             s.running,
		TotalProcessed:        s.totalProcessed,
		TotalSuccessful:       s.totalSuccessful,
		TotalFailed:           s.totalFailed,
		LastProcessedAt:       s.lastProcessedAt,
		AverageProcessingTime: avg,
	}
}

func (s *statTracker) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalProcessed = 0
	s.totalSuccessful = 0
	s.totalFailed = 0
	s.lastProcessedAt = time.Time{}
	s.durationHead = 0
	s.durationLen = 0
}
