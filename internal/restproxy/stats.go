package restproxy

import (
	"sync"
	"time"
)

// latencyWindow is how many recent node calls feed the average latency.
const latencyWindow = 50

// stats is the rolling counter set behind /health and /stats.
type stats struct {
	mu        sync.Mutex
	proxy     int64
	node      int64
	rows      int64
	errs      int64
	start     time.Time
	latencies []time.Duration
}

// snapshotData is one consistent read of the counters. AvgLatencyMS is nil
// until the first node call completes.
type snapshotData struct {
	ProxyCalls   int64
	NodeCalls    int64
	TotalRows    int64
	Errors       int64
	UptimeSec    int64
	AvgLatencyMS *int64
}

func newStats() *stats {
	return &stats{start: time.Now()}
}

func (s *stats) proxyCall() {
	s.mu.Lock()
	s.proxy++
	s.mu.Unlock()
}

func (s *stats) recordNodeCall(elapsed time.Duration) {
	s.mu.Lock()
	s.node++
	s.latencies = append(s.latencies, elapsed)
	if len(s.latencies) > latencyWindow {
		s.latencies = s.latencies[1:]
	}
	s.mu.Unlock()
}

func (s *stats) addRows(n int) {
	s.mu.Lock()
	s.rows += int64(n)
	s.mu.Unlock()
}

func (s *stats) errored() {
	s.mu.Lock()
	s.errs++
	s.mu.Unlock()
}

func (s *stats) snapshot() snapshotData {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshotData{
		ProxyCalls: s.proxy,
		NodeCalls:  s.node,
		TotalRows:  s.rows,
		Errors:     s.errs,
		UptimeSec:  int64(time.Since(s.start).Seconds()),
	}
	if len(s.latencies) > 0 {
		var total time.Duration
		for _, l := range s.latencies {
			total += l
		}
		avg := (total / time.Duration(len(s.latencies))).Milliseconds()
		snap.AvgLatencyMS = &avg
	}
	return snap
}
