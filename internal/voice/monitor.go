// Package voice derives a per-participant "speaking" boolean from live audio
// amplitude. Classification is threshold-based with hysteresis so tile
// highlighting doesn't flicker on word gaps.
package voice

import (
	"math"
	"sync"
	"time"
)

const (
	// DefaultThreshold is the RMS amplitude (int16 samples) above which a
	// source counts as active for one evaluation.
	DefaultThreshold = 500.0

	// DefaultInterval is the evaluation cadence.
	DefaultInterval = 50 * time.Millisecond

	// Hysteresis: consecutive active evaluations to enter speaking, and
	// consecutive quiet ones to leave it.
	attackRuns  = 2
	releaseRuns = 8
)

// Monitor samples registered audio sources on a fixed cadence and reports
// speaking transitions through the onChange callback.
type Monitor struct {
	threshold float64
	interval  time.Duration
	onChange  func(id string, speaking bool)

	mu      sync.Mutex
	sources map[string]*source
	done    chan struct{}
	closed  bool
}

type source struct {
	level     float64 // most recent RMS pushed since the last evaluation
	fresh     bool
	activeRun int
	quietRun  int
	speaking  bool
}

// NewMonitor creates a monitor; onChange fires on every speaking transition.
// threshold <= 0 and interval <= 0 select the defaults.
func NewMonitor(threshold float64, interval time.Duration, onChange func(id string, speaking bool)) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		threshold: threshold,
		interval:  interval,
		onChange:  onChange,
		sources:   map[string]*source{},
		done:      make(chan struct{}),
	}
}

// Start launches the evaluation loop.
func (m *Monitor) Start() {
	go func() {
		t := time.NewTicker(m.interval)
		defer t.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-t.C:
				m.step()
			}
		}
	}()
}

// Register adds a source. Registering an existing id is a no-op.
func (m *Monitor) Register(id string) {
	m.mu.Lock()
	if _, ok := m.sources[id]; !ok {
		m.sources[id] = &source{}
	}
	m.mu.Unlock()
}

// Deregister removes a source immediately; no further evaluations happen for
// it. A speaking source transitions to quiet on the way out.
func (m *Monitor) Deregister(id string) {
	m.mu.Lock()
	src, ok := m.sources[id]
	delete(m.sources, id)
	m.mu.Unlock()
	if ok && src.speaking && m.onChange != nil {
		m.onChange(id, false)
	}
}

// Push feeds decoded PCM for a registered source. Unregistered ids are
// dropped — audio may outrun discovery or race a removal.
func (m *Monitor) Push(id string, pcm []int16) {
	level := Level(pcm)
	m.mu.Lock()
	if src, ok := m.sources[id]; ok {
		if !src.fresh || level > src.level {
			src.level = level
			src.fresh = true
		}
	}
	m.mu.Unlock()
}

// step runs one evaluation pass over all sources. A source with no fresh
// samples since the last pass counts as quiet.
func (m *Monitor) step() {
	type transition struct {
		id       string
		speaking bool
	}
	var changes []transition

	m.mu.Lock()
	for id, src := range m.sources {
		active := src.fresh && src.level >= m.threshold
		src.fresh = false
		src.level = 0

		if active {
			src.activeRun++
			src.quietRun = 0
		} else {
			src.quietRun++
			src.activeRun = 0
		}

		if !src.speaking && src.activeRun >= attackRuns {
			src.speaking = true
			changes = append(changes, transition{id, true})
		} else if src.speaking && src.quietRun >= releaseRuns {
			src.speaking = false
			changes = append(changes, transition{id, false})
		}
	}
	m.mu.Unlock()

	if m.onChange != nil {
		for _, c := range changes {
			m.onChange(c.id, c.speaking)
		}
	}
}

// Close stops the evaluation loop. Idempotent.
func (m *Monitor) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	m.mu.Unlock()
}

// Level computes the RMS amplitude of a PCM frame.
func Level(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
