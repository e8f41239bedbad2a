// Package adaptive implements the Adaptive Ratchet Manager: it observes
// outbound message rate and publishes a ratchet-cadence profile that
// Ratchet Connections consult at ratchet-decision time.
package adaptive

import (
	"sync"
	"time"
)

// LoadClass buckets the observed outbound message rate.
type LoadClass int

const (
	Light LoadClass = iota
	Moderate
	Heavy
	Extreme
)

func (l LoadClass) String() string {
	switch l {
	case Light:
		return "Light"
	case Moderate:
		return "Moderate"
	case Heavy:
		return "Heavy"
	default:
		return "Extreme"
	}
}

// CadenceConfig is the published cadence profile for a load class.
type CadenceConfig struct {
	DHEvery           uint32
	MaxChainAge       time.Duration
	MaxWithoutRatchet uint32
	RatchetOnNewDH    bool
}

func configFor(l LoadClass) CadenceConfig {
	switch l {
	case Light:
		return CadenceConfig{DHEvery: 5, MaxChainAge: 30 * time.Minute, MaxWithoutRatchet: 100, RatchetOnNewDH: true}
	case Moderate:
		return CadenceConfig{DHEvery: 10, MaxChainAge: 45 * time.Minute, MaxWithoutRatchet: 200, RatchetOnNewDH: true}
	case Heavy:
		return CadenceConfig{DHEvery: 25, MaxChainAge: 60 * time.Minute, MaxWithoutRatchet: 500, RatchetOnNewDH: true}
	default:
		return CadenceConfig{DHEvery: 50, MaxChainAge: 120 * time.Minute, MaxWithoutRatchet: 1000, RatchetOnNewDH: false}
	}
}

func classify(ratePerSecond float64) LoadClass {
	switch {
	case ratePerSecond < 10:
		return Light
	case ratePerSecond < 50:
		return Moderate
	case ratePerSecond < 200:
		return Heavy
	default:
		return Extreme
	}
}

// Manager tracks a one-minute sliding window of send timestamps and
// publishes a cadence config, recomputed on a 10-second tick.
type Manager struct {
	mu         sync.Mutex
	timestamps []time.Time
	load       LoadClass
	config     CadenceConfig
	rate       float64
	lastUpdate time.Time

	now func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New returns a Manager starting in the Light load class.
func New() *Manager {
	return &Manager{
		load:       Light,
		config:     configFor(Light),
		now:        time.Now,
		lastUpdate: time.Now(),
	}
}

// RecordSent records one outbound message timestamp.
func (m *Manager) RecordSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timestamps = append(m.timestamps, m.now())
}

// recompute drops timestamps older than one minute and reclassifies the
// load. Must be called with m.mu held.
func (m *Manager) recompute() {
	now := m.now()
	cutoff := now.Add(-time.Minute)
	kept := m.timestamps[:0]
	for _, ts := range m.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.timestamps = kept

	m.rate = float64(len(m.timestamps)) / 60.0
	m.load = classify(m.rate)
	m.config = configFor(m.load)
	m.lastUpdate = now
}

// Config returns the currently published cadence config.
func (m *Manager) Config() CadenceConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// LoadClassification returns the currently published load class.
func (m *Manager) LoadClassification() LoadClass {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load
}

// Start launches the 10-second recompute tick loop. Stop must be called
// to release the goroutine.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.mu.Lock()
				m.recompute()
				m.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

// Stop terminates the tick loop started by Start, if running.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
		m.wg.Wait()
	}
}

// ShouldRatchet reports whether a DH ratchet should fire before the
// message at nextIndex, given cfg, the wall time of the last ratchet, the
// count of messages sent since then, whether a new peer DH key has been
// observed, and the current time.
func ShouldRatchet(
	cfg CadenceConfig,
	nextIndex uint32,
	lastRatchetTime time.Time,
	messagesSinceRatchet uint32,
	receivedNewDH bool,
	now time.Time,
) bool {
	if cfg.DHEvery > 0 && nextIndex%cfg.DHEvery == 0 {
		return true
	}
	if cfg.MaxChainAge > 0 && now.Sub(lastRatchetTime) > cfg.MaxChainAge {
		return true
	}
	if cfg.MaxWithoutRatchet > 0 && messagesSinceRatchet > cfg.MaxWithoutRatchet {
		return true
	}
	if receivedNewDH && cfg.RatchetOnNewDH {
		return true
	}
	return false
}
