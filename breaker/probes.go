package breaker

import "sync"

// probeTable tracks in-flight half-open probes per circuit. Probe slots are
// local to a replica; the cap therefore bounds probes per replica, which is
// the useful property (a replica can't stampede a recovering downstream).
type probeTable struct {
	mu     sync.Mutex
	counts map[string]int
}

func newProbeTable() *probeTable {
	return &probeTable{counts: make(map[string]int)}
}

func (p *probeTable) acquire(name string, limit int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counts[name] >= limit {
		return false
	}
	p.counts[name]++
	return true
}

func (p *probeTable) release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counts[name] > 0 {
		p.counts[name]--
	}
}

// clear drops all slots for a circuit. Called when a replica observes that
// the half-open cycle its probes belonged to has ended.
func (p *probeTable) clear(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counts, name)
}
