package tracker

import (
	"sort"
	"sync"
)

// Processing is the set of resource names with an action in flight. It is
// advisory: it lets callers refuse a second action on the same resource,
// the server remains the authority.
type Processing struct {
	mu    sync.Mutex
	names map[string]chan struct{}
}

// NewProcessing creates an empty set
func NewProcessing() *Processing {
	return &Processing{names: make(map[string]chan struct{})}
}

// Add marks name as processing. It returns false if it already was.
func (p *Processing) Add(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.names[name]; ok {
		return false
	}
	p.names[name] = make(chan struct{})
	return true
}

// Remove clears name
func (p *Processing) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if done, ok := p.names[name]; ok {
		close(done)
		delete(p.names, name)
	}
}

// Done returns a channel closed once name stops processing. It is already
// closed when name is not processing.
func (p *Processing) Done(name string) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if done, ok := p.names[name]; ok {
		return done
	}
	done := make(chan struct{})
	close(done)
	return done
}

// Has reports whether name is processing
func (p *Processing) Has(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.names[name]
	return ok
}

// Names returns the processing names, sorted
func (p *Processing) Names() []string {
	p.mu.Lock()
	names := make([]string, 0, len(p.names))
	for name := range p.names {
		names = append(names, name)
	}
	p.mu.Unlock()
	sort.Strings(names)
	return names
}
