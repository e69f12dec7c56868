package proxypool

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
)

var (
	ErrAlreadyAssigned = errors.New("proxy already assigned")
	ErrUnknownProxy    = errors.New("proxy not in pool")
	ErrPoolExhausted   = errors.New("proxy pool exhausted")
	ErrEmptyPool       = errors.New("proxy pool is empty")
)

// Proxy is a proxy endpoint URI such as http://p100.example.com:8900.
type Proxy string

func (p Proxy) String() string {
	return string(p)
}

type State int

const (
	StateFree State = iota
	StateAssigned
)

func (s State) String() string {
	if s == StateAssigned {
		return "assigned"
	}
	return "free"
}

// Status is a point-in-time view of one proxy.
type Status struct {
	Proxy Proxy  `json:"proxy"`
	State string `json:"state"`
}

type Stats struct {
	Total    int `json:"total"`
	Assigned int `json:"assigned"`
	Free     int `json:"free"`
}

// Pool owns a fixed list of proxies and their assignment state. Every
// method runs inside one critical section, so concurrent sessions never
// observe a proxy assigned twice.
type Pool struct {
	mu       sync.Mutex
	order    []Proxy
	known    map[Proxy]struct{}
	assigned map[Proxy]struct{}
	logger   *slog.Logger
}

func New(endpoints []string, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		order:    make([]Proxy, 0, len(endpoints)),
		known:    make(map[Proxy]struct{}, len(endpoints)),
		assigned: make(map[Proxy]struct{}),
		logger:   logger.With("component", "proxy_pool"),
	}

	for _, raw := range endpoints {
		endpoint := strings.TrimSpace(raw)
		if endpoint == "" {
			continue
		}

		u, err := url.Parse(endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy endpoint %q", endpoint)
		}

		proxy := Proxy(endpoint)
		if _, dup := p.known[proxy]; dup {
			return nil, fmt.Errorf("duplicate proxy endpoint %q", endpoint)
		}

		p.known[proxy] = struct{}{}
		p.order = append(p.order, proxy)
	}

	if len(p.order) == 0 {
		return nil, ErrEmptyPool
	}

	return p, nil
}

// Assign marks a free proxy as assigned.
func (p *Pool) Assign(proxy Proxy) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.assignLocked(proxy)
}

// Release marks a proxy free. Releasing a free proxy is a no-op.
func (p *Pool) Release(proxy Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.releaseLocked(proxy)
}

// NextAvailable returns the first free proxy in configured order that is
// not excluded. It does not assign it.
func (p *Pool) NextAvailable(exclude ...Proxy) (Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.nextLocked(exclude)
}

// Acquire picks the next available proxy and assigns it in one step.
func (p *Pool) Acquire(exclude ...Proxy) (Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next, ok := p.nextLocked(exclude)
	if !ok {
		return "", false
	}

	// nextLocked only returns free, known proxies
	_ = p.assignLocked(next)

	return next, true
}

// Rotate releases current and assigns a replacement that is neither
// current nor excluded. When no replacement exists current stays released
// and Rotate reports false; callers must treat that as exhaustion.
func (p *Pool) Rotate(current Proxy, exclude ...Proxy) (Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.releaseLocked(current)

	skip := make([]Proxy, 0, len(exclude)+1)
	skip = append(skip, exclude...)
	skip = append(skip, current)

	next, ok := p.nextLocked(skip)
	if !ok {
		p.logger.Warn("rotation found no replacement",
			"released", current,
			"excluded", len(skip),
			"assigned", len(p.assigned),
		)
		return "", false
	}

	_ = p.assignLocked(next)

	p.logger.Debug("proxy rotated", "from", current, "to", next)
	return next, true
}

func (p *Pool) IsAssigned(proxy Proxy) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.assigned[proxy]
	return ok
}

func (p *Pool) Size() int {
	return len(p.order)
}

// Proxies returns the configured proxies in pool order.
func (p *Pool) Proxies() []Proxy {
	out := make([]Proxy, len(p.order))
	copy(out, p.order)
	return out
}

func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, 0, len(p.order))
	for _, proxy := range p.order {
		state := StateFree
		if _, ok := p.assigned[proxy]; ok {
			state = StateAssigned
		}
		out = append(out, Status{Proxy: proxy, State: state.String()})
	}
	return out
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Total:    len(p.order),
		Assigned: len(p.assigned),
		Free:     len(p.order) - len(p.assigned),
	}
}

func (p *Pool) assignLocked(proxy Proxy) error {
	if _, ok := p.known[proxy]; !ok {
		return fmt.Errorf("assign %s: %w", proxy, ErrUnknownProxy)
	}
	if _, ok := p.assigned[proxy]; ok {
		return fmt.Errorf("assign %s: %w", proxy, ErrAlreadyAssigned)
	}

	p.assigned[proxy] = struct{}{}
	return nil
}

func (p *Pool) releaseLocked(proxy Proxy) {
	delete(p.assigned, proxy)
}

func (p *Pool) nextLocked(exclude []Proxy) (Proxy, bool) {
	for _, proxy := range p.order {
		if _, busy := p.assigned[proxy]; busy {
			continue
		}
		if contains(exclude, proxy) {
			continue
		}
		return proxy, true
	}
	return "", false
}

func contains(list []Proxy, proxy Proxy) bool {
	for _, p := range list {
		if p == proxy {
			return true
		}
	}
	return false
}
