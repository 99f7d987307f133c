package ssh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/logfleet/logfleet/pkg/lifecycle"
)

// Pool keeps one connected Transport per machine and reconnects on demand.
type Pool struct {
	base Config
	dial func(*Config) (Transport, error)

	mu      sync.Mutex
	entries map[int64]*poolEntry
}

type poolEntry struct {
	mu        sync.Mutex
	address   string
	transport Transport
}

// NewPool creates a pool whose connections share base's timeouts and host key policy.
func NewPool(base Config) *Pool {
	return &Pool{
		base: base,
		dial: func(cfg *Config) (Transport, error) {
			return NewSSHClient(cfg)
		},
		entries: make(map[int64]*poolEntry),
	}
}

// Get returns a connected transport for m. A cached connection is reused while it is
// connected and the machine's address has not changed.
func (p *Pool) Get(ctx context.Context, m *lifecycle.Machine) (Transport, error) {
	if m == nil {
		return nil, fmt.Errorf("machine is required")
	}
	cfg := ForMachine(p.base, m)

	p.mu.Lock()
	e, ok := p.entries[m.ID]
	if !ok {
		e = &poolEntry{}
		p.entries[m.ID] = e
	}
	p.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.transport != nil && e.address == cfg.User+"@"+cfg.Address() && e.transport.IsConnected() {
		return e.transport, nil
	}
	if e.transport != nil {
		_ = e.transport.Disconnect()
		e.transport = nil
	}

	t, err := p.dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("machine %s: %w", m.Name, err)
	}
	if err := t.Connect(ctx); err != nil {
		return nil, fmt.Errorf("machine %s: %w", m.Name, err)
	}

	e.transport = t
	e.address = cfg.User + "@" + cfg.Address()
	log.Debug().Int64("machine_id", m.ID).Str("address", e.address).Msg("pooled SSH connection")
	return t, nil
}

// Evict disconnects and forgets the connection of a machine.
func (p *Pool) Evict(machineID int64) {
	p.mu.Lock()
	e, ok := p.entries[machineID]
	delete(p.entries, machineID)
	p.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.transport != nil {
		_ = e.transport.Disconnect()
		e.transport = nil
	}
}

// Close disconnects every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[int64]*poolEntry)
	p.mu.Unlock()

	var errs []error
	for _, e := range entries {
		e.mu.Lock()
		if e.transport != nil {
			if err := e.transport.Disconnect(); err != nil {
				errs = append(errs, err)
			}
			e.transport = nil
		}
		e.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Size returns the number of machines the pool tracks.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
