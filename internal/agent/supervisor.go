package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tributarylabs/split-settlement/internal/registry"
)

// Supervisor owns the set of running agents, one per active merchant. All
// lifecycle transitions go through its mutex; the agents themselves never
// coordinate with each other.
type Supervisor struct {
	deps Deps
	log  *zap.Logger

	mu     sync.Mutex
	agents map[uuid.UUID]*Agent
}

func NewSupervisor(deps Deps) *Supervisor {
	return &Supervisor{
		deps:   deps,
		log:    deps.Log,
		agents: make(map[uuid.UUID]*Agent),
	}
}

// Add builds and starts an agent for the merchant. Adding a merchant that
// already has an agent is a no-op.
func (s *Supervisor) Add(ctx context.Context, m *registry.Merchant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[m.ID]; ok {
		s.log.Warn("agent already registered", zap.String("merchant_id", m.ID.String()))
		return nil
	}

	a, err := New(m, s.deps)
	if err != nil {
		return err
	}
	s.agents[m.ID] = a
	a.Start(ctx)
	return nil
}

// Remove stops and drops the merchant's agent, if any.
func (s *Supervisor) Remove(merchantID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[merchantID]
	if !ok {
		return
	}
	a.Stop()
	delete(s.agents, merchantID)
	s.log.Info("agent removed", zap.String("merchant_id", merchantID.String()))
}

// Count reports the number of registered agents.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents)
}

// Monitoring reports whether the merchant currently has a running agent.
func (s *Supervisor) Monitoring(merchantID uuid.UUID) bool {
	s.mu.Lock()
	a, ok := s.agents[merchantID]
	s.mu.Unlock()
	return ok && a.Monitoring()
}

// StopAll halts every agent. Used on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.agents {
		a.Stop()
		delete(s.agents, id)
	}
	s.log.Info("all agents stopped")
}

// Refresh reconciles the running set against the registry: agents are added
// for new active merchants and removed for merchants no longer active.
func (s *Supervisor) Refresh(ctx context.Context) error {
	merchants, err := s.deps.Registry.ListActiveMerchants(ctx)
	if err != nil {
		return err
	}

	active := make(map[uuid.UUID]bool, len(merchants))
	for i := range merchants {
		m := &merchants[i]
		active[m.ID] = true
		if err := s.Add(ctx, m); err != nil {
			s.log.Error("agent not started",
				zap.String("merchant_id", m.ID.String()),
				zap.Error(err))
		}
	}

	s.mu.Lock()
	var stale []uuid.UUID
	for id := range s.agents {
		if !active[id] {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.Remove(id)
	}
	return nil
}

// RunRefresh periodically reconciles agents with the registry until the
// context ends.
func (s *Supervisor) RunRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("agent supervisor refresh started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			s.StopAll()
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.log.Error("supervisor: refresh", zap.Error(err))
			}
		}
	}
}
