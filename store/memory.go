package store

import (
	"context"
	"sync"

	"github.com/BaSui01/agentloop/types"
)

// MemoryStore is an in-memory implementation of MessageStore, AgentStore and
// RunStore, used for tests and single-process embedding.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*types.Message
	byAgent  map[string][]string // creation order
	agents   map[string]*types.AgentState
	runs     map[string]*runRecord
}

type runRecord struct {
	agentID    string
	status     RunStatus
	stopReason types.StopReason
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*types.Message),
		byAgent:  make(map[string][]string),
		agents:   make(map[string]*types.AgentState),
		runs:     make(map[string]*runRecord),
	}
}

func (s *MemoryStore) CreateMany(_ context.Context, msgs []*types.Message) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = types.NewMessageID()
		}
		cp := *m
		s.messages[m.ID] = &cp
		s.byAgent[m.AgentID] = append(s.byAgent[m.AgentID], m.ID)
	}
	return msgs, nil
}

func (s *MemoryStore) GetMany(_ context.Context, ids []string) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Message, 0, len(ids))
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok {
			return nil, ErrNotFound
		}
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) UpdateContent(_ context.Context, id string, content []types.ContentPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.Content = append([]types.ContentPart(nil), content...)
	return nil
}

func (s *MemoryStore) ListByAgent(_ context.Context, agentID, after string, limit int) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byAgent[agentID]
	start := 0
	if after != "" {
		for i, id := range ids {
			if id == after {
				start = i + 1
				break
			}
		}
	}
	out := make([]*types.Message, 0, len(ids)-start)
	for _, id := range ids[start:] {
		cp := *s.messages[id]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Size(_ context.Context, agentID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.byAgent[agentID])), nil
}

func (s *MemoryStore) Get(_ context.Context, agentID string) (*types.AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	cp.MessageIDs = append([]string(nil), st.MessageIDs...)
	return &cp, nil
}

func (s *MemoryStore) Put(_ context.Context, state *types.AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	cp.MessageIDs = append([]string(nil), state.MessageIDs...)
	s.agents[state.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateMessageIDs(_ context.Context, agentID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	st.MessageIDs = append([]string(nil), ids...)
	return nil
}

func (s *MemoryStore) Create(_ context.Context, runID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = &runRecord{agentID: agentID, status: RunStatusCreated}
	return nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, runID string, status RunStatus, stopReason types.StopReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r.status = status
	r.stopReason = stopReason
	return nil
}

func (s *MemoryStore) GetStatus(_ context.Context, runID string) (RunStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return "", ErrNotFound
	}
	return r.status, nil
}

// StopReason returns the recorded stop reason for a run (test helper).
func (s *MemoryStore) StopReason(runID string) types.StopReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.runs[runID]; ok {
		return r.stopReason
	}
	return ""
}
