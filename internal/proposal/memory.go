package proposal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	proposals map[string]*Proposal
	approvals map[string]*Approval
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals: make(map[string]*Proposal),
		approvals: make(map[string]*Approval),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, exists := s.proposals[p.ID]; exists {
		return apperr.Validation("create_proposal", "proposal %s already exists", p.ID)
	}
	cp := *p
	s.proposals[p.ID] = &cp
	s.approvals[p.ID] = &Approval{ProposalID: p.ID, Status: StatusPending}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.proposals[id]
	if !ok {
		return nil, apperr.NotFound("get_proposal", "proposal %s not found", id)
	}
	pc := *p
	return &Record{Proposal: &pc, Approval: copyApproval(s.approvals[id])}, nil
}

func (s *MemoryStore) Decide(_ context.Context, id string, d Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok {
		return apperr.NotFound("decide", "proposal %s not found", id)
	}
	if a.Executed() {
		return apperr.Validation("decide", "proposal %s already executed", id)
	}
	decidedAt := d.DecidedAt
	a.Status = d.Status
	a.DeciderID = d.DeciderID
	a.DecidedAt = &decidedAt
	a.DraftOverride = copyString(d.DraftOverride)
	a.Token = copyString(d.Token)
	a.TokenExpiresAt = copyTime(d.TokenExpiresAt)
	return nil
}

func (s *MemoryStore) SetToken(_ context.Context, id, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok {
		return apperr.NotFound("set_token", "proposal %s not found", id)
	}
	if a.Status != StatusApproved || a.Executed() {
		return apperr.New(apperr.KindNotApproved, "set_token", "proposal %s is not approved", id)
	}
	a.Token = &token
	a.TokenExpiresAt = &expiresAt
	return nil
}

func (s *MemoryStore) ClearToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok {
		return apperr.NotFound("clear_token", "proposal %s not found", id)
	}
	a.Token = nil
	a.TokenExpiresAt = nil
	return nil
}

func (s *MemoryStore) ClaimToken(_ context.Context, id, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok {
		return false, apperr.NotFound("claim_token", "proposal %s not found", id)
	}
	if a.Status != StatusApproved || a.Executed() || a.Token == nil || *a.Token != token {
		return false, nil
	}
	a.Token = nil
	a.TokenExpiresAt = nil
	return true, nil
}

func (s *MemoryStore) RecordExecution(_ context.Context, id string, at time.Time, execErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok {
		return apperr.NotFound("record_execution", "proposal %s not found", id)
	}
	a.ExecutedAt = &at
	a.ExecutionError = execErr
	return nil
}

func (s *MemoryStore) ListPending(_ context.Context) ([]*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Proposal
	for id, a := range s.approvals {
		if a.Status == StatusPending {
			pc := *s.proposals[id]
			out = append(out, &pc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func copyApproval(a *Approval) *Approval {
	if a == nil {
		return nil
	}
	c := *a
	c.DecidedAt = copyTime(a.DecidedAt)
	c.DraftOverride = copyString(a.DraftOverride)
	c.Token = copyString(a.Token)
	c.TokenExpiresAt = copyTime(a.TokenExpiresAt)
	c.ExecutedAt = copyTime(a.ExecutedAt)
	return &c
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
