// Package memstore keeps every record in process memory. It backs the
// "memory" storage driver and the service tests.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"mailfollowup/internal/model"
	"mailfollowup/internal/repository"
)

// Store implements every repository interface behind one mutex so that
// conditional writes are atomic.
type Store struct {
	mu         sync.Mutex
	now        func() time.Time
	followups  map[string]*model.Followup
	reminders  map[string]*model.Reminder
	rules      map[string]*model.AutomationRule
	executions map[string]*model.AutomationExecution

	// PingErr, when set, is returned from Ping.
	PingErr error
}

func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:        now,
		followups:  make(map[string]*model.Followup),
		reminders:  make(map[string]*model.Reminder),
		rules:      make(map[string]*model.AutomationRule),
		executions: make(map[string]*model.AutomationExecution),
	}
}

// Stores returns the repository bundle backed by s.
func (s *Store) Stores() repository.Stores {
	return repository.Stores{
		Followups:  FollowupStore{s},
		Reminders:  ReminderStore{s},
		Rules:      RuleStore{s},
		Executions: ExecutionStore{s},
		Health:     s,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// ---- followups ----

type FollowupStore struct{ s *Store }

func (f FollowupStore) CreateWithReminder(ctx context.Context, fu *model.Followup, rem *model.Reminder) error {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followups[fu.ID] = cloneFollowup(fu)
	if rem != nil {
		r := *rem
		s.reminders[r.ID] = &r
	}
	return nil
}

func (f FollowupStore) GetByID(ctx context.Context, id string) (*model.Followup, error) {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()
	fu, ok := s.followups[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneFollowup(fu), nil
}

func (f FollowupStore) List(ctx context.Context, filter repository.FollowupFilter) ([]model.Followup, error) {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []model.Followup{}
	for _, fu := range s.followups {
		if !matchFollowup(fu, filter) {
			continue
		}
		out = append(out, *cloneFollowup(fu))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FollowUpDueAt.Equal(out[j].FollowUpDueAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FollowUpDueAt.Before(out[j].FollowUpDueAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchFollowup(fu *model.Followup, filter repository.FollowupFilter) bool {
	if filter.UserID != "" && fu.UserID != filter.UserID {
		return false
	}
	if filter.OrganizationID != "" && fu.OrganizationID != filter.OrganizationID {
		return false
	}
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, fu.Status) {
		return false
	}
	if len(filter.Priorities) > 0 && !slices.Contains(filter.Priorities, fu.Priority) {
		return false
	}
	if filter.EmailID != "" && fu.EmailID != filter.EmailID {
		return false
	}
	if filter.ThreadID != "" && fu.ThreadID != filter.ThreadID {
		return false
	}
	if filter.DueBefore != nil && fu.FollowUpDueAt.After(*filter.DueBefore) {
		return false
	}
	if len(filter.IDs) > 0 && !slices.Contains(filter.IDs, fu.ID) {
		return false
	}
	return true
}

func (f FollowupStore) UpdateIf(ctx context.Context, id string, expected []model.FollowupStatus, patch model.FollowupPatch) (bool, error) {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()
	fu, ok := s.followups[id]
	if !ok || !slices.Contains(expected, fu.Status) {
		return false, nil
	}
	patch.Apply(fu, s.now())
	return true, nil
}

func (f FollowupStore) MarkDue(ctx context.Context, now time.Time) ([]string, error) {
	return f.derive(func(fu *model.Followup) bool {
		return fu.Status == model.FollowupPending && !fu.FollowUpDueAt.After(now)
	}, model.FollowupDue)
}

func (f FollowupStore) MarkOverdue(ctx context.Context, cutoff time.Time) ([]string, error) {
	return f.derive(func(fu *model.Followup) bool {
		return (fu.Status == model.FollowupPending || fu.Status == model.FollowupDue) &&
			!fu.FollowUpDueAt.After(cutoff)
	}, model.FollowupOverdue)
}

func (f FollowupStore) derive(match func(*model.Followup) bool, to model.FollowupStatus) ([]string, error) {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []string{}
	for _, fu := range s.followups {
		if match(fu) {
			fu.Status = to
			fu.UpdatedAt = s.now()
			ids = append(ids, fu.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ---- reminders ----

type ReminderStore struct{ s *Store }

func (r ReminderStore) Insert(ctx context.Context, rem *model.Reminder) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rem
	s.reminders[cp.ID] = &cp
	return nil
}

func (r ReminderStore) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error) {
	return r.list(func(rem *model.Reminder) bool {
		return rem.Status == model.ReminderPending && !rem.ReminderTime.After(now)
	}, limit), nil
}

func (r ReminderStore) ListByFollowup(ctx context.Context, followupID string) ([]model.Reminder, error) {
	return r.list(func(rem *model.Reminder) bool { return rem.FollowupID == followupID }, 0), nil
}

func (r ReminderStore) list(match func(*model.Reminder) bool, limit int) []model.Reminder {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Reminder{}
	for _, rem := range s.reminders {
		if match(rem) {
			out = append(out, *rem)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReminderTime.Equal(out[j].ReminderTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].ReminderTime.Before(out[j].ReminderTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r ReminderStore) UpdateStatusIf(ctx context.Context, id string, from, to model.ReminderStatus, sentAt *time.Time, errMsg string) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rem, ok := s.reminders[id]
	if !ok || rem.Status != from {
		return false, nil
	}
	rem.Status = to
	if sentAt != nil {
		t := *sentAt
		rem.SentAt = &t
	}
	rem.ErrorMessage = errMsg
	return true, nil
}

func (r ReminderStore) CancelPending(ctx context.Context, followupID string) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rem := range s.reminders {
		if rem.FollowupID == followupID && rem.Status == model.ReminderPending {
			rem.Status = model.ReminderCancelled
			n++
		}
	}
	return n, nil
}

// ---- rules ----

type RuleStore struct{ s *Store }

func (r RuleStore) Insert(ctx context.Context, rule *model.AutomationRule) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rule
	s.rules[cp.ID] = &cp
	return nil
}

func (r RuleStore) GetByID(ctx context.Context, id string) (*model.AutomationRule, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rule
	return &cp, nil
}

func (r RuleStore) List(ctx context.Context, filter repository.RuleFilter) ([]model.AutomationRule, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.AutomationRule{}
	for _, rule := range s.rules {
		if filter.UserID != "" && rule.UserID != filter.UserID {
			continue
		}
		if filter.OrganizationID != "" && rule.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.ActiveOnly && !rule.IsActive {
			continue
		}
		out = append(out, *rule)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r RuleStore) SetActive(ctx context.Context, id string, active bool) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return false, nil
	}
	rule.IsActive = active
	rule.UpdatedAt = s.now()
	return true, nil
}

// ---- executions ----

type ExecutionStore struct{ s *Store }

func (e ExecutionStore) InsertIfNoActive(ctx context.Context, ex *model.AutomationExecution) (bool, error) {
	s := e.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.executions {
		if existing.RuleID == ex.RuleID && existing.FollowupID == ex.FollowupID && existing.Status.IsActive() {
			return false, nil
		}
	}
	s.executions[ex.ID] = cloneExecution(ex)
	return true, nil
}

func (e ExecutionStore) GetByID(ctx context.Context, id string) (*model.AutomationExecution, error) {
	s := e.s
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneExecution(ex), nil
}

func (e ExecutionStore) FindActive(ctx context.Context, ruleID, followupID string) (*model.AutomationExecution, error) {
	s := e.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ex := range s.executions {
		if ex.RuleID == ruleID && ex.FollowupID == followupID && ex.Status.IsActive() {
			return cloneExecution(ex), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (e ExecutionStore) ListByFollowup(ctx context.Context, followupID string) ([]model.AutomationExecution, error) {
	return e.list(func(ex *model.AutomationExecution) bool { return ex.FollowupID == followupID }, 0,
		func(a, b *model.AutomationExecution) bool { return a.TriggeredAt.Before(b.TriggeredAt) }), nil
}

func (e ExecutionStore) ListExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]model.AutomationExecution, error) {
	return e.list(func(ex *model.AutomationExecution) bool {
		if _, escalated := ex.Metadata[model.MetaEscalatedAt]; escalated {
			return false
		}
		if _, noted := ex.Metadata[model.MetaExpiryNotedAt]; noted {
			return false
		}
		return ex.Status == model.ExecutionAwaitingApproval && ex.ApprovalDeadline != nil && ex.ApprovalDeadline.Before(now)
	}, limit, func(a, b *model.AutomationExecution) bool {
		return a.ApprovalDeadline.Before(*b.ApprovalDeadline)
	}), nil
}

func (e ExecutionStore) list(match func(*model.AutomationExecution) bool, limit int, less func(a, b *model.AutomationExecution) bool) []model.AutomationExecution {
	s := e.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.AutomationExecution{}
	for _, ex := range s.executions {
		if match(ex) {
			out = append(out, *cloneExecution(ex))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if less(&out[i], &out[j]) {
			return true
		}
		if less(&out[j], &out[i]) {
			return false
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (e ExecutionStore) Transition(ctx context.Context, id string, expectedStatus model.ExecutionStatus, expectedVersion int, patch model.ExecutionPatch) (bool, error) {
	s := e.s
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[id]
	if !ok || ex.Status != expectedStatus || ex.Version != expectedVersion {
		return false, nil
	}
	patch.Apply(ex, s.now())
	return true, nil
}

func cloneFollowup(f *model.Followup) *model.Followup {
	cp := *f
	cp.Recipients = slices.Clone(f.Recipients)
	if f.Metadata != nil {
		cp.Metadata = make(map[string]any, len(f.Metadata))
		for k, v := range f.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneExecution(e *model.AutomationExecution) *model.AutomationExecution {
	cp := *e
	cp.Approvals = slices.Clone(e.Approvals)
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
