package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"entitle/internal/domain"
	"entitle/internal/errors"
)

// Memory is a mutex-guarded in-process Store. It backs tests and
// single-binary deployments that do not need durable persistence. All
// mutations run under one lock, which gives the same serialization
// guarantee the Mongo implementation gets from single-document updates.
type Memory struct {
	mu       sync.RWMutex
	licenses map[string]*domain.License
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{licenses: make(map[string]*domain.License)}
}

func (m *Memory) Create(ctx context.Context, lic *domain.License) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.KindPersistence, err, "create cancelled")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.licenses[lic.Key]; ok {
		return errors.E(errors.KindConflict, "license key %s already exists", lic.Key)
	}
	m.licenses[lic.Key] = lic.Clone()
	return nil
}

func (m *Memory) FindByKey(ctx context.Context, key string) (*domain.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lic, ok := m.licenses[key]
	if !ok {
		return nil, errors.E(errors.KindNotFound, "license %s not found", key)
	}
	return lic.Clone(), nil
}

func (m *Memory) FindActiveByClient(ctx context.Context, clientID string, now time.Time) (*domain.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, lic := range m.licenses {
		if lic.ClientID == clientID && lic.Valid(now) {
			return lic.Clone(), nil
		}
	}
	return nil, errors.E(errors.KindNotFound, "no active license for client %s", clientID)
}

func (m *Memory) Update(ctx context.Context, key string, patch Patch) (*domain.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lic, ok := m.licenses[key]
	if !ok {
		return nil, errors.E(errors.KindNotFound, "license %s not found", key)
	}
	applyPatch(lic, patch)
	return lic.Clone(), nil
}

func (m *Memory) UpdateWhereStatus(ctx context.Context, key string, allowed []domain.Status, patch Patch) (*domain.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lic, ok := m.licenses[key]
	if !ok {
		return nil, errors.E(errors.KindNotFound, "license %s not found", key)
	}
	matched := false
	for _, s := range allowed {
		if lic.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrNoMatch
	}
	applyPatch(lic, patch)
	return lic.Clone(), nil
}

func (m *Memory) ConsumeModule(ctx context.Context, key, module string, dayStart, now time.Time) (*domain.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lic, ok := m.licenses[key]
	if !ok {
		return nil, errors.E(errors.KindNotFound, "license %s not found", key)
	}

	var mod *domain.Module
	if module != "" {
		mod = lic.Module(module)
		if mod == nil || !mod.Enabled {
			return nil, errors.E(errors.KindValidation, "module %s is not licensed", module)
		}
		if mod.UsageLimit != domain.UnlimitedUsage && mod.UsageCount >= mod.UsageLimit {
			return nil, errors.E(errors.KindLimitExceeded, "usage limit reached for module %s", module)
		}
	}

	if lic.Usage.LastReset.Before(dayStart) {
		lic.Usage.DailyRequests = 0
		lic.Usage.LastReset = dayStart
	}
	if mod != nil {
		mod.UsageCount++
	}
	lic.Usage.TotalRequests++
	lic.Usage.DailyRequests++
	lic.LastChecked = now
	return lic.Clone(), nil
}

func (m *Memory) MarkWarned(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lic, ok := m.licenses[key]
	if !ok {
		return false, errors.E(errors.KindNotFound, "license %s not found", key)
	}
	if lic.ExpiryWarned {
		return false, nil
	}
	lic.ExpiryWarned = true
	return true, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.licenses[key]; !ok {
		return errors.E(errors.KindNotFound, "license %s not found", key)
	}
	delete(m.licenses, key)
	return nil
}

func (m *Memory) List(ctx context.Context, f Filter) (*Page, error) {
	f = NormalizeFilter(f)
	m.mu.RLock()
	matched := make([]*domain.License, 0, len(m.licenses))
	for _, lic := range m.licenses {
		if f.Status != "" && lic.Status != f.Status {
			continue
		}
		if f.Plan != "" && lic.Plan != f.Plan {
			continue
		}
		if f.ClientID != "" && lic.ClientID != f.ClientID {
			continue
		}
		matched = append(matched, lic.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	start := (f.Page - 1) * f.Limit
	if start > total {
		start = total
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return &Page{Items: matched[start:end], Total: total, Page: f.Page, Limit: f.Limit}, nil
}

func (m *Memory) AggregateStats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &Stats{
		ByStatus: make(map[domain.Status]int64),
		ByPlan:   make(map[domain.Plan]int64),
	}
	for _, lic := range m.licenses {
		stats.Total++
		stats.ByStatus[lic.Status]++
		stats.ByPlan[lic.Plan]++
		stats.TotalRequests += lic.Usage.TotalRequests
	}
	return stats, nil
}

func (m *Memory) FindExpiringWithin(ctx context.Context, from, until time.Time) ([]*domain.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.License
	for _, lic := range m.licenses {
		if lic.Status != domain.StatusActive || lic.ExpiryWarned {
			continue
		}
		if lic.ExpiresAt.After(from) && !lic.ExpiresAt.After(until) {
			out = append(out, lic.Clone())
		}
	}
	return out, nil
}

func (m *Memory) FindExpired(ctx context.Context, asOf time.Time) ([]*domain.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.License
	for _, lic := range m.licenses {
		if lic.Status == domain.StatusActive && !lic.ExpiresAt.After(asOf) {
			out = append(out, lic.Clone())
		}
	}
	return out, nil
}

// applyPatch mutates lic under the store lock.
func applyPatch(lic *domain.License, patch Patch) {
	if patch.Status != nil {
		lic.Status = *patch.Status
	}
	if patch.Plan != nil {
		lic.Plan = *patch.Plan
	}
	if patch.ExpiresAt != nil {
		lic.ExpiresAt = *patch.ExpiresAt
	}
	if patch.Modules != nil {
		lic.Modules = append([]domain.Module(nil), patch.Modules...)
	}
	if patch.ExpiryWarned != nil {
		lic.ExpiryWarned = *patch.ExpiryWarned
	}
	if patch.LastChecked != nil {
		lic.LastChecked = *patch.LastChecked
	}
	if patch.Metadata != nil {
		if lic.Metadata == nil {
			lic.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			lic.Metadata[k] = v
		}
	}
	if patch.Activity != nil {
		lic.AppendActivity(*patch.Activity)
	}
}
