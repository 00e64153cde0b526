package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shutterdesk/autoresponder/internal/inbound"
)

// MemoryStore keeps items in process memory
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*inbound.Item
	order []string // insertion order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*inbound.Item)}
}

func (m *MemoryStore) Create(ctx context.Context, item *inbound.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; ok {
		return ErrDuplicate
	}
	m.items[item.ID] = item.Clone()
	m.order = append(m.order, item.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*inbound.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return it.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, item *inbound.Item, from inbound.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[item.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrConflict
	}
	m.items[item.ID] = item.Clone()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, q Query) (Page, error) {
	q = q.Normalize()
	m.mu.RLock()
	var matched []*inbound.Item
	for _, id := range m.order {
		it := m.items[id]
		if matches(it, q) {
			matched = append(matched, it.Clone())
		}
	}
	m.mu.RUnlock()

	sortItems(matched, q.SortBy, q.SortOrder == "desc")

	total := len(matched)
	start := q.offset()
	if start > total {
		start = total
	}
	end := start + q.Limit
	if end > total {
		end = total
	}
	return newPage(matched[start:end], total, q), nil
}

func matches(it *inbound.Item, q Query) bool {
	if q.Channel != "" && it.Channel != q.Channel {
		return false
	}
	if q.Status != "" && it.Status != q.Status {
		return false
	}
	if q.Priority != "" && it.Priority != q.Priority {
		return false
	}
	if q.Search == "" {
		return true
	}
	needle := foldASCII(q.Search)
	for _, field := range []string{it.Sender.Name, it.Sender.Handle, it.Subject, it.Company} {
		if strings.Contains(foldASCII(field), needle) {
			return true
		}
	}
	return false
}

// sortItems orders by field, breaking ties by received time then id so
// pages are stable
func sortItems(items []*inbound.Item, field SortField, desc bool) {
	cmp := func(a, b *inbound.Item) int {
		switch field {
		case SortName:
			return strings.Compare(strings.ToLower(a.Sender.Name), strings.ToLower(b.Sender.Name))
		case SortPriority:
			return a.Priority.Rank() - b.Priority.Rank()
		case SortStatus:
			return strings.Compare(string(a.Status), string(b.Status))
		}
		return 0
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		c := cmp(a, b)
		if c == 0 {
			c = a.ReceivedAt.Compare(b.ReceivedAt)
		}
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func (m *MemoryStore) Due(ctx context.Context, ch inbound.Channel, cutoff time.Time) ([]*inbound.Item, error) {
	m.mu.RLock()
	var due []*inbound.Item
	for _, id := range m.order {
		it := m.items[id]
		if it.Channel == ch && it.Status == inbound.StatusNew && !it.ReceivedAt.After(cutoff) {
			due = append(due, it.Clone())
		}
	}
	m.mu.RUnlock()
	sortItems(due, SortReceivedAt, false)
	return due, nil
}

func (m *MemoryStore) CountResponded(ctx context.Context, ch inbound.Channel, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, it := range m.items {
		if it.Channel == ch && it.Status == inbound.StatusResponded &&
			it.ResponseSentAt != nil && !it.ResponseSentAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) FindBySource(ctx context.Context, sourceID string) (*inbound.Item, error) {
	if sourceID == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		if it := m.items[id]; it.SourceID == sourceID {
			return it.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := newStats()
	for _, it := range m.items {
		s.Total++
		s.ByStatus[it.Status]++
		s.ByChannel[it.Channel]++
	}
	return s, nil
}

func (m *MemoryStore) Close() error { return nil }
