package calls

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
)

const stripeCount = 64

type pairKey struct {
	caller string
	callee string
}

// MemoryStore keeps sessions in process. Writers for one session are
// serialized on a stripe lock; the indexes sit behind a RWMutex held only
// for map access, so reads never wait on a running apply.
type MemoryStore struct {
	stripes [stripeCount]sync.Mutex

	mu       sync.RWMutex
	sessions map[string]Session
	active   map[pairKey]string
	byUser   map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]Session{},
		active:   map[pairKey]string{},
		byUser:   map[string][]string{},
	}
}

func (m *MemoryStore) stripe(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &m.stripes[h.Sum32()%stripeCount]
}

func (m *MemoryStore) Create(_ context.Context, s Session) (Session, error) {
	if s.ID == "" || s.CallerID == "" || s.CalleeID == "" {
		return Session{}, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return Session{}, ErrConflict
	}
	key := pairKey{s.CallerID, s.CalleeID}
	if _, busy := m.active[key]; busy {
		return Session{}, ErrConflict
	}
	m.sessions[s.ID] = s
	if s.State.IsActive() {
		m.active[key] = s.ID
	}
	m.byUser[s.CallerID] = append(m.byUser[s.CallerID], s.ID)
	if s.CalleeID != s.CallerID {
		m.byUser[s.CalleeID] = append(m.byUser[s.CalleeID], s.ID)
	}
	return s, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) CompareAndTransition(ctx context.Context, id string, expected State, apply ApplyFunc) (Session, error) {
	lk := m.stripe(id)
	lk.Lock()
	defer lk.Unlock()

	cur, err := m.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if cur.State != expected {
		return cur, errStateChanged
	}

	next, err := apply(cur)
	if err != nil {
		return cur, err
	}
	next.ID = cur.ID

	m.mu.Lock()
	m.sessions[id] = next
	if !next.State.IsActive() {
		key := pairKey{cur.CallerID, cur.CalleeID}
		if m.active[key] == id {
			delete(m.active, key)
		}
	}
	m.mu.Unlock()
	return next, nil
}

// collect returns the user's sessions that match keep, newest first.
func (m *MemoryStore) collect(userID string, keep func(Session) bool) []Session {
	m.mu.RLock()
	ids := m.byUser[userID]
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		s := m.sessions[id]
		if keep(s) {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) ListActive(_ context.Context, userID string) ([]Session, error) {
	return m.collect(userID, func(s Session) bool { return s.State.IsActive() }), nil
}

func (m *MemoryStore) ListHistory(_ context.Context, userID string, p Page) (HistoryPage, error) {
	p = p.Normalize()
	all := m.collect(userID, func(Session) bool { return true })

	page := HistoryPage{Items: []Session{}, Total: len(all), Page: p.Page, Size: p.Size}
	start := p.Offset()
	if start >= len(all) {
		return page, nil
	}
	end := start + p.Size
	if end > len(all) {
		end = len(all)
	}
	page.Items = append(page.Items, all[start:end]...)
	return page, nil
}

// ListMissed returns sessions the user did not answer as callee.
func (m *MemoryStore) ListMissed(_ context.Context, userID string) ([]Session, error) {
	return m.collect(userID, func(s Session) bool {
		return s.State == StateMissed && s.CalleeID == userID
	}), nil
}

func (m *MemoryStore) ListRinging(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	out := make([]Session, 0, len(m.active))
	for _, id := range m.active {
		if s := m.sessions[id]; s.State == StateRinging {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListUnbilled(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	var out []Session
	for _, s := range m.sessions {
		if s.State == StateEnded && !s.Billed {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) RecordBilling(ctx context.Context, id string, seconds int, amount int64) (Session, bool, error) {
	lk := m.stripe(id)
	lk.Lock()
	defer lk.Unlock()

	cur, err := m.Get(ctx, id)
	if err != nil {
		return Session{}, false, err
	}
	if cur.State != StateEnded {
		return cur, false, &TransitionError{SessionID: id, Current: cur.State, Event: EventEnd}
	}
	if cur.Billed {
		return cur, false, nil
	}
	cur.BilledSeconds = seconds
	cur.BilledAmount = amount
	cur.Billed = true

	m.mu.Lock()
	m.sessions[id] = cur
	m.mu.Unlock()
	return cur, true, nil
}
