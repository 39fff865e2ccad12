package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/njoerd114/calrelay/internal/model"
)

// --- Mock remote gateway -----------------------------------------------------

// mockGateway serves a scripted queue of delta pages and records every
// token it is asked for. The optional fetchHook intercepts FetchDeltaPage
// for failure-injection scenarios.
type mockGateway struct {
	mu         stdsync.Mutex
	pages      []DeltaPage
	fetchHook  func(token string) (*DeltaPage, error)
	seenTokens []string

	created map[string]*model.CalendarEvent // remoteID → pushed event
	updated map[string]*model.CalendarEvent
	deleted []string
	nextID  int

	createErr error
	updateErr error
}

func newMockGateway(pages ...DeltaPage) *mockGateway {
	return &mockGateway{
		pages:   pages,
		created: make(map[string]*model.CalendarEvent),
		updated: make(map[string]*model.CalendarEvent),
	}
}

func (m *mockGateway) FetchDeltaPage(_ context.Context, _, _, token string) (*DeltaPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seenTokens = append(m.seenTokens, token)
	if m.fetchHook != nil {
		return m.fetchHook(token)
	}
	if len(m.pages) == 0 {
		return &DeltaPage{ContinuationToken: "delta-empty"}, nil
	}
	page := m.pages[0]
	m.pages = m.pages[1:]
	return &page, nil
}

func (m *mockGateway) CreateEvent(_ context.Context, _ string, ev *model.CalendarEvent) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return "", "", m.createErr
	}
	m.nextID++
	remoteID := fmt.Sprintf("remote-%d", m.nextID)
	cp := *ev
	m.created[remoteID] = &cp
	return remoteID, "v1", nil
}

func (m *mockGateway) UpdateEvent(_ context.Context, _ string, ev *model.CalendarEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateErr != nil {
		return "", m.updateErr
	}
	cp := *ev
	m.updated[ev.RemoteID] = &cp
	return "v2", nil
}

func (m *mockGateway) DeleteEvent(_ context.Context, _, _, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, remoteID)
	return nil
}

func (m *mockGateway) ListCalendars(context.Context, string) ([]Calendar, error) {
	return []Calendar{{ID: "work", Name: "Work", Primary: true}}, nil
}

func (m *mockGateway) enqueue(pages ...DeltaPage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = append(m.pages, pages...)
}

func (m *mockGateway) tokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.seenTokens...)
}

// --- Mock event repository ---------------------------------------------------

type mockEvents struct {
	mu     stdsync.Mutex
	events map[string]*model.CalendarEvent // localID → event

	upsertErr func(ev *model.CalendarEvent) error
}

func newMockEvents(events ...*model.CalendarEvent) *mockEvents {
	m := &mockEvents{events: make(map[string]*model.CalendarEvent)}
	for _, ev := range events {
		cp := *ev
		m.events[ev.LocalID] = &cp
	}
	return m
}

func (m *mockEvents) GetByLocalID(_ context.Context, userID, localID string) (*model.CalendarEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[localID]
	if !ok || ev.UserID != userID {
		return nil, nil
	}
	cp := *ev
	return &cp, nil
}

func (m *mockEvents) GetByRemoteID(_ context.Context, userID, calendarID, remoteID string) (*model.CalendarEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ev := range m.events {
		if ev.UserID != userID || ev.RemoteID != remoteID {
			continue
		}
		if calendarID != "" && ev.CalendarID != calendarID {
			continue
		}
		cp := *ev
		return &cp, nil
	}
	return nil, nil
}

func (m *mockEvents) ListLocallyModified(_ context.Context, userID, calendarID string) ([]*model.CalendarEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.CalendarEvent
	for _, ev := range m.events {
		if ev.UserID != userID || !ev.LocallyModified {
			continue
		}
		if calendarID != "" && ev.CalendarID != calendarID {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockEvents) Upsert(_ context.Context, ev *model.CalendarEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.upsertErr != nil {
		if err := m.upsertErr(ev); err != nil {
			return err
		}
	}
	cp := *ev
	m.events[ev.LocalID] = &cp
	return nil
}

func (m *mockEvents) Delete(_ context.Context, _, localID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, localID)
	return nil
}

func (m *mockEvents) get(localID string) *model.CalendarEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.events[localID]; ok {
		cp := *ev
		return &cp
	}
	return nil
}

func (m *mockEvents) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockEvents) byRemote(remoteID string) *model.CalendarEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.RemoteID == remoteID {
			cp := *ev
			return &cp
		}
	}
	return nil
}

// --- Mock state store --------------------------------------------------------

type mockStates struct {
	mu      stdsync.Mutex
	states  map[string]*model.SyncState // userID+"/"+calendarID
	history []*model.SyncState
}

func newMockStates() *mockStates {
	return &mockStates{states: make(map[string]*model.SyncState)}
}

func stateKey(userID, calendarID string) string { return userID + "/" + calendarID }

func (m *mockStates) GetState(_ context.Context, userID, calendarID string) (*model.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[stateKey(userID, calendarID)]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (m *mockStates) PutState(_ context.Context, st *model.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *st
	m.states[stateKey(st.UserID, st.CalendarID)] = &cp
	return nil
}

func (m *mockStates) ResetState(_ context.Context, userID, calendarID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[stateKey(userID, calendarID)]; ok {
		st.ContinuationToken = ""
	}
	return nil
}

func (m *mockStates) AppendHistory(_ context.Context, st *model.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *st
	m.history = append(m.history, &cp)
	return nil
}

func (m *mockStates) History(_ context.Context, userID string, limit, offset int) ([]*model.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.SyncState
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].UserID == userID {
			cp := *m.history[i]
			out = append(out, &cp)
		}
	}
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStates) get(userID, calendarID string) *model.SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[stateKey(userID, calendarID)]; ok {
		cp := *st
		return &cp
	}
	return nil
}

// --- Mock conflict store -----------------------------------------------------

type mockConflicts struct {
	mu      stdsync.Mutex
	records map[string]*model.SyncConflict
	order   []string
}

func newMockConflicts() *mockConflicts {
	return &mockConflicts{records: make(map[string]*model.SyncConflict)}
}

func (m *mockConflicts) SaveConflict(_ context.Context, c *model.SyncConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[c.ID]; !ok {
		m.order = append(m.order, c.ID)
	}
	cp := *c
	m.records[c.ID] = &cp
	return nil
}

func (m *mockConflicts) GetConflict(_ context.Context, id string) (*model.SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *mockConflicts) UpdateConflict(_ context.Context, c *model.SyncConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[c.ID]; !ok {
		return fmt.Errorf("conflict %q not found", c.ID)
	}
	cp := *c
	m.records[c.ID] = &cp
	return nil
}

func (m *mockConflicts) PendingConflictForEvent(_ context.Context, userID, eventID string) (*model.SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.order) - 1; i >= 0; i-- {
		c := m.records[m.order[i]]
		if c.UserID == userID && c.EventID == eventID && !c.Resolved() {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockConflicts) ListPendingConflicts(_ context.Context, userID string) ([]*model.SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.SyncConflict
	for _, id := range m.order {
		c := m.records[id]
		if c.UserID == userID && !c.Resolved() {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockConflicts) ConflictStats(_ context.Context, userID string, since time.Time) (*model.ConflictStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &model.ConflictStats{ByResolution: make(map[model.Resolution]int)}
	for _, c := range m.records {
		if c.UserID != userID || c.DetectedAt.Before(since) {
			continue
		}
		stats.Total++
		if c.Resolved() {
			stats.Resolved++
			stats.ByResolution[c.Resolution]++
		} else {
			stats.Pending++
		}
	}
	return stats, nil
}

func (m *mockConflicts) all() []*model.SyncConflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.SyncConflict, 0, len(m.order))
	for _, id := range m.order {
		cp := *m.records[id]
		out = append(out, &cp)
	}
	return out
}

// --- Mock credential provider ------------------------------------------------

type mockCreds struct {
	valid bool
}

func (m mockCreds) AccessToken(context.Context, string) (string, error) {
	if !m.valid {
		return "", Errorf(KindNotAuthenticated, "mock", "no credential")
	}
	return "token", nil
}

func (m mockCreds) IsValid(context.Context, string) bool { return m.valid }
