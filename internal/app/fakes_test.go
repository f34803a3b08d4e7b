package app

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"salesdesk/api/internal/activitylog"
	"salesdesk/api/internal/notify"
	"salesdesk/api/internal/rbac"
	"salesdesk/api/internal/store"
)

// memoryStore is an in-memory dataStore with the same sentinel errors as the Postgres store.
type memoryStore struct {
	mu         sync.Mutex
	users      map[string]store.User
	leads      map[string]store.Lead
	activities map[string]store.Activity
	seq        int
	clock      time.Time

	insertLeadFn     func(store.Lead) error
	insertActivityFn func(store.Activity) error
}

func newMemoryStore(users ...store.User) *memoryStore {
	m := &memoryStore{
		users:      map[string]store.User{},
		leads:      map[string]store.Lead{},
		activities: map[string]store.Activity{},
		clock:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memoryStore) tick() time.Time {
	m.seq++
	return m.clock.Add(time.Duration(m.seq) * time.Second)
}

func (m *memoryStore) withOwner(lead store.Lead) store.Lead {
	if owner, ok := m.users[lead.OwnerID]; ok {
		lead.Owner = owner.Summary()
	} else {
		lead.Owner = nil
	}
	return lead
}

func (m *memoryStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memoryStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (m *memoryStore) CreateUser(_ context.Context, user store.User) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return store.User{}, store.ErrConflict
		}
	}
	user.CreatedAt = m.tick()
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = user
	return user, nil
}

func (m *memoryStore) ListUsers(context.Context) ([]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) InsertLead(_ context.Context, lead store.Lead) (store.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertLeadFn != nil {
		if err := m.insertLeadFn(lead); err != nil {
			return store.Lead{}, err
		}
	}
	if _, ok := m.users[lead.OwnerID]; !ok {
		return store.Lead{}, store.ErrInvalidReference
	}
	if lead.Status == "" {
		lead.Status = store.StatusNew
	}
	lead.CreatedAt = m.tick()
	lead.UpdatedAt = lead.CreatedAt
	m.leads[lead.ID] = lead
	return m.withOwner(lead), nil
}

func (m *memoryStore) GetLead(_ context.Context, id string) (store.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lead, ok := m.leads[id]
	if !ok {
		return store.Lead{}, store.ErrNotFound
	}
	return m.withOwner(lead), nil
}

func (m *memoryStore) UpdateLead(_ context.Context, lead store.Lead) (store.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.leads[lead.ID]
	if !ok {
		return store.Lead{}, store.ErrNotFound
	}
	if _, ok := m.users[lead.OwnerID]; !ok {
		return store.Lead{}, store.ErrInvalidReference
	}
	lead.Owner = nil
	lead.CreatedAt = current.CreatedAt
	lead.UpdatedAt = m.tick()
	m.leads[lead.ID] = lead
	return m.withOwner(lead), nil
}

func (m *memoryStore) DeleteLead(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.leads[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.leads, id)
	for aid, a := range m.activities {
		if a.LeadID == id {
			delete(m.activities, aid)
		}
	}
	return nil
}

func (m *memoryStore) ListLeads(_ context.Context, filter store.LeadFilter) ([]store.Lead, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []store.Lead
	for _, lead := range m.leads {
		if filter.OwnerID != "" && lead.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && lead.Status != filter.Status {
			continue
		}
		if filter.Search != "" {
			needle := strings.ToLower(filter.Search)
			hay := strings.ToLower(strings.Join([]string{lead.FirstName, lead.LastName, lead.Email, lead.Company}, " "))
			if !strings.Contains(hay, needle) {
				continue
			}
		}
		matched = append(matched, m.withOwner(lead))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return matched[start:end], total, nil
}

func (m *memoryStore) InsertActivity(_ context.Context, a store.Activity) (store.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertActivityFn != nil {
		if err := m.insertActivityFn(a); err != nil {
			return store.Activity{}, err
		}
	}
	if _, ok := m.leads[a.LeadID]; !ok {
		return store.Activity{}, store.ErrInvalidReference
	}
	a.CreatedAt = m.tick()
	m.activities[a.ID] = a
	return a, nil
}

func (m *memoryStore) GetActivity(_ context.Context, id string) (store.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.activities[id]
	if !ok {
		return store.Activity{}, store.ErrNotFound
	}
	return a, nil
}

func (m *memoryStore) UpdateActivity(_ context.Context, a store.Activity) (store.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.activities[a.ID]
	if !ok {
		return store.Activity{}, store.ErrNotFound
	}
	current.Type, current.Title, current.Description, current.Metadata = a.Type, a.Title, a.Description, a.Metadata
	m.activities[a.ID] = current
	return current, nil
}

func (m *memoryStore) DeleteActivity(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.activities[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.activities, id)
	return nil
}

func (m *memoryStore) ListActivitiesByLead(_ context.Context, leadID string) ([]store.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Activity
	for _, a := range m.activities {
		if a.LeadID == leadID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) activityCount(leadID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.activities {
		if a.LeadID == leadID {
			n++
		}
	}
	return n
}

// recordingNotifier wraps a real dispatcher and remembers every event it was handed.
type recordingNotifier struct {
	mu         sync.Mutex
	events     []notify.Event
	dispatcher *notify.Dispatcher
}

func (n *recordingNotifier) Notify(ctx context.Context, event notify.Event) notify.Result {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
	return n.dispatcher.Notify(ctx, event)
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (m *recordingMailer) SendLeadNotification(_ context.Context, to, leadName, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, to+"|"+leadName+"|"+action)
	return m.err
}

type recordingPublisher struct {
	mu      sync.Mutex
	targets []string
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, userID string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = append(p.targets, userID)
	return p.err
}

var (
	salesExec1 = store.User{ID: "u1", Name: "Sam One", Email: "u1@example.com", Role: string(rbac.RoleSalesExecutive)}
	salesExec2 = store.User{ID: "u2", Name: "Sam Two", Email: "u2@example.com", Role: string(rbac.RoleSalesExecutive)}
	manager    = store.User{ID: "m1", Name: "Morgan", Email: "m1@example.com", Role: string(rbac.RoleManager)}
	admin      = store.User{ID: "a1", Name: "Alex", Email: "a1@example.com", Role: string(rbac.RoleAdmin)}
)

func actorOf(u store.User) rbac.Actor {
	return rbac.Actor{ID: u.ID, Role: rbac.Role(u.Role)}
}

type harness struct {
	store      *memoryStore
	mailer     *recordingMailer
	publisher  *recordingPublisher
	notifier   *recordingNotifier
	leads      *LeadCoordinator
	activities *ActivityCoordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := newMemoryStore(salesExec1, salesExec2, manager, admin)
	mailer := &recordingMailer{}
	publisher := &recordingPublisher{}
	notifier := &recordingNotifier{dispatcher: notify.NewDispatcher(mailer, publisher, notify.Options{Timeout: time.Second})}
	deps := CoordinatorDeps{
		Store:    s,
		Log:      activitylog.New(s, nil),
		Notifier: notifier,
	}
	return &harness{
		store:      s,
		mailer:     mailer,
		publisher:  publisher,
		notifier:   notifier,
		leads:      NewLeadCoordinator(deps),
		activities: NewActivityCoordinator(deps),
	}
}

func strPtr(s string) *string { return &s }

func newLeadInput() LeadInput {
	return LeadInput{
		FirstName: strPtr("Ada"),
		LastName:  strPtr("Lovelace"),
		Email:     strPtr("ada@example.com"),
		Company:   strPtr("Analytical Engines"),
	}
}

func assertDomainError(t *testing.T, err error, status int) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError with status %d, got %v", status, err)
	}
	if domainErr.Status != status {
		t.Fatalf("expected status %d, got %d (%s)", status, domainErr.Status, domainErr.Message)
	}
	return domainErr
}
