// Package activitylog is the append-only audit trail attached to leads.
package activitylog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"salesdesk/api/internal/store"
	"salesdesk/api/internal/util"
)

var ErrInvalidEntry = errors.New("invalid activity entry")

type Store interface {
	InsertActivity(ctx context.Context, activity store.Activity) (store.Activity, error)
	ListActivitiesByLead(ctx context.Context, leadID string) ([]store.Activity, error)
}

// Recorder receives one call per appended activity.
type Recorder interface {
	RecordActivityAppended(activityType string)
}

// Entry is the content of a single audit row. The actor is the user the row is attributed to.
type Entry struct {
	LeadID      string
	Type        store.ActivityType
	Title       string
	Description string
	ActorID     string
	Metadata    map[string]any
}

type Log struct {
	store    Store
	newID    func() string
	recorder Recorder
}

func New(s Store, recorder Recorder) *Log {
	return &Log{
		store:    s,
		newID:    func() string { return util.NewID("act") },
		recorder: recorder,
	}
}

// Append persists one activity. Identical entries are never merged.
// Callers gate access before appending.
func (l *Log) Append(ctx context.Context, entry Entry) (store.Activity, error) {
	if err := entry.validate(); err != nil {
		return store.Activity{}, err
	}

	activity, err := l.store.InsertActivity(ctx, store.Activity{
		ID:          l.newID(),
		Type:        entry.Type,
		Title:       strings.TrimSpace(entry.Title),
		Description: entry.Description,
		LeadID:      entry.LeadID,
		UserID:      entry.ActorID,
		Metadata:    entry.Metadata,
	})
	if err != nil {
		return store.Activity{}, fmt.Errorf("append activity: %w", err)
	}
	if l.recorder != nil {
		l.recorder.RecordActivityAppended(string(activity.Type))
	}
	return activity, nil
}

// ListForLead returns every activity of a lead, newest first.
func (l *Log) ListForLead(ctx context.Context, leadID string) ([]store.Activity, error) {
	items, err := l.store.ListActivitiesByLead(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	if items == nil {
		items = []store.Activity{}
	}
	return items, nil
}

func (e Entry) validate() error {
	switch {
	case strings.TrimSpace(e.LeadID) == "":
		return fmt.Errorf("%w: lead id is required", ErrInvalidEntry)
	case strings.TrimSpace(e.ActorID) == "":
		return fmt.Errorf("%w: actor id is required", ErrInvalidEntry)
	case !e.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, e.Type)
	case strings.TrimSpace(e.Title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalidEntry)
	}
	return nil
}

// LeadCreated is the entry recorded for every new lead.
func LeadCreated(lead store.Lead, actorID string) Entry {
	return Entry{
		LeadID:      lead.ID,
		Type:        store.ActivityStatusChange,
		Title:       "Lead Created",
		Description: fmt.Sprintf("Lead %s was created", lead.FullName()),
		ActorID:     actorID,
	}
}

// StatusChanged is the entry recorded when a lead moves between pipeline stages.
func StatusChanged(leadID, actorID string, from, to store.LeadStatus) Entry {
	return Entry{
		LeadID:      leadID,
		Type:        store.ActivityStatusChange,
		Title:       "Status Updated",
		Description: fmt.Sprintf("Status changed from %s to %s", from, to),
		ActorID:     actorID,
		Metadata: map[string]any{
			"oldStatus": string(from),
			"newStatus": string(to),
		},
	}
}
