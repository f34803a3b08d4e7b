package app

import (
	"context"
	"log/slog"
	"strings"

	"salesdesk/api/internal/activitylog"
	"salesdesk/api/internal/metrics"
	"salesdesk/api/internal/notify"
	"salesdesk/api/internal/rbac"
	"salesdesk/api/internal/store"
)

type dataStore interface {
	leadStore
	GetActivity(ctx context.Context, activityID string) (store.Activity, error)
	UpdateActivity(ctx context.Context, activity store.Activity) (store.Activity, error)
	DeleteActivity(ctx context.Context, activityID string) error
	ListUsers(ctx context.Context) ([]store.User, error)
}

type ActivityInput struct {
	LeadID      string         `json:"leadId"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

type ActivityPatch struct {
	Type        *string        `json:"type"`
	Title       *string        `json:"title"`
	Description *string        `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

type ActivityResult struct {
	Activity     store.Activity
	Notification notify.Result
}

// ActivityCoordinator manages user-authored activities. Reading and attaching are gated on
// the parent lead's owner; editing and deleting on the activity's author.
type ActivityCoordinator struct {
	store    dataStore
	log      activityLog
	notifier notifier
	metrics  *metrics.Collector
	logger   *slog.Logger
}

func NewActivityCoordinator(deps CoordinatorDeps) *ActivityCoordinator {
	deps = deps.withDefaults()
	return &ActivityCoordinator{
		store:    deps.Store,
		log:      deps.Log,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
}

// ListForLead returns the lead's timeline, newest first.
func (c *ActivityCoordinator) ListForLead(ctx context.Context, actor rbac.Actor, leadID string) ([]store.Activity, error) {
	if _, err := c.leadForActor(ctx, actor, leadID); err != nil {
		return nil, err
	}
	return c.log.ListForLead(ctx, leadID)
}

func (c *ActivityCoordinator) Create(ctx context.Context, actor rbac.Actor, in ActivityInput) (ActivityResult, error) {
	var fields []FieldError
	if strings.TrimSpace(in.LeadID) == "" {
		fields = append(fields, FieldError{Field: "leadId", Message: "Lead ID is required"})
	}
	if !store.ActivityType(in.Type).Valid() {
		fields = append(fields, FieldError{Field: "type", Message: "Invalid activity type"})
	}
	if strings.TrimSpace(in.Title) == "" {
		fields = append(fields, FieldError{Field: "title", Message: "Title is required"})
	}
	if len(fields) > 0 {
		return ActivityResult{}, validationFailed(fields)
	}

	lead, err := c.leadForActor(ctx, actor, in.LeadID)
	if err != nil {
		return ActivityResult{}, err
	}

	activity, err := c.log.Append(ctx, activitylog.Entry{
		LeadID:      lead.ID,
		Type:        store.ActivityType(in.Type),
		Title:       in.Title,
		Description: in.Description,
		ActorID:     actor.ID,
		Metadata:    in.Metadata,
	})
	if err != nil {
		return ActivityResult{}, storeError(err, "Lead", "leadId")
	}

	result := ActivityResult{Activity: activity, Notification: notify.Result{Suppressed: true}}
	if lead.OwnerID != actor.ID {
		owner, err := c.store.GetUserByID(ctx, lead.OwnerID)
		if err != nil {
			c.logger.Warn("lead owner lookup failed",
				slog.String("lead_id", lead.ID),
				slog.String("owner_id", lead.OwnerID),
				slog.String("error", err.Error()),
			)
			owner = store.User{ID: lead.OwnerID}
		}
		result.Notification = c.notifier.Notify(ctx, notify.ActivityCreated(actor.ID, owner, lead, activity))
	}
	return result, nil
}

// Update edits the content of an activity. Its lead and author never change.
func (c *ActivityCoordinator) Update(ctx context.Context, actor rbac.Actor, activityID string, patch ActivityPatch) (store.Activity, error) {
	var fields []FieldError
	if patch.Type != nil && !store.ActivityType(*patch.Type).Valid() {
		fields = append(fields, FieldError{Field: "type", Message: "Invalid activity type"})
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		fields = append(fields, FieldError{Field: "title", Message: "Title is required"})
	}
	if len(fields) > 0 {
		return store.Activity{}, validationFailed(fields)
	}

	activity, err := c.activityForAuthor(ctx, actor, activityID)
	if err != nil {
		return store.Activity{}, err
	}
	if patch.Type != nil {
		activity.Type = store.ActivityType(*patch.Type)
	}
	if patch.Title != nil {
		activity.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		activity.Description = *patch.Description
	}
	if patch.Metadata != nil {
		activity.Metadata = patch.Metadata
	}

	updated, err := c.store.UpdateActivity(ctx, activity)
	if err != nil {
		return store.Activity{}, storeError(err, "Activity", "id")
	}
	return updated, nil
}

func (c *ActivityCoordinator) Delete(ctx context.Context, actor rbac.Actor, activityID string) error {
	if _, err := c.activityForAuthor(ctx, actor, activityID); err != nil {
		return err
	}
	if err := c.store.DeleteActivity(ctx, activityID); err != nil {
		return storeError(err, "Activity", "id")
	}
	return nil
}

func (c *ActivityCoordinator) leadForActor(ctx context.Context, actor rbac.Actor, leadID string) (store.Lead, error) {
	lead, err := c.store.GetLead(ctx, leadID)
	if err != nil {
		return store.Lead{}, storeError(err, "Lead", "leadId")
	}
	if !actor.CanAccess(lead.OwnerID) {
		c.metrics.RecordAccessDenied("lead")
		return store.Lead{}, forbidden("Not authorized to access this lead")
	}
	return lead, nil
}

func (c *ActivityCoordinator) activityForAuthor(ctx context.Context, actor rbac.Actor, activityID string) (store.Activity, error) {
	activity, err := c.store.GetActivity(ctx, activityID)
	if err != nil {
		return store.Activity{}, storeError(err, "Activity", "id")
	}
	if !actor.CanAccess(activity.UserID) {
		c.metrics.RecordAccessDenied("activity")
		return store.Activity{}, forbidden("Not authorized to modify this activity")
	}
	return activity, nil
}
