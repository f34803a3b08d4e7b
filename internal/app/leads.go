package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode"

	"salesdesk/api/internal/activitylog"
	"salesdesk/api/internal/metrics"
	"salesdesk/api/internal/notify"
	"salesdesk/api/internal/rbac"
	"salesdesk/api/internal/store"
	"salesdesk/api/internal/util"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
	maxOffset       = math.MaxInt32
)

type leadStore interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	InsertLead(ctx context.Context, lead store.Lead) (store.Lead, error)
	GetLead(ctx context.Context, leadID string) (store.Lead, error)
	UpdateLead(ctx context.Context, lead store.Lead) (store.Lead, error)
	DeleteLead(ctx context.Context, leadID string) error
	ListLeads(ctx context.Context, filter store.LeadFilter) ([]store.Lead, int, error)
}

type activityLog interface {
	Append(ctx context.Context, entry activitylog.Entry) (store.Activity, error)
	ListForLead(ctx context.Context, leadID string) ([]store.Activity, error)
}

type notifier interface {
	Notify(ctx context.Context, event notify.Event) notify.Result
}

// LeadInput is both the create body and the update patch; nil fields are absent.
type LeadInput struct {
	FirstName      *string  `json:"firstName"`
	LastName       *string  `json:"lastName"`
	Email          *string  `json:"email"`
	Phone          *string  `json:"phone"`
	Company        *string  `json:"company"`
	Status         *string  `json:"status"`
	Source         *string  `json:"source"`
	EstimatedValue *float64 `json:"estimatedValue"`
	Notes          *string  `json:"notes"`
	OwnerID        *string  `json:"ownerId"`
}

type LeadQuery struct {
	Status string
	Search string
	Page   int
	Limit  int
}

type LeadPage struct {
	Leads []store.Lead `json:"leads"`
	Total int          `json:"total"`
	Page  int          `json:"page"`
	Pages int          `json:"pages"`
}

// LeadResult reports the committed lead, the audit entry written with it (if any), and
// what happened to the follow-up notification.
type LeadResult struct {
	Lead         store.Lead
	Activity     *store.Activity
	Notification notify.Result
}

type CoordinatorDeps struct {
	Store    dataStore
	Log      activityLog
	Notifier notifier
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

func (d CoordinatorDeps) withDefaults() CoordinatorDeps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Notifier == nil {
		d.Notifier = (*notify.Dispatcher)(nil)
	}
	return d
}

type LeadCoordinator struct {
	store    leadStore
	log      activityLog
	notifier notifier
	metrics  *metrics.Collector
	logger   *slog.Logger
	newID    func() string
}

func NewLeadCoordinator(deps CoordinatorDeps) *LeadCoordinator {
	deps = deps.withDefaults()
	return &LeadCoordinator{
		store:    deps.Store,
		log:      deps.Log,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		newID:    func() string { return util.NewID("lead") },
	}
}

// Create persists a lead owned by in.OwnerID, or by the actor when unset, records the
// creation activity and notifies the owner.
func (c *LeadCoordinator) Create(ctx context.Context, actor rbac.Actor, in LeadInput) (LeadResult, error) {
	if fields := validateLead(in, true); len(fields) > 0 {
		return LeadResult{}, validationFailed(fields)
	}

	lead := store.Lead{ID: c.newID(), OwnerID: actor.ID, Status: store.StatusNew}
	applyLeadInput(&lead, in)
	if strings.TrimSpace(lead.OwnerID) == "" {
		lead.OwnerID = actor.ID
	}

	created, err := c.store.InsertLead(ctx, lead)
	if err != nil {
		return LeadResult{}, storeError(err, "Lead", "ownerId")
	}

	activity, err := c.log.Append(ctx, activitylog.LeadCreated(created, actor.ID))
	if err != nil {
		c.undoCreate(ctx, created.ID, err)
		return LeadResult{}, fmt.Errorf("record lead creation: %w", err)
	}
	c.metrics.RecordLeadMutation("create")

	owner := c.ownerOf(ctx, created)
	result := LeadResult{Lead: created, Activity: &activity}
	result.Notification = c.notifier.Notify(ctx, notify.LeadCreated(actor.ID, owner, created))
	return result, nil
}

// LeadDetail is a lead with its timeline, newest first.
type LeadDetail struct {
	store.Lead
	Activities []store.Activity `json:"activities"`
}

func (c *LeadCoordinator) Get(ctx context.Context, actor rbac.Actor, leadID string) (LeadDetail, error) {
	lead, err := c.loadForActor(ctx, actor, leadID)
	if err != nil {
		return LeadDetail{}, err
	}
	activities, err := c.log.ListForLead(ctx, lead.ID)
	if err != nil {
		return LeadDetail{}, err
	}
	return LeadDetail{Lead: lead, Activities: activities}, nil
}

// List scopes sales executives to their own leads.
func (c *LeadCoordinator) List(ctx context.Context, actor rbac.Actor, query LeadQuery) (LeadPage, error) {
	var fields []FieldError
	if query.Status != "" && !store.LeadStatus(query.Status).Valid() {
		fields = append(fields, FieldError{Field: "status", Message: "Invalid status"})
	}
	if query.Page < 0 {
		fields = append(fields, FieldError{Field: "page", Message: "Page must be positive"})
	}
	if query.Limit < 0 {
		fields = append(fields, FieldError{Field: "limit", Message: "Limit must be positive"})
	}
	if len(fields) > 0 {
		return LeadPage{}, validationFailed(fields)
	}

	page, limit := query.Page, query.Limit
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if page-1 > maxOffset/limit {
		return LeadPage{}, validationFailed([]FieldError{{Field: "page", Message: "Page is out of range"}})
	}

	filter := store.LeadFilter{
		Status: store.LeadStatus(query.Status),
		Search: strings.TrimSpace(query.Search),
		Limit:  limit,
		Offset: (page - 1) * limit,
	}
	if !rbac.Privileged(actor.Role) {
		filter.OwnerID = actor.ID
	}

	leads, total, err := c.store.ListLeads(ctx, filter)
	if err != nil {
		return LeadPage{}, err
	}
	return LeadPage{
		Leads: leads,
		Total: total,
		Page:  page,
		Pages: int(math.Ceil(float64(total) / float64(limit))),
	}, nil
}

// Update is gated on the owner before the update, so a reassigning actor must own the lead
// as it is now. A changed status writes exactly one status activity.
func (c *LeadCoordinator) Update(ctx context.Context, actor rbac.Actor, leadID string, in LeadInput) (LeadResult, error) {
	if fields := validateLead(in, false); len(fields) > 0 {
		return LeadResult{}, validationFailed(fields)
	}

	current, err := c.loadForActor(ctx, actor, leadID)
	if err != nil {
		return LeadResult{}, err
	}
	previousStatus := current.Status

	next := current
	applyLeadInput(&next, in)
	if strings.TrimSpace(next.OwnerID) == "" {
		next.OwnerID = current.OwnerID
	}

	updated, err := c.store.UpdateLead(ctx, next)
	if err != nil {
		return LeadResult{}, storeError(err, "Lead", "ownerId")
	}

	result := LeadResult{Lead: updated}
	if updated.Status != previousStatus {
		activity, err := c.log.Append(ctx, activitylog.StatusChanged(updated.ID, actor.ID, previousStatus, updated.Status))
		if err != nil {
			c.undoUpdate(ctx, current, in, err)
			return LeadResult{}, fmt.Errorf("record status change: %w", err)
		}
		result.Activity = &activity
	}
	c.metrics.RecordLeadMutation("update")

	owner := c.ownerOf(ctx, updated)
	result.Notification = c.notifier.Notify(ctx, notify.LeadUpdated(actor.ID, owner, updated))
	return result, nil
}

// Delete removes the lead and, through the store, its activities. Nobody is notified.
func (c *LeadCoordinator) Delete(ctx context.Context, actor rbac.Actor, leadID string) error {
	if _, err := c.loadForActor(ctx, actor, leadID); err != nil {
		return err
	}
	if err := c.store.DeleteLead(ctx, leadID); err != nil {
		return storeError(err, "Lead", "id")
	}
	c.metrics.RecordLeadMutation("delete")
	return nil
}

// loadForActor reads a lead and applies the ownership policy. A missing lead is reported
// as not found before any access decision.
func (c *LeadCoordinator) loadForActor(ctx context.Context, actor rbac.Actor, leadID string) (store.Lead, error) {
	lead, err := c.store.GetLead(ctx, leadID)
	if err != nil {
		return store.Lead{}, storeError(err, "Lead", "id")
	}
	if !actor.CanAccess(lead.OwnerID) {
		c.metrics.RecordAccessDenied("lead")
		return store.Lead{}, forbidden("Not authorized to access this lead")
	}
	return lead, nil
}

// ownerOf resolves the notification target. A lookup failure only costs the email channel.
func (c *LeadCoordinator) ownerOf(ctx context.Context, lead store.Lead) store.User {
	if lead.Owner != nil && lead.Owner.ID == lead.OwnerID && lead.Owner.Email != "" {
		return store.User{ID: lead.Owner.ID, Name: lead.Owner.Name, Email: lead.Owner.Email}
	}
	owner, err := c.store.GetUserByID(ctx, lead.OwnerID)
	if err != nil {
		c.logger.Warn("lead owner lookup failed",
			slog.String("lead_id", lead.ID),
			slog.String("owner_id", lead.OwnerID),
			slog.String("error", err.Error()),
		)
		return store.User{ID: lead.OwnerID}
	}
	return owner
}

func (c *LeadCoordinator) undoCreate(ctx context.Context, leadID string, cause error) {
	if err := c.store.DeleteLead(context.WithoutCancel(ctx), leadID); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Error("rollback of lead creation failed",
			slog.String("lead_id", leadID),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()),
		)
	}
}

// undoUpdate restores the columns set by in to their pre-update values on top of the current
// row, so a concurrent writer's changes to other columns survive.
func (c *LeadCoordinator) undoUpdate(ctx context.Context, previous store.Lead, in LeadInput, cause error) {
	ctx = context.WithoutCancel(ctx)
	current, err := c.store.GetLead(ctx, previous.ID)
	if err == nil {
		restoreLeadFields(&current, previous, in)
		_, err = c.store.UpdateLead(ctx, current)
	}
	if err != nil {
		c.logger.Error("rollback of lead update failed",
			slog.String("lead_id", previous.ID),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()),
		)
	}
}

func validateLead(in LeadInput, creating bool) []FieldError {
	var fields []FieldError
	required := func(field string, value *string, message string) {
		if (creating && value == nil) || (value != nil && strings.TrimSpace(*value) == "") {
			fields = append(fields, FieldError{Field: field, Message: message})
		}
	}
	required("firstName", in.FirstName, "First name is required")
	required("lastName", in.LastName, "Last name is required")
	// names end up in mail headers
	printable := func(field string, value *string, message string) {
		if value != nil && strings.ContainsFunc(*value, unicode.IsControl) {
			fields = append(fields, FieldError{Field: field, Message: message})
		}
	}
	printable("firstName", in.FirstName, "First name must not contain control characters")
	printable("lastName", in.LastName, "Last name must not contain control characters")

	if (creating && in.Email == nil) || (in.Email != nil && !util.ValidEmail(*in.Email)) {
		fields = append(fields, FieldError{Field: "email", Message: "Valid email is required"})
	}
	if in.Status != nil && !store.LeadStatus(*in.Status).Valid() {
		fields = append(fields, FieldError{Field: "status", Message: "Invalid status"})
	}
	if in.EstimatedValue != nil && (*in.EstimatedValue < 0 || math.IsNaN(*in.EstimatedValue) || math.IsInf(*in.EstimatedValue, 0)) {
		fields = append(fields, FieldError{Field: "estimatedValue", Message: "Estimated value must be a positive number"})
	}
	return fields
}

func applyLeadInput(lead *store.Lead, in LeadInput) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&lead.FirstName, in.FirstName)
	set(&lead.LastName, in.LastName)
	set(&lead.Phone, in.Phone)
	set(&lead.Company, in.Company)
	set(&lead.Source, in.Source)
	set(&lead.OwnerID, in.OwnerID)
	if in.Email != nil {
		lead.Email = util.NormalizeEmail(*in.Email)
	}
	if in.Notes != nil {
		lead.Notes = *in.Notes
	}
	if in.Status != nil {
		lead.Status = store.LeadStatus(*in.Status)
	}
	if in.EstimatedValue != nil {
		lead.EstimatedValue = *in.EstimatedValue
	}
}

// restoreLeadFields copies from previous every field that in sets.
func restoreLeadFields(lead *store.Lead, previous store.Lead, in LeadInput) {
	if in.FirstName != nil {
		lead.FirstName = previous.FirstName
	}
	if in.LastName != nil {
		lead.LastName = previous.LastName
	}
	if in.Email != nil {
		lead.Email = previous.Email
	}
	if in.Phone != nil {
		lead.Phone = previous.Phone
	}
	if in.Company != nil {
		lead.Company = previous.Company
	}
	if in.Status != nil {
		lead.Status = previous.Status
	}
	if in.Source != nil {
		lead.Source = previous.Source
	}
	if in.EstimatedValue != nil {
		lead.EstimatedValue = previous.EstimatedValue
	}
	if in.Notes != nil {
		lead.Notes = previous.Notes
	}
	if in.OwnerID != nil {
		lead.OwnerID = previous.OwnerID
	}
}
