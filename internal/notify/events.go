package notify

import (
	"fmt"
	"strings"

	"salesdesk/api/internal/store"
)

// LeadCreated addresses the owner of a freshly created lead.
func LeadCreated(actorID string, owner store.User, lead store.Lead) Event {
	return Event{
		Kind:         KindLeadCreated,
		ActorID:      actorID,
		TargetUserID: lead.OwnerID,
		TargetEmail:  owner.Email,
		LeadName:     lead.FullName(),
		EmailAction:  "created",
		Message:      fmt.Sprintf("New lead %s has been created", lead.FullName()),
		EntityKey:    "lead",
		Record:       lead,
	}
}

// LeadUpdated addresses the lead's owner after the update, which may be a new owner.
func LeadUpdated(actorID string, owner store.User, lead store.Lead) Event {
	return Event{
		Kind:         KindLeadUpdated,
		ActorID:      actorID,
		TargetUserID: lead.OwnerID,
		TargetEmail:  owner.Email,
		LeadName:     lead.FullName(),
		EmailAction:  "updated",
		Message:      fmt.Sprintf("Lead %s has been updated", lead.FullName()),
		EntityKey:    "lead",
		Record:       lead,
	}
}

func ActivityCreated(actorID string, owner store.User, lead store.Lead, activity store.Activity) Event {
	return Event{
		Kind:         KindActivityCreated,
		ActorID:      actorID,
		TargetUserID: lead.OwnerID,
		TargetEmail:  owner.Email,
		LeadName:     lead.FullName(),
		EmailAction:  fmt.Sprintf("New %s added", strings.ToLower(string(activity.Type))),
		Message:      fmt.Sprintf("New %s added to lead %s", activity.Type, lead.FullName()),
		EntityKey:    "activity",
		Record:       activity,
	}
}
