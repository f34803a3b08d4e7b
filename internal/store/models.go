package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a unique column (e.g. user email) is already taken.
	ErrConflict = errors.New("record conflicts with an existing one")
	// ErrInvalidReference is returned when a foreign key (e.g. lead owner) points at nothing.
	ErrInvalidReference = errors.New("referenced record does not exist")
)

type LeadStatus string

const (
	StatusNew         LeadStatus = "New"
	StatusContacted   LeadStatus = "Contacted"
	StatusQualified   LeadStatus = "Qualified"
	StatusProposal    LeadStatus = "Proposal"
	StatusNegotiation LeadStatus = "Negotiation"
	StatusWon         LeadStatus = "Won"
	StatusLost        LeadStatus = "Lost"
)

var LeadStatuses = []LeadStatus{
	StatusNew, StatusContacted, StatusQualified, StatusProposal, StatusNegotiation, StatusWon, StatusLost,
}

func (s LeadStatus) Valid() bool {
	for _, status := range LeadStatuses {
		if s == status {
			return true
		}
	}
	return false
}

type ActivityType string

const (
	ActivityNote         ActivityType = "Note"
	ActivityCall         ActivityType = "Call"
	ActivityMeeting      ActivityType = "Meeting"
	ActivityEmail        ActivityType = "Email"
	ActivityStatusChange ActivityType = "Status Change"
)

var ActivityTypes = []ActivityType{
	ActivityNote, ActivityCall, ActivityMeeting, ActivityEmail, ActivityStatusChange,
}

func (t ActivityType) Valid() bool {
	for _, activityType := range ActivityTypes {
		if t == activityType {
			return true
		}
	}
	return false
}

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// UserSummary is the public projection of a user embedded in lead and activity payloads.
type UserSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (u User) Summary() *UserSummary {
	return &UserSummary{ID: u.ID, Name: u.Name, Email: u.Email}
}

type Lead struct {
	ID             string       `json:"id"`
	FirstName      string       `json:"firstName"`
	LastName       string       `json:"lastName"`
	Email          string       `json:"email"`
	Phone          string       `json:"phone"`
	Company        string       `json:"company"`
	Status         LeadStatus   `json:"status"`
	Source         string       `json:"source"`
	EstimatedValue float64      `json:"estimatedValue"`
	Notes          string       `json:"notes"`
	OwnerID        string       `json:"ownerId"`
	Owner          *UserSummary `json:"owner,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

func (l Lead) FullName() string {
	return l.FirstName + " " + l.LastName
}

type Activity struct {
	ID          string         `json:"id"`
	Type        ActivityType   `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	LeadID      string         `json:"leadId"`
	UserID      string         `json:"userId"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	User        *UserSummary   `json:"user,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// LeadFilter narrows ListLeads. Zero values mean "no restriction".
type LeadFilter struct {
	OwnerID string
	Status  LeadStatus
	Search  string
	Limit   int
	Offset  int
}
