package models

import (
	"time"

	"github.com/google/uuid"
)

// UserActivity is the per-user counter record kept by the activity store.
type UserActivity struct {
	UserID       string     `json:"user_id"`
	SearchCount  int        `json:"searches"`
	UploadCount  int        `json:"uploads"`
	LastActivity *time.Time `json:"last_activity"`
}

// NewUserActivity returns a zeroed record for userID.
func NewUserActivity(userID string) *UserActivity {
	return &UserActivity{UserID: userID}
}

// ActivityKind is a countable user action.
type ActivityKind string

const (
	ActivitySearch ActivityKind = "search"
	ActivityUpload ActivityKind = "upload"
)

// Record bumps the counter for kind and stamps the activity time.
func (a *UserActivity) Record(kind ActivityKind, at time.Time) {
	switch kind {
	case ActivitySearch:
		a.SearchCount++
	case ActivityUpload:
		a.UploadCount++
	}
	t := at.UTC()
	a.LastActivity = &t
}

// PredictionFile records one enriched dataset returned to a user.
type PredictionFile struct {
	ID           uuid.UUID `json:"id"`
	UserID       string    `json:"user_id"`
	Filename     string    `json:"filename"`
	RowCount     int       `json:"rows"`
	ColumnCount  int       `json:"columns"`
	UploadNumber int       `json:"upload_number"`
	CreatedAt    time.Time `json:"timestamp"`
}

// LookupValue is one distinct (source, column, value) triple in the lookup store.
type LookupValue struct {
	Source string
	Column string
	Value  string
}
