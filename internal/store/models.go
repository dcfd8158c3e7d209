package store

import (
	"encoding/json"
	"time"
)

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleUser    = "user"

	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	LocationMainStorage = "main_storage"
	LocationBackstage   = "backstage"
	LocationStage       = "stage"
	LocationOther       = "other"
)

// LocationTypes lists the accepted location types.
var LocationTypes = []string{LocationMainStorage, LocationBackstage, LocationStage, LocationOther}

type Location struct {
	ID          string
	Name        string
	Type        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Group is a named set of items stored at a location. A nil LocationID
// means the group is unassigned.
type Group struct {
	ID         string
	Name       string
	Icon       string
	LocationID *string
	SortOrder  int
	UpdatedAt  time.Time
}

type Item struct {
	ID          string
	Name        string
	Description string
	GroupID     *string
	ImageURL    string
	UpdatedAt   time.Time
}

type Performance struct {
	ID          string
	Title       string
	Description string
	Status      string
	ImageURL    string
	PremiereAt  *time.Time
	UpdatedAt   time.Time
}

type Scene struct {
	ID            string
	PerformanceID string
	ActNumber     int
	SceneNumber   int
	Name          string
}

// PerformanceProp is one line of a performance's prop checklist.
// ColumnIndex 0 is "to prepare" and 1 is "ready".
type PerformanceProp struct {
	ID            string
	PerformanceID string
	ItemName      string
	ColumnIndex   int
	SortOrder     int
	IsChecked     bool
	ImageURL      string
	SceneID       *string
	UpdatedAt     time.Time
}

type Note struct {
	ID            string
	Title         string
	Content       json.RawMessage
	PerformanceID *string
	IsMaster      bool
	UpdatedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NoteRewrite replaces a note's content in the same transaction as a
// scene list change.
type NoteRewrite struct {
	ID        string
	Content   json.RawMessage
	UpdatedBy string
}

type NoteMention struct {
	NoteID     string
	TargetID   string
	TargetType string
	Label      string
}
