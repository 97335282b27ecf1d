package store

import "time"

// Update categories. Legacy records occasionally carry values outside
// this set (testing, other); they are normalized to CategoryDev at the
// read boundary, the same default the AI classifier falls back to.
const (
	CategoryDesign    = "design"
	CategoryDev       = "dev"
	CategoryMarketing = "marketing"
)

// Update review statuses. Legacy records may have no status at all;
// those read as StatusPending.
const (
	StatusPending       = "pending"
	StatusApproved      = "approved"
	StatusNeedsRevision = "needs_revision"
)

func ValidCategory(value string) bool {
	return value == CategoryDesign || value == CategoryDev || value == CategoryMarketing
}

func canonicalCategory(value string) string {
	if ValidCategory(value) {
		return value
	}
	return CategoryDev
}

type Client struct {
	ID        string
	Name      string
	Email     string
	Phone     string
	Company   string
	LogoURL   string
	CreatedAt time.Time
}

type Project struct {
	ID        string
	ClientID  string
	Name      string
	Status    string // active | completed
	Deadline  *time.Time
	CreatedAt time.Time
}

// Update is a customer-visible milestone note attached to a project.
// Description holds either the operator's raw technical note or the
// AI-rewritten customer-facing paragraph.
type Update struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Category    string
	Status      string
	ImageURL    string
	ReviewedAt  *time.Time
	ReviewedBy  string
	CreatedAt   time.Time
}

type User struct {
	ID           string
	Email        string
	Role         string // admin | client
	ClientID     string // set when Role == client, scopes visibility
	PasswordHash string
	CreatedAt    time.Time
}

// PermissionDenial records a scope violation for the audit trail.
type PermissionDenial struct {
	ID           int64
	ActorID      string
	ActorEmail   string
	Action       string
	ResourceType string
	ResourceID   string
	Role         string
	Path         string
	Method       string
	CreatedAt    time.Time
}
