package dto

import "time"

// AuditLogRequest describes an entity mutation to record.
type AuditLogRequest struct {
	Action     string
	EntityType string
	EntityID   string
	UserID     string
	TenantID   string
	OldValues  map[string]interface{}
	NewValues  map[string]interface{}
	Context    map[string]interface{}
}

// UserActivityRequest describes a user action captured at the HTTP edge.
type UserActivityRequest struct {
	Action    string
	UserID    string
	TenantID  string
	Metadata  map[string]interface{}
	Method    string
	Path      string
	Params    map[string]interface{}
	SessionID string
	IPAddress string
	UserAgent string
}

// AuditLogListRequest filters audit log queries.
type AuditLogListRequest struct {
	TenantID   string
	EntityType string
	EntityID   string
	UserID     string
	Action     string
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// UserActivityListRequest filters user activity queries.
type UserActivityListRequest struct {
	TenantID string
	UserID   string
	Action   string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// DailyActivity is the activity total for one calendar day.
type DailyActivity struct {
	Day   string `json:"day"`
	Total int64  `json:"total"`
}

// UserActivityTotal is the activity total of a single user.
type UserActivityTotal struct {
	UserID string `json:"user_id"`
	Total  int64  `json:"total"`
}

// ActionTotal is the number of times an action occurred.
type ActionTotal struct {
	Action string `json:"action"`
	Total  int64  `json:"total"`
}

// ActivityStatsResponse summarises tenant activity over a trailing window.
type ActivityStatsResponse struct {
	Days       int                 `json:"days"`
	Since      time.Time           `json:"since"`
	ByDay      []DailyActivity     `json:"by_day"`
	TopUsers   []UserActivityTotal `json:"top_users"`
	TopActions []ActionTotal       `json:"top_actions"`
}

// CleanupResult reports how many rows retention removed.
type CleanupResult struct {
	Cutoff                time.Time `json:"cutoff"`
	AuditLogsDeleted      int64     `json:"audit_logs_deleted"`
	UserActivitiesDeleted int64     `json:"user_activities_deleted"`
}
