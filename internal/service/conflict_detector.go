package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/noah-isme/changeset-api/internal/models"
	"github.com/noah-isme/changeset-api/internal/repository"
)

// VersionKey is the payload key a caller uses to send the updated_at it last read.
const VersionKey = "_version"

// StaleComparison selects how the incoming version is compared to updated_at.
type StaleComparison string

const (
	// StaleStrict flags data as stale when updated_at is after the incoming version.
	StaleStrict StaleComparison = "strict"
	// StaleInclusive also flags an equal timestamp as stale.
	StaleInclusive StaleComparison = "inclusive"
)

// ParseStaleComparison validates a configured comparison name.
func ParseStaleComparison(value string) (StaleComparison, error) {
	switch StaleComparison(strings.ToLower(strings.TrimSpace(value))) {
	case "", StaleStrict:
		return StaleStrict, nil
	case StaleInclusive:
		return StaleInclusive, nil
	default:
		return "", fmt.Errorf("unknown stale comparison %q", value)
	}
}

// ConflictPolicy tunes the conflict heuristics.
type ConflictPolicy struct {
	Window          time.Duration
	StaleComparison StaleComparison
}

// DefaultConflictPolicy returns the five minute window with strict staleness.
func DefaultConflictPolicy() ConflictPolicy {
	return ConflictPolicy{Window: 5 * time.Minute, StaleComparison: StaleStrict}
}

// DetectInput describes a change about to be applied.
type DetectInput struct {
	ChangeSetID string
	TenantID    string
	EntityType  string
	EntityID    string
	UserID      string
	Current     map[string]interface{}
	Incoming    map[string]interface{}
}

// ConflictDetector flags concurrent edits and stale reads. It never locks.
type ConflictDetector struct {
	changeSets repository.ChangeSetRepository
	policy     ConflictPolicy
	now        func() time.Time
}

// NewConflictDetector constructs a detector. Zero policy fields fall back to defaults.
func NewConflictDetector(changeSets repository.ChangeSetRepository, policy ConflictPolicy) *ConflictDetector {
	defaults := DefaultConflictPolicy()
	if policy.Window <= 0 {
		policy.Window = defaults.Window
	}
	if policy.StaleComparison == "" {
		policy.StaleComparison = defaults.StaleComparison
	}
	return &ConflictDetector{changeSets: changeSets, policy: policy, now: time.Now}
}

// Policy returns the active policy.
func (d *ConflictDetector) Policy() ConflictPolicy {
	return d.policy
}

// Detect returns unsaved conflict records; an empty result means the change may proceed.
func (d *ConflictDetector) Detect(ctx context.Context, in DetectInput) ([]models.ChangeConflict, error) {
	var conflicts []models.ChangeConflict

	inFlight, err := d.changeSets.ListInFlight(ctx, repository.InFlightQuery{
		TenantID:      in.TenantID,
		EntityType:    in.EntityType,
		EntityID:      in.EntityID,
		ExcludeID:     in.ChangeSetID,
		ExcludeUserID: in.UserID,
		Since:         d.now().UTC().Add(-d.policy.Window),
	})
	if err != nil {
		return nil, fmt.Errorf("list in-flight change sets: %w", err)
	}
	if len(inFlight) > 0 {
		ids := make([]interface{}, 0, len(inFlight))
		users := make([]interface{}, 0, len(inFlight))
		for _, other := range inFlight {
			ids = append(ids, other.ID)
			users = append(users, other.UserID)
		}
		conflicts = append(conflicts, models.ChangeConflict{
			TenantID:     in.TenantID,
			ConflictType: models.ConflictTypeConcurrentEdit,
			ConflictData: datatypes.JSONMap{
				"concurrent_change_set_ids": ids,
				"concurrent_users":          users,
				"window":                    d.policy.Window.String(),
			},
		})
	}

	if raw, ok := in.Incoming[VersionKey]; ok && raw != nil {
		incomingVersion, okIncoming := parseTimestamp(raw)
		currentVersion, okCurrent := parseTimestamp(in.Current["updated_at"])
		if !okIncoming {
			return nil, &ValidationError{Errors: fieldErrors(VersionKey, "must be an RFC3339 timestamp or unix milliseconds")}
		}
		if okCurrent && d.isStale(currentVersion, incomingVersion) {
			conflicts = append(conflicts, models.ChangeConflict{
				TenantID:     in.TenantID,
				ConflictType: models.ConflictTypeStaleData,
				ConflictData: datatypes.JSONMap{
					"current_version":  currentVersion.UTC().Format(time.RFC3339Nano),
					"incoming_version": incomingVersion.UTC().Format(time.RFC3339Nano),
					"comparison":       string(d.policy.StaleComparison),
				},
			})
		}
	}

	return conflicts, nil
}

func (d *ConflictDetector) isStale(current, incoming time.Time) bool {
	if d.policy.StaleComparison == StaleInclusive {
		return !current.Before(incoming)
	}
	return current.After(incoming)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func parseTimestamp(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, true
	case string:
		trimmed := strings.TrimSpace(v)
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, trimmed); err == nil {
				return parsed, true
			}
		}
		return time.Time{}, false
	case json.Number:
		ms, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms), true
	case float64:
		return time.UnixMilli(int64(v)), true
	case int64:
		return time.UnixMilli(v), true
	case int:
		return time.UnixMilli(int64(v)), true
	default:
		return time.Time{}, false
	}
}
