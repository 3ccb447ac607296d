package service

import (
	"encoding/json"
	"reflect"

	"github.com/noah-isme/changeset-api/internal/dto"
	"github.com/noah-isme/changeset-api/internal/entity"
	"github.com/noah-isme/changeset-api/internal/models"
)

// diffValues reports every key whose value differs between two snapshots.
func diffValues(before, after map[string]interface{}) map[string]dto.FieldDiff {
	diff := map[string]dto.FieldDiff{}
	for key, next := range after {
		prev, ok := before[key]
		if !ok || !reflect.DeepEqual(prev, next) {
			diff[key] = dto.FieldDiff{From: prev, To: next}
		}
	}
	for key, prev := range before {
		if _, ok := after[key]; !ok {
			diff[key] = dto.FieldDiff{From: prev, To: nil}
		}
	}
	return diff
}

// diffFromChanges derives a diff from the declared changes when no older snapshot is available.
func diffFromChanges(changeSet models.ChangeSet) map[string]dto.FieldDiff {
	diff := make(map[string]dto.FieldDiff, len(changeSet.Changes))
	for key, next := range changeSet.Changes {
		if key == VersionKey {
			continue
		}
		var prev interface{}
		if changeSet.OldValues != nil {
			prev = changeSet.OldValues[key]
		}
		diff[key] = dto.FieldDiff{From: prev, To: next}
	}
	return diff
}

func stripControlKeys(changes map[string]interface{}) map[string]interface{} {
	delta := make(map[string]interface{}, len(changes))
	for key, value := range changes {
		if key == VersionKey {
			continue
		}
		delta[key] = value
	}
	return delta
}

// plainNumbers turns json.Number values read back from JSON columns into int64 or float64.
func plainNumbers(values map[string]interface{}) map[string]interface{} {
	for key, value := range values {
		number, ok := value.(json.Number)
		if !ok {
			continue
		}
		if i, err := number.Int64(); err == nil {
			values[key] = i
		} else if f, err := number.Float64(); err == nil {
			values[key] = f
		}
	}
	return values
}

func mergeValues(base, delta map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(delta))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range delta {
		merged[key] = value
	}
	return merged
}

func copyValues(values map[string]interface{}) map[string]interface{} {
	if values == nil {
		return map[string]interface{}{}
	}
	return mergeValues(values, nil)
}

func fieldErrors(field, message string) []entity.FieldError {
	return []entity.FieldError{{Field: field, Message: message}}
}
