// Package entity maps entity type names onto the tables and validation rules the
// change pipeline is allowed to touch.
package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gorm.io/gorm"
)

// ErrUnknownType is returned for entity types that were never registered.
var ErrUnknownType = errors.New("unknown entity type")

// FieldError describes a single invalid field in a proposed change.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// RuleFunc checks cross-field constraints against the merged entity state.
type RuleFunc func(merged map[string]interface{}) []FieldError

// Definition declares an entity type that can be changed through change sets.
type Definition struct {
	Name   string
	Model  interface{}
	Fields []string
	Schema string
	Rules  RuleFunc
}

// Type is a registered, validated definition.
type Type struct {
	Name   string
	Table  string
	Model  interface{}
	fields map[string]struct{}
	schema *jsonschema.Schema
	rules  RuleFunc
}

// Registry resolves entity type names to their definitions.
type Registry struct {
	types map[string]*Type
}

// NewRegistry validates every definition against the database and compiles its schema.
func NewRegistry(db *gorm.DB, defs ...Definition) (*Registry, error) {
	if db == nil {
		return nil, errors.New("entity registry requires a database")
	}
	if len(defs) == 0 {
		return nil, errors.New("entity registry requires at least one definition")
	}

	registry := &Registry{types: make(map[string]*Type, len(defs))}
	for _, def := range defs {
		name := strings.ToLower(strings.TrimSpace(def.Name))
		if name == "" {
			return nil, errors.New("entity definition name is required")
		}
		if _, exists := registry.types[name]; exists {
			return nil, fmt.Errorf("entity type %q registered twice", name)
		}
		if def.Model == nil {
			return nil, fmt.Errorf("entity type %q has no model", name)
		}
		if len(def.Fields) == 0 {
			return nil, fmt.Errorf("entity type %q declares no mutable fields", name)
		}

		stmt := &gorm.Statement{DB: db}
		if err := stmt.Parse(def.Model); err != nil {
			return nil, fmt.Errorf("parse model for entity type %q: %w", name, err)
		}
		if !db.Migrator().HasTable(def.Model) {
			return nil, fmt.Errorf("table %q for entity type %q does not exist", stmt.Schema.Table, name)
		}

		fields := make(map[string]struct{}, len(def.Fields))
		for _, field := range def.Fields {
			if stmt.Schema.LookUpField(field) == nil {
				return nil, fmt.Errorf("entity type %q has no column %q", name, field)
			}
			fields[field] = struct{}{}
		}

		schema, err := compileSchema(name, def.Schema)
		if err != nil {
			return nil, err
		}

		registry.types[name] = &Type{
			Name:   name,
			Table:  stmt.Schema.Table,
			Model:  def.Model,
			fields: fields,
			schema: schema,
			rules:  def.Rules,
		}
	}

	return registry, nil
}

func compileSchema(name, source string) (*jsonschema.Schema, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	url := "mem://entities/" + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(source)); err != nil {
		return nil, fmt.Errorf("load schema for entity type %q: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for entity type %q: %w", name, err)
	}
	return schema, nil
}

// Lookup returns the registered type or ErrUnknownType.
func (r *Registry) Lookup(name string) (*Type, error) {
	if r == nil {
		return nil, ErrUnknownType
	}
	t, ok := r.types[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return t, nil
}

// Names lists the registered entity types in alphabetical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasField reports whether the column may be changed through a change set.
func (t *Type) HasField(field string) bool {
	_, ok := t.fields[field]
	return ok
}

// Mutable keeps only the registered mutable fields of values.
func (t *Type) Mutable(values map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(t.fields))
	for key, value := range values {
		if t.HasField(key) {
			result[key] = value
		}
	}
	return result
}

// Validate checks a delta against the schema and the merged state against the rules.
func (t *Type) Validate(delta, current map[string]interface{}) []FieldError {
	var problems []FieldError

	changed := make(map[string]interface{}, len(delta))
	merged := make(map[string]interface{}, len(current)+len(delta))
	for key, value := range current {
		merged[key] = value
	}
	for key, value := range delta {
		if !t.HasField(key) {
			problems = append(problems, FieldError{Field: key, Message: "field cannot be changed"})
		}
		if stored, ok := current[key]; !ok || !sameValue(stored, value) {
			changed[key] = value
		}
		merged[key] = value
	}

	// Values already stored are not re-checked against the schema.
	if t.schema != nil && len(changed) > 0 {
		normalized, err := normalize(changed)
		if err != nil {
			problems = append(problems, FieldError{Field: "changes", Message: err.Error()})
		} else if err := t.schema.Validate(normalized); err != nil {
			problems = append(problems, schemaErrors(err)...)
		}
	}

	if t.rules != nil {
		problems = append(problems, t.rules(merged)...)
	}

	sort.SliceStable(problems, func(i, j int) bool {
		return problems[i].Field < problems[j].Field
	})
	return problems
}

func sameValue(a, b interface{}) bool {
	if x, ok := number(a); ok {
		y, ok := number(b)
		return ok && x == y
	}
	return reflect.DeepEqual(a, b)
}

func normalize(values map[string]interface{}) (interface{}, error) {
	payload, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("changes are not serialisable: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func schemaErrors(err error) []FieldError {
	var validationErr *jsonschema.ValidationError
	if !errors.As(err, &validationErr) {
		return []FieldError{{Field: "changes", Message: err.Error()}}
	}

	var out []FieldError
	seen := map[string]struct{}{}
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			field := strings.TrimPrefix(e.InstanceLocation, "/")
			if field == "" {
				field = "changes"
			}
			// anyOf branches report one leaf each; keep the first per field.
			if _, ok := seen[field]; ok {
				return
			}
			seen[field] = struct{}{}
			out = append(out, FieldError{Field: field, Message: e.Message})
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(validationErr)
	return out
}
