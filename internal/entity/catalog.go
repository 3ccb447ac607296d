package entity

import (
	"encoding/json"

	"github.com/noah-isme/changeset-api/internal/models"
)

// Entity type names exposed by the marketplace.
const (
	TypeProduct       = "product"
	TypeTalentProfile = "talent_profile"
)

const productSchema = `{
  "type": "object",
  "properties": {
    "name":        {"type": "string", "minLength": 1, "maxLength": 255},
    "description": {"type": "string", "maxLength": 5000},
    "price":       {"type": "number", "minimum": 0},
    "currency":    {"type": "string", "pattern": "^[A-Z]{3}$"},
    "stock":       {"type": "integer", "minimum": 0},
    "status":      {"enum": ["draft", "published", "archived"]}
  }
}`

const talentProfileSchema = `{
  "type": "object",
  "properties": {
    "display_name": {"type": "string", "minLength": 1, "maxLength": 255},
    "bio":          {"type": "string", "maxLength": 5000},
    "city":         {"type": "string", "maxLength": 128},
    "height_cm":    {"type": "integer", "anyOf": [{"const": 0}, {"minimum": 100, "maximum": 250}]},
    "hourly_rate":  {"type": "number", "minimum": 0},
    "status":       {"enum": ["available", "booked", "unavailable"]}
  }
}`

// Marketplace returns the entity definitions shipped with the API.
func Marketplace() []Definition {
	return []Definition{
		{
			Name:   TypeProduct,
			Model:  &models.Product{},
			Fields: []string{"name", "description", "price", "currency", "stock", "status"},
			Schema: productSchema,
			Rules:  productRules,
		},
		{
			Name:   TypeTalentProfile,
			Model:  &models.TalentProfile{},
			Fields: []string{"display_name", "bio", "city", "height_cm", "hourly_rate", "status"},
			Schema: talentProfileSchema,
		},
	}
}

func productRules(merged map[string]interface{}) []FieldError {
	status, _ := merged["status"].(string)
	if status != models.ProductStatusPublished {
		return nil
	}
	price, ok := number(merged["price"])
	if !ok || price <= 0 {
		return []FieldError{{Field: "price", Message: "published products need a positive price"}}
	}
	return nil
}

func number(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
