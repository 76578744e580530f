package model

import (
	"bytes"
	"context"
	"encoding/json"

	"bringyour.com/erpclient/rpc"
)

type FieldType string

const (
	FieldTypeChar       FieldType = "char"
	FieldTypeText       FieldType = "text"
	FieldTypeInteger    FieldType = "integer"
	FieldTypeBigInteger FieldType = "biginteger"
	FieldTypeFloat      FieldType = "float"
	FieldTypeNumeric    FieldType = "numeric"
	FieldTypeBoolean    FieldType = "boolean"
	FieldTypeDate       FieldType = "date"
	FieldTypeDateTime   FieldType = "datetime"
	FieldTypeSelection  FieldType = "selection"
	FieldTypeMany2One   FieldType = "many2one"
	FieldTypeOne2Many   FieldType = "one2many"
	FieldTypeMany2Many  FieldType = "many2many"
	FieldTypeReference  FieldType = "reference"
)

// field metadata as returned by `fields_get`
type FieldDefinition struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	String   string    `json:"string"`
	Required bool      `json:"required"`
	Readonly bool      `json:"readonly"`
	// the related model of many2one, one2many and many2many fields
	Relation string `json:"relation"`
	// the field of the related model pointing back, for one2many
	RelationField string `json:"relation_field"`
	// the server implements `on_change_<name>`
	OnChange bool `json:"on_change"`
	// the server implements `on_change_with_<name>`
	OnChangeWith bool `json:"on_change_with"`
	// the fields sent with an on change call
	Depends []string `json:"depends"`
	// nil when the server domain is not a plain list
	Domain []any `json:"-"`
	// definitions of the related model for x2many fields, from the view
	Fields map[string]*FieldDefinition `json:"-"`
}

type fieldDefinitionJson FieldDefinition

// `domain` and `required` may be pyson encoded strings
// only plain values are kept
func (self *FieldDefinition) UnmarshalJSON(b []byte) error {
	var raw struct {
		fieldDefinitionJson
		Required any `json:"required"`
		Readonly any `json:"readonly"`
		Domain   any `json:"domain"`
	}
	decoder := json.NewDecoder(bytes.NewReader(b))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	*self = FieldDefinition(raw.fieldDefinitionJson)
	self.Required, _ = raw.Required.(bool)
	self.Readonly, _ = raw.Readonly.(bool)
	self.Domain = parseDomain(raw.Domain)
	return nil
}

func parseDomain(value any) []any {
	switch v := value.(type) {
	case []any:
		return normalizeNumber(v).([]any)
	case string:
		var domain []any
		decoder := json.NewDecoder(bytes.NewReader([]byte(v)))
		decoder.UseNumber()
		if err := decoder.Decode(&domain); err != nil {
			return nil
		}
		return normalizeNumber(domain).([]any)
	default:
		return nil
	}
}

func (self *FieldDefinition) IsX2Many() bool {
	return self.Type == FieldTypeOne2Many || self.Type == FieldTypeMany2Many
}

// converts a value decoded from the server into the local representation:
// integers as int64, floats as float64, relations as int64 ids and x2many as []int64
func (self *FieldDefinition) Normalize(value any) any {
	if value == nil {
		if self.IsX2Many() {
			return []int64{}
		}
		return nil
	}
	switch self.Type {
	case FieldTypeInteger, FieldTypeBigInteger:
		if i, ok := toInt64(value); ok {
			return i
		}
	case FieldTypeFloat, FieldTypeNumeric:
		if f, ok := toFloat64(value); ok {
			return f
		}
		if s, ok := value.(string); ok {
			// numeric values may be sent as decimal strings
			if f, err := json.Number(s).Float64(); err == nil {
				return f
			}
		}
	case FieldTypeMany2One:
		if b, ok := value.(bool); ok && !b {
			return nil
		}
		if i, ok := toInt64(value); ok {
			return i
		}
	case FieldTypeOne2Many, FieldTypeMany2Many:
		if b, ok := value.(bool); ok && !b {
			return []int64{}
		}
		return toIds(value)
	case FieldTypeBoolean:
		if b, ok := value.(bool); ok {
			return b
		}
		return false
	}
	return normalizeNumber(value)
}

// the empty value for required checks
func (self *FieldDefinition) IsEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []int64:
		return len(v) == 0
	case []any:
		return len(v) == 0
	case bool:
		return self.Type != FieldTypeBoolean && !v
	}
	return false
}

func normalizeValue(fields map[string]*FieldDefinition, name string, value any) any {
	if field, ok := fields[name]; ok {
		return field.Normalize(value)
	}
	return normalizeNumber(value)
}

// fetches the field definitions of a model
func FieldsGet(ctx context.Context, executor rpc.Executor, modelName string, context map[string]any) (map[string]*FieldDefinition, error) {
	fields, err := rpc.Execute[map[string]*FieldDefinition](ctx, executor, method(modelName, "fields_get"), nil, context)
	if err != nil {
		return nil, err
	}
	for name, field := range fields {
		if field.Name == "" {
			field.Name = name
		}
	}
	return fields, nil
}
