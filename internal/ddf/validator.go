package ddf

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator validates DDF JSON documents against a JSON Schema, caching
// compiled schemas keyed by their raw bytes. Adapted from the teacher's
// pkg/device/schema.Validator, which validated device state payloads against
// a per-device schema; here the same cached-compiler pattern validates DDF
// documents themselves against one fixed meta-schema before they are cached.
type Validator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewValidator creates a new Validator with an empty cache.
func NewValidator() *Validator {
	return &Validator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate validates payload against the given JSON Schema document. Returns
// nil if valid, or an error describing the validation failures.
func (v *Validator) Validate(schemaDoc json.RawMessage, payload any) error {
	if len(schemaDoc) == 0 || string(schemaDoc) == "{}" || string(schemaDoc) == "null" {
		return nil
	}

	compiled, err := v.compile(schemaDoc)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return compiled.Validate(payload)
}

func (v *Validator) compile(schemaDoc json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schemaDoc)

	v.mu.RLock()
	if s, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return s, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.cache[key]; ok {
		return s, nil
	}

	var schemaMap any
	if err := json.Unmarshal(schemaDoc, &schemaMap); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("ddf.json", schemaMap); err != nil {
		return nil, fmt.Errorf("add resource: %w", err)
	}
	compiled, err := c.Compile("ddf.json")
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// MetaSchema is the JSON Schema every DDF document is validated against
// before being cached: it only constrains the top-level match criteria and
// the shape of each item's access-parameter objects. Function-specific
// fields (§4.D) are not validated anywhere; binding only drops access
// parameters whose fn value is unknown.
var MetaSchema = json.RawMessage(`{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["manufacturer", "model", "subdevices"],
	"properties": {
		"manufacturer": {"type": "string"},
		"model": {"type": "string"},
		"subdevices": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"additionalProperties": {
					"type": "object",
					"properties": {
						"read": {"type": "object"},
						"parse": {"type": "object"},
						"write": {"type": "object"}
					}
				}
			}
		}
	}
}`)
