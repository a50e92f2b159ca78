// internal/schema/validator.go
// Package schema provides JSON schema validation for signal documents.
// Inbound report fields are assembled into a document and checked before any
// store is touched.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Document names accepted by Validate.
const (
	DocumentCreate = "signal.create" // New report submitted by a user
	DocumentStatus = "signal.status" // Status update body
	DocumentRegion = "signal.region" // Region update body
)

// ValidationError lists every schema violation found in a document.
type ValidationError struct {
	Document string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Document, strings.Join(e.Problems, "; "))
}

// Validator validates documents against compiled JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Map of document names to JSON schemas
}

// NewValidator compiles every known document schema.
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema),
	}
	if err := v.loadSchemas(); err != nil {
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}
	return v, nil
}

// loadSchemas compiles the schemas for all documents.
func (v *Validator) loadSchemas() error {
	// status enum is kept in sync with model.Statuses by the tests
	createSchema := `{
		"type": "object",
		"required": ["typeSignal", "latitude", "longitude", "status", "date", "username"],
		"properties": {
			"typeSignal":  {"type": "string", "minLength": 1, "maxLength": 64},
			"description": {"type": "string", "maxLength": 2048},
			"latitude":    {"type": "number", "minimum": -90, "maximum": 90},
			"longitude":   {"type": "number", "minimum": -180, "maximum": 180},
			"status":      {"type": "string", "enum": ["pending", "in_progress", "resolved", "rejected"]},
			"date":        {"type": "string", "format": "date"},
			"username":    {"type": "string", "minLength": 1, "maxLength": 128}
		}
	}`
	if err := v.loadSchema(DocumentCreate, createSchema); err != nil {
		return err
	}

	statusSchema := `{"type":"object","required":["status"],"properties":{"status":{"type":"string","enum":["pending","in_progress","resolved","rejected"]}}}`
	if err := v.loadSchema(DocumentStatus, statusSchema); err != nil {
		return err
	}

	regionSchema := `{"type":"object","required":["region"],"properties":{"region":{"type":"string","minLength":1,"maxLength":128}}}`
	return v.loadSchema(DocumentRegion, regionSchema)
}

// loadSchema compiles a single schema.
func (v *Validator) loadSchema(document, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", document, err)
	}
	v.schemas[document] = schema
	return nil
}

// Validate checks record against the schema of document.
// It returns a *ValidationError when the record does not conform.
func (v *Validator) Validate(document string, record map[string]interface{}) error {
	schema, exists := v.schemas[document]
	if !exists {
		return fmt.Errorf("schema not found for document: %s", document)
	}

	recordJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(recordJSON))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		verr := &ValidationError{Document: document}
		for _, desc := range result.Errors() {
			verr.Problems = append(verr.Problems, desc.String())
		}
		return verr
	}
	return nil
}
