package http

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

const demandSchemaJSON = `{
  "type": "object",
  "required": ["version", "demand"],
  "properties": {
    "version": {"type": "integer", "const": 2},
    "error": {"type": "string"},
    "resource": {
      "type": "object",
      "required": ["url"],
      "properties": {"url": {"type": "string"}}
    },
    "demand": {
      "type": "object",
      "required": ["id", "amount", "destination", "accepts", "expiry"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "amount": {"type": "integer", "minimum": 1},
        "asset": {"type": "string"},
        "network": {"type": "string", "pattern": "^[^:]+:[^:]+$"},
        "destination": {"type": "string", "minLength": 1},
        "accepts": {
          "type": "array",
          "minItems": 1,
          "items": {"enum": ["channel", "onchain"]}
        },
        "expiry": {"type": "string", "format": "date-time"},
        "resource": {"type": "string"}
      }
    },
    "extensions": {"type": "object"}
  }
}`

const proofSchemaJSON = `{
  "type": "object",
  "required": ["version", "proof"],
  "properties": {
    "version": {"type": "integer", "const": 2},
    "proof": {
      "type": "object",
      "required": ["method", "demandId"],
      "properties": {
        "method": {"enum": ["channel", "onchain"]},
        "demandId": {"type": "string", "minLength": 1},
        "channel": {
          "type": "object",
          "required": ["update", "payer", "payee", "amount"]
        },
        "onchain": {
          "type": "object",
          "required": ["txHash", "network", "confirmedAt"]
        }
      },
      "oneOf": [
        {"properties": {"method": {"const": "channel"}}, "required": ["channel"]},
        {"properties": {"method": {"const": "onchain"}}, "required": ["onchain"]}
      ]
    }
  }
}`

var (
	demandSchema = mustSchema(demandSchemaJSON)
	proofSchema  = mustSchema(proofSchemaJSON)
)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded schema: %v", err))
	}
	return schema
}

// ValidationResult represents the result of validating an envelope
type ValidationResult struct {
	Valid  bool
	Errors []string
}

func validate(schema *gojsonschema.Schema, document []byte) ValidationResult {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return ValidationResult{Errors: []string{fmt.Sprintf("schema validation failed: %v", err)}}
	}
	if result.Valid() {
		return ValidationResult{Valid: true}
	}
	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return ValidationResult{Errors: errs}
}

// ValidateDemandEnvelope checks an encoded current-version demand envelope.
func ValidateDemandEnvelope(document []byte) ValidationResult {
	return validate(demandSchema, document)
}

// ValidateProofEnvelope checks an encoded proof envelope.
func ValidateProofEnvelope(document []byte) ValidationResult {
	return validate(proofSchema, document)
}

func (r ValidationResult) err(what string) error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("invalid %s: %s", what, strings.Join(r.Errors, "; "))
}
