package models

import (
	"bytes"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
)

const sourceConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["kind"],
  "properties": {
    "kind": {"enum": ["poll", "trigger_log", "webhook"]},
    "poll": {
      "type": "object",
      "required": ["baseURL", "pathTemplate"],
      "properties": {
        "baseURL": {"type": "string", "pattern": "^https?://"},
        "pathTemplate": {"type": "string", "minLength": 1},
        "token": {"type": "string"},
        "pageSize": {"type": "integer", "minimum": 1, "maximum": 1000}
      }
    },
    "triggerLog": {
      "type": "object",
      "required": ["dialect", "dsn"],
      "properties": {
        "dialect": {"enum": ["postgres", "mysql", "sqlite"]},
        "dsn": {"type": "string", "minLength": 1},
        "batchSize": {"type": "integer", "minimum": 1}
      }
    },
    "webhook": {
      "type": "object",
      "properties": {
        "provider": {"enum": ["generic", "shopify"]},
        "registerURL": {"type": "string", "pattern": "^https?://"},
        "topics": {"type": "array", "items": {"type": "string"}}
      }
    }
  },
  "oneOf": [
    {"required": ["poll"], "properties": {"kind": {"const": "poll"}}},
    {"required": ["triggerLog"], "properties": {"kind": {"const": "trigger_log"}}},
    {"required": ["webhook"], "properties": {"kind": {"const": "webhook"}}}
  ]
}`

var (
	compileOnce  sync.Once
	sourceSchema *jsonschema.Schema
	compileErr   error
)

func compiledSourceSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(sourceConfigSchema))
		if err != nil {
			compileErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("source-config.json", doc); err != nil {
			compileErr = err
			return
		}
		sourceSchema, compileErr = c.Compile("source-config.json")
	})
	return sourceSchema, compileErr
}

// ValidateSourceConfigJSON checks raw source settings before they are decoded.
func ValidateSourceConfigJSON(raw []byte) error {
	sch, err := compiledSourceSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return terr.Wrapf(&terr.ConfigurationError, "source config is not valid json: %v", err)
	}
	if err := sch.Validate(inst); err != nil {
		return terr.Wrapf(&terr.ConfigurationError, "source config: %v", err)
	}
	return nil
}
