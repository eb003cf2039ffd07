package spec

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "mem://skyward/deployment.json"

const deploymentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "tier", "storage_root", "services"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "tier": {"type": "string", "enum": ["development", "production"]},
    "storage_root": {"type": "string", "minLength": 1},
    "domains": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["hostname"],
        "additionalProperties": false,
        "properties": {
          "hostname": {"type": "string", "minLength": 1},
          "cert_mode": {"type": "string", "enum": ["self-signed", "acme"]},
          "records": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["type", "target"],
              "additionalProperties": false,
              "properties": {
                "type": {"type": "string"},
                "target": {"type": "string", "minLength": 1}
              }
            }
          }
        }
      }
    },
    "services": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "kind"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9-]*$"},
          "kind": {"type": "string", "enum": ["pds", "relay-consumer", "moderation", "feed-generator"]},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "domain": {"type": "string"},
          "config": {"type": "object", "additionalProperties": {"type": "string"}},
          "replicas": {"type": "integer", "minimum": 0},
          "cooperates": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

var (
	compiledOnce   sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func schema() (*jsonschema.Schema, error) {
	compiledOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, strings.NewReader(deploymentSchema)); err != nil {
			compileErr = err
			return
		}
		compiledSchema, compileErr = c.Compile(schemaURL)
	})
	return compiledSchema, compileErr
}

// checkSchema validates a generic JSON document and returns its structural violations.
func checkSchema(doc any) (violations, error) {
	sch, err := schema()
	if err != nil {
		return nil, fmt.Errorf("compile deployment schema: %w", err)
	}
	err = sch.Validate(doc)
	if err == nil {
		return nil, nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return nil, err
	}

	var out violations
	collectSchemaViolations(verr, &out)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Only leaf causes carry a useful message; parents just say "doesn't validate".
func collectSchemaViolations(verr *jsonschema.ValidationError, out *violations) {
	if len(verr.Causes) == 0 {
		out.add(pointerToPath(verr.InstanceLocation), "%s", verr.Message)
		return
	}
	for _, cause := range verr.Causes {
		collectSchemaViolations(cause, out)
	}
}

// pointerToPath renders a JSON pointer like /services/1/kind as services[1].kind.
func pointerToPath(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return ""
	}
	var b strings.Builder
	for i, part := range strings.Split(pointer, "/") {
		if isIndex(part) {
			b.WriteString("[" + part + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
