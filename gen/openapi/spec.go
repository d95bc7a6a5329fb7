// Package openapi renders the Service Registry's live MethodCatalog into an
// OpenAPI 3.0 document, so the Swagger UI always describes exactly what the
// REST Gateway will currently accept rather than a stale generated file.
package openapi

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"

	"bridge/pkg/registry"
)

// Build renders reg's registered services into a validated OpenAPI 3.0
// document and returns its indented JSON encoding.
func Build(reg *registry.Registry, title, basePrefix string) ([]byte, error) {
	doc := map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   title,
			"version": "1.0.0",
		},
		"paths": buildPaths(reg, basePrefix),
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi: encode document: %w", err)
	}

	parsed, err := openapi3.NewLoader().LoadFromData(raw)
	if err != nil {
		return nil, fmt.Errorf("openapi: parse document: %w", err)
	}
	if err := parsed.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("openapi: invalid document: %w", err)
	}

	return json.MarshalIndent(doc, "", "  ")
}

func buildPaths(reg *registry.Registry, basePrefix string) map[string]any {
	paths := make(map[string]any)

	names := reg.Names()
	sort.Strings(names)

	for _, name := range names {
		desc, _, err := reg.Lookup(name)
		if err != nil {
			continue
		}

		patterns := make([]string, 0, len(desc.MethodCatalog))
		for pattern := range desc.MethodCatalog {
			patterns = append(patterns, pattern)
		}
		sort.Strings(patterns)

		for _, pattern := range patterns {
			spec := desc.MethodCatalog[pattern]
			method, path := registry.SplitPattern(pattern)
			fullPath := basePrefix + "/" + name + path

			item, _ := paths[fullPath].(map[string]any)
			if item == nil {
				item = make(map[string]any)
				paths[fullPath] = item
			}
			item[httpMethodKey(method)] = operationFor(name, spec, path)
		}
	}
	return paths
}

func httpMethodKey(method string) string {
	switch method {
	case "GET", "POST", "PUT", "PATCH", "DELETE":
		return toLower(method)
	default:
		return "get"
	}
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func operationFor(service string, spec registry.MethodSpec, path string) map[string]any {
	op := map[string]any{
		"operationId": service + "." + spec.GRPCMethod,
		"tags":        []string{service},
		"parameters":  pathParameters(path),
		"responses": map[string]any{
			"200": map[string]any{
				"description": "success envelope",
				"content": map[string]any{
					"application/json": map[string]any{
						"schema": envelopeSchema(spec.ResponseShape),
					},
				},
			},
			"default": map[string]any{
				"description": "error envelope",
			},
		},
	}
	if len(spec.RequestShape) > 0 {
		op["requestBody"] = map[string]any{
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": shapeSchema(spec.RequestShape),
				},
			},
		}
	}
	return op
}

func pathParameters(path string) []map[string]any {
	var params []map[string]any
	for _, seg := range splitPath(path) {
		if len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}' {
			params = append(params, map[string]any{
				"name":     seg[1 : len(seg)-1],
				"in":       "path",
				"required": true,
				"schema":   map[string]any{"type": "string"},
			})
		}
	}
	return params
}

func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				out = append(out, path[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func envelopeSchema(shape []registry.FieldSpec) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"success": map[string]any{"type": "boolean"},
			"data":    shapeSchema(shape),
			"error":   map[string]any{"type": "object"},
		},
	}
}

func shapeSchema(shape []registry.FieldSpec) map[string]any {
	properties := make(map[string]any, len(shape))
	var required []string
	for _, f := range shape {
		properties[f.Name] = fieldSchema(f)
		if f.Required {
			required = append(required, f.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func fieldSchema(f registry.FieldSpec) map[string]any {
	switch f.Type {
	case registry.FieldBool:
		return map[string]any{"type": "boolean"}
	case registry.FieldInt32, registry.FieldInt64:
		return map[string]any{"type": "integer"}
	case registry.FieldUint64:
		return map[string]any{"type": "integer", "minimum": 0}
	case registry.FieldFloat32, registry.FieldFloat64:
		return map[string]any{"type": "number"}
	case registry.FieldBytes:
		return map[string]any{"type": "string", "format": "byte"}
	case registry.FieldMessage:
		return shapeSchema(f.Fields)
	case registry.FieldRepeated:
		elemSchema := map[string]any{"type": "string"}
		if f.Elem != nil {
			elemSchema = fieldSchema(*f.Elem)
		}
		return map[string]any{"type": "array", "items": elemSchema}
	case registry.FieldMap:
		valueSchema := map[string]any{"type": "string"}
		if f.Elem != nil {
			valueSchema = fieldSchema(*f.Elem)
		}
		return map[string]any{"type": "object", "additionalProperties": valueSchema}
	default:
		return map[string]any{"type": "string"}
	}
}
