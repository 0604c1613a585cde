// Package openapi serves an OpenAPI 3.0 document assembled from operations
// that handlers describe about themselves.
package openapi

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
)

// Param is a path or query parameter. Path parameters are derived from the
// route and need not be listed.
type Param struct {
	Name        string
	In          string
	Type        string
	Format      string
	Description string
	Required    bool
}

// Response describes one status code. Schema names a component; Array wraps
// it in an array.
type Response struct {
	Description string
	Schema      string
	Array       bool
}

// Operation is one route. Path uses echo syntax (":id").
type Operation struct {
	Method        string
	Path          string
	Summary       string
	OperationID   string
	Tag           string
	Params        []Param
	RequestSchema string
	Responses     map[int]Response
}

// Generator collects operations and component schemas.
type Generator struct {
	title   string
	version string
	baseURL string

	mu      sync.RWMutex
	ops     []Operation
	schemas map[string]interface{}
}

func NewGenerator(title, version, baseURL string) *Generator {
	return &Generator{
		title:   title,
		version: version,
		baseURL: baseURL,
		schemas: map[string]interface{}{"Error": errorSchema()},
	}
}

func (g *Generator) AddOperation(ops ...Operation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ops = append(g.ops, ops...)
}

func (g *Generator) AddSchema(name string, schema map[string]interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.schemas[name] = schema
}

// GenerateSpec produces the document as a map.
func (g *Generator) GenerateSpec() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ops := append([]Operation(nil), g.ops...)
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Path < ops[j].Path })

	paths := make(map[string]interface{})
	for _, op := range ops {
		path, pathParams := convertPath(op.Path)
		item, _ := paths[path].(map[string]interface{})
		if item == nil {
			item = make(map[string]interface{})
			paths[path] = item
		}
		item[strings.ToLower(op.Method)] = buildOperation(op, pathParams)
	}

	schemas := make(map[string]interface{}, len(g.schemas))
	for k, v := range g.schemas {
		schemas[k] = v
	}

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":   g.title,
			"version": g.version,
		},
		"servers": []map[string]string{
			{"url": g.baseURL},
		},
		"paths": paths,
		"components": map[string]interface{}{
			"schemas": schemas,
			"securitySchemes": map[string]interface{}{
				"bearerAuth": map[string]interface{}{
					"type":         "http",
					"scheme":       "bearer",
					"bearerFormat": "JWT",
				},
			},
		},
		"security": []map[string][]string{{"bearerAuth": {}}},
	}
}

// convertPath rewrites ":name" segments to "{name}" and returns the names.
func convertPath(path string) (string, []string) {
	segs := strings.Split(path, "/")
	var params []string
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			params = append(params, s[1:])
			segs[i] = "{" + s[1:] + "}"
		}
	}
	return strings.Join(segs, "/"), params
}

func buildOperation(op Operation, pathParams []string) map[string]interface{} {
	params := make([]map[string]interface{}, 0, len(pathParams)+len(op.Params))
	for _, name := range pathParams {
		params = append(params, map[string]interface{}{
			"name":     name,
			"in":       "path",
			"required": true,
			"schema":   map[string]string{"type": "string", "format": "uuid"},
		})
	}
	for _, p := range op.Params {
		schema := map[string]string{"type": p.Type}
		if p.Format != "" {
			schema["format"] = p.Format
		}
		in := p.In
		if in == "" {
			in = "query"
		}
		param := map[string]interface{}{
			"name":     p.Name,
			"in":       in,
			"required": p.Required,
			"schema":   schema,
		}
		if p.Description != "" {
			param["description"] = p.Description
		}
		params = append(params, param)
	}

	out := map[string]interface{}{
		"summary":     op.Summary,
		"operationId": op.OperationID,
		"parameters":  params,
		"responses":   buildResponses(op.Responses),
	}
	if op.Tag != "" {
		out["tags"] = []string{op.Tag}
	}
	if op.RequestSchema != "" {
		out["requestBody"] = map[string]interface{}{
			"required": true,
			"content": map[string]interface{}{
				"application/json": map[string]interface{}{
					"schema": schemaRef(op.RequestSchema),
				},
			},
		}
	}
	return out
}

func buildResponses(responses map[int]Response) map[string]interface{} {
	out := make(map[string]interface{}, len(responses))
	for code, r := range responses {
		resp := map[string]interface{}{"description": r.Description}
		if r.Schema != "" {
			var schema interface{} = schemaRef(r.Schema)
			if r.Array {
				schema = map[string]interface{}{"type": "array", "items": schemaRef(r.Schema)}
			}
			resp["content"] = map[string]interface{}{
				"application/json": map[string]interface{}{"schema": schema},
			}
		}
		out[fmt.Sprint(code)] = resp
	}
	return out
}

func schemaRef(name string) map[string]string {
	return map[string]string{"$ref": "#/components/schemas/" + name}
}

// errorSchema matches echo's default error body.
func errorSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"message": map[string]string{"type": "string"},
		},
	}
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>%s - Swagger UI</title>
  <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({ url: "%s", dom_id: '#swagger-ui', deepLinking: true })
  </script>
</body>
</html>`

// RegisterRoutes serves the document at /openapi.json and a Swagger UI page
// at the group root.
func (g *Generator) RegisterRoutes(docs *echo.Group, specURL string) {
	docs.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateSpec())
	})
	page := fmt.Sprintf(swaggerUIHTML, g.title, specURL)
	docs.GET("", func(c echo.Context) error {
		return c.HTML(http.StatusOK, page)
	})
}
