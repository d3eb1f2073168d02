// Package openapi provides reflective OpenAPI 3.0 specification
// generation for the management API: resources register their request
// and response structs and the document is derived from them.
package openapi

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

// =============================================================================
// Generator
// =============================================================================

// Generator produces OpenAPI 3.0 specifications by reflecting on registered resources.
type Generator struct {
	title       string
	version     string
	description string
	servers     []string
	resources   []ResourceInfo
	mu          sync.RWMutex
	cachedSpec  *openapi3.T
}

// ResourceInfo holds information about a registered resource for OpenAPI generation.
type ResourceInfo struct {
	Name           string      // Resource path segment (e.g. "sites")
	IDParam        string      // Path parameter naming one item (e.g. "name")
	Model          interface{} // Item response struct for schema extraction
	ListModel      interface{} // List response struct (optional)
	CreateModel    interface{} // Create request struct (optional)
	SupportsList   bool        // GET /{type}
	SupportsGet    bool        // GET /{type}/{id}
	SupportsCreate bool        // POST /{type}
	SupportsDelete bool        // DELETE /{type}/{id}
	Actions        []ActionInfo
}

// ActionInfo describes a POST action on one item of a resource, for
// example /api/v1/sites/{name}/import.
type ActionInfo struct {
	Name      string      // Path segment appended to the item path
	Summary   string      // Operation summary
	Model     interface{} // Request struct (optional)
	Response  interface{} // Response struct (optional)
	Multipart bool        // Request body is multipart/form-data instead of JSON
}

// Option configures the generator.
type Option func(*Generator)

// WithTitle sets the API title.
func WithTitle(title string) Option {
	return func(g *Generator) {
		g.title = title
	}
}

// WithVersion sets the API version.
func WithVersion(version string) Option {
	return func(g *Generator) {
		g.version = version
	}
}

// WithDescription sets the API description.
func WithDescription(description string) Option {
	return func(g *Generator) {
		g.description = description
	}
}

// WithServer adds a server URL.
func WithServer(url string) Option {
	return func(g *Generator) {
		g.servers = append(g.servers, url)
	}
}

// NewGenerator creates a new OpenAPI generator.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		title:       "Pressmux API",
		version:     "1.0.0",
		description: "WordPress site provisioning and lifecycle API",
		servers:     []string{"http://localhost:5000"},
		resources:   make([]ResourceInfo, 0),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// RegisterResource adds a resource to the generator for spec generation.
func (g *Generator) RegisterResource(info ResourceInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resources = append(g.resources, info)
	g.cachedSpec = nil // Invalidate cache
}

// Generate produces the complete OpenAPI 3.0 specification.
func (g *Generator) Generate() *openapi3.T {
	g.mu.RLock()
	if g.cachedSpec != nil {
		spec := g.cachedSpec
		g.mu.RUnlock()
		return spec
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	// Double-check after acquiring write lock
	if g.cachedSpec != nil {
		return g.cachedSpec
	}

	spec := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       g.title,
			Version:     g.version,
			Description: g.description,
		},
		Servers: make(openapi3.Servers, 0, len(g.servers)),
		Paths:   &openapi3.Paths{},
		Components: &openapi3.Components{
			Schemas: make(openapi3.Schemas),
		},
	}

	// Add servers
	for _, url := range g.servers {
		spec.Servers = append(spec.Servers, &openapi3.Server{URL: url})
	}

	// Add common schemas
	g.addCommonSchemas(spec)

	// Process each registered resource
	for _, res := range g.resources {
		g.addResourceToSpec(spec, res)
	}

	g.cachedSpec = spec
	return spec
}

// Handler returns an HTTP handler that serves the OpenAPI specification.
func (g *Generator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spec := g.Generate()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		if err := json.NewEncoder(w).Encode(spec); err != nil {
			http.Error(w, "Failed to encode OpenAPI spec", http.StatusInternalServerError)
		}
	}
}

// =============================================================================
// Schema Generation
// =============================================================================

// addCommonSchemas adds the shared error schema to the spec.
func (g *Generator) addCommonSchemas(spec *openapi3.T) {
	spec.Components.Schemas["Error"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{Type: &openapi3.Types{"string"}},
				},
				"code": &openapi3.SchemaRef{
					Value: &openapi3.Schema{Type: &openapi3.Types{"string"}},
				},
			},
		},
	}
}

// addResourceToSpec adds paths and schemas for a resource.
func (g *Generator) addResourceToSpec(spec *openapi3.T, res ResourceInfo) {
	basePath := "/api/v1/" + res.Name

	itemSchema := g.registerSchema(spec, res.Model)
	listSchema := ""
	if res.ListModel != nil {
		listSchema = g.registerSchema(spec, res.ListModel)
	}
	createSchema := ""
	if res.CreateModel != nil {
		createSchema = g.registerSchema(spec, res.CreateModel)
	}

	// Collection path
	collectionPath := &openapi3.PathItem{}
	if res.SupportsList {
		collectionPath.Get = g.createListOperation(res, listSchema)
	}
	if res.SupportsCreate {
		collectionPath.Post = g.createCreateOperation(res, createSchema, itemSchema)
	}
	spec.Paths.Set(basePath, collectionPath)

	// Item path
	itemPath := &openapi3.PathItem{
		Parameters: g.idParameter(res),
	}
	if res.SupportsGet {
		itemPath.Get = g.createGetOperation(res, itemSchema)
	}
	if res.SupportsDelete {
		itemPath.Delete = g.createDeleteOperation(res)
	}
	spec.Paths.Set(basePath+"/{"+res.IDParam+"}", itemPath)

	// Action paths
	for _, act := range res.Actions {
		if act.Response != nil {
			g.registerSchema(spec, act.Response)
		}
		actionPath := &openapi3.PathItem{
			Parameters: g.idParameter(res),
			Post:       g.createActionOperation(res, act),
		}
		spec.Paths.Set(basePath+"/{"+res.IDParam+"}/"+act.Name, actionPath)
	}
}

// registerSchema reflects a model into a named component schema and
// returns the schema name.
func (g *Generator) registerSchema(spec *openapi3.T, model interface{}) string {
	name := schemaName(model)
	spec.Components.Schemas[name] = g.extractSchema(model)
	return name
}

// extractSchema extracts an OpenAPI schema from a Go struct.
func (g *Generator) extractSchema(model interface{}) *openapi3.SchemaRef {
	t := reflect.TypeOf(model)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	schema := &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: make(openapi3.Schemas),
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		// Skip unexported fields
		if !field.IsExported() {
			continue
		}

		// Get JSON tag
		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}

		// Parse JSON tag for name
		name := field.Name
		if jsonTag != "" {
			parts := strings.Split(jsonTag, ",")
			if parts[0] != "" {
				name = parts[0]
			}
		}

		// Convert Go type to OpenAPI type
		propSchema := g.goTypeToSchema(field.Type)
		if propSchema != nil {
			schema.Properties[name] = propSchema
		}
	}

	return &openapi3.SchemaRef{Value: schema}
}

// goTypeToSchema converts a Go type to an OpenAPI schema.
func (g *Generator) goTypeToSchema(t reflect.Type) *openapi3.SchemaRef {
	switch t.Kind() {
	case reflect.String:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}}

	case reflect.Int64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}}

	case reflect.Float32:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}, Format: "float"}}

	case reflect.Float64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}, Format: "double"}}

	case reflect.Bool:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}}

	case reflect.Slice, reflect.Array:
		// []byte is a file or blob on the wire
		if t.Elem().Kind() == reflect.Uint8 {
			return &openapi3.SchemaRef{
				Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "binary"},
			}
		}
		elemSchema := g.goTypeToSchema(t.Elem())
		return &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type:  &openapi3.Types{"array"},
				Items: elemSchema,
			},
		}

	case reflect.Map:
		valueSchema := g.goTypeToSchema(t.Elem())
		return &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type:                 &openapi3.Types{"object"},
				AdditionalProperties: openapi3.AdditionalProperties{Schema: valueSchema},
			},
		}

	case reflect.Ptr:
		schema := g.goTypeToSchema(t.Elem())
		if schema != nil && schema.Value != nil {
			schema.Value.Nullable = true
		}
		return schema

	case reflect.Struct:
		// Handle time.Time specially
		if t == reflect.TypeOf(time.Time{}) {
			return &openapi3.SchemaRef{
				Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date-time"},
			}
		}
		// For other structs, extract recursively
		return g.extractSchema(reflect.New(t).Interface())

	default:
		// Unknown type, return generic object
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}}
	}
}

// =============================================================================
// Operation Generation
// =============================================================================

func (g *Generator) createListOperation(res ResourceInfo, listSchema string) *openapi3.Operation {
	return &openapi3.Operation{
		OperationID: "list" + capitalize(res.Name),
		Summary:     "List " + res.Name,
		Tags:        []string{capitalize(res.Name)},
		Parameters: openapi3.Parameters{
			&openapi3.ParameterRef{
				Value: &openapi3.Parameter{
					Name: "limit",
					In:   "query",
					Schema: &openapi3.SchemaRef{
						Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Default: 100},
					},
				},
			},
			&openapi3.ParameterRef{
				Value: &openapi3.Parameter{
					Name: "offset",
					In:   "query",
					Schema: &openapi3.SchemaRef{
						Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Default: 0},
					},
				},
			},
		},
		Responses: g.responses("200", "List of "+res.Name, listSchema),
	}
}

func (g *Generator) createGetOperation(res ResourceInfo, itemSchema string) *openapi3.Operation {
	singular := singularize(res.Name)
	return &openapi3.Operation{
		OperationID: "get" + capitalize(singular),
		Summary:     "Get a " + singular,
		Tags:        []string{capitalize(res.Name)},
		Responses:   g.responses("200", "The "+singular, itemSchema),
	}
}

func (g *Generator) createCreateOperation(res ResourceInfo, createSchema, itemSchema string) *openapi3.Operation {
	singular := singularize(res.Name)
	op := &openapi3.Operation{
		OperationID: "create" + capitalize(singular),
		Summary:     "Create a " + singular,
		Tags:        []string{capitalize(res.Name)},
		Responses:   g.responses("201", "The created "+singular, itemSchema),
	}
	if createSchema != "" {
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: &openapi3.RequestBody{
				Required: true,
				Content: openapi3.Content{
					"application/json": &openapi3.MediaType{
						Schema: &openapi3.SchemaRef{
							Ref: "#/components/schemas/" + createSchema,
						},
					},
				},
			},
		}
	}
	return op
}

func (g *Generator) createDeleteOperation(res ResourceInfo) *openapi3.Operation {
	singular := singularize(res.Name)
	return &openapi3.Operation{
		OperationID: "delete" + capitalize(singular),
		Summary:     "Delete a " + singular,
		Tags:        []string{capitalize(res.Name)},
		Responses:   g.responses("204", "Deleted", ""),
	}
}

func (g *Generator) createActionOperation(res ResourceInfo, act ActionInfo) *openapi3.Operation {
	op := &openapi3.Operation{
		OperationID: act.Name + capitalize(singularize(res.Name)),
		Summary:     act.Summary,
		Tags:        []string{capitalize(res.Name)},
	}
	if act.Model != nil {
		contentType := "application/json"
		if act.Multipart {
			contentType = "multipart/form-data"
		}
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: &openapi3.RequestBody{
				Required: true,
				Content: openapi3.Content{
					contentType: &openapi3.MediaType{
						Schema: g.extractSchema(act.Model),
					},
				},
			},
		}
	}
	respSchema := ""
	if act.Response != nil {
		respSchema = schemaName(act.Response)
	}
	op.Responses = g.responses("200", act.Summary, respSchema)
	return op
}

// responses builds a response set with one success entry and the shared
// error default.
func (g *Generator) responses(status, description, schema string) *openapi3.Responses {
	success := openapi3.NewResponse().WithDescription(description)
	if schema != "" {
		success = success.WithJSONSchemaRef(&openapi3.SchemaRef{
			Ref: "#/components/schemas/" + schema,
		})
	}

	out := &openapi3.Responses{}
	out.Set(status, &openapi3.ResponseRef{Value: success})
	out.Set("default", &openapi3.ResponseRef{
		Value: openapi3.NewResponse().
			WithDescription("Error").
			WithJSONSchemaRef(&openapi3.SchemaRef{Ref: "#/components/schemas/Error"}),
	})
	return out
}

func (g *Generator) idParameter(res ResourceInfo) openapi3.Parameters {
	return openapi3.Parameters{
		&openapi3.ParameterRef{
			Value: &openapi3.Parameter{
				Name:     res.IDParam,
				In:       "path",
				Required: true,
				Schema: &openapi3.SchemaRef{
					Value: &openapi3.Schema{Type: &openapi3.Types{"string"}},
				},
			},
		},
	}
}

// =============================================================================
// Helpers
// =============================================================================

// schemaName derives the component schema name from the Go type name.
func schemaName(model interface{}) string {
	t := reflect.TypeOf(model)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// capitalize returns the string with the first letter capitalized.
func capitalize(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// singularize performs basic singularization (removes trailing 's').
func singularize(s string) string {
	switch {
	case strings.HasSuffix(s, "ies"):
		return s[:len(s)-3] + "y"
	case strings.HasSuffix(s, "ses"), strings.HasSuffix(s, "xes"), strings.HasSuffix(s, "zes"),
		strings.HasSuffix(s, "ches"), strings.HasSuffix(s, "shes"):
		return s[:len(s)-2]
	case strings.HasSuffix(s, "s"):
		return s[:len(s)-1]
	default:
		return s
	}
}
