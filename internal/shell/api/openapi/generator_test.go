package openapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widgetResponse struct {
	Name      string            `json:"name"`
	Size      int               `json:"size"`
	Weight    int64             `json:"weight"`
	Labels    map[string]string `json:"labels"`
	Tags      []string          `json:"tags"`
	Blob      []byte            `json:"blob"`
	Hidden    string            `json:"-"`
	CreatedAt time.Time         `json:"created_at"`
	DeletedAt *time.Time        `json:"deleted_at,omitempty"`
}

type createWidgetRequest struct {
	Name string `json:"name"`
}

type widgetListResponse struct {
	Widgets []widgetResponse `json:"widgets"`
	Total   int              `json:"total"`
}

type polishResponse struct {
	Shine bool `json:"shine"`
}

func newWidgetGenerator() *Generator {
	g := NewGenerator(
		WithTitle("Widget API"),
		WithVersion("2.0.0"),
		WithServer("http://widgets.local"),
	)
	g.RegisterResource(ResourceInfo{
		Name:           "widgets",
		IDParam:        "name",
		Model:          widgetResponse{},
		ListModel:      widgetListResponse{},
		CreateModel:    createWidgetRequest{},
		SupportsList:   true,
		SupportsGet:    true,
		SupportsCreate: true,
		SupportsDelete: true,
		Actions: []ActionInfo{
			{
				Name:      "polish",
				Summary:   "Polish a widget",
				Model:     createWidgetRequest{},
				Response:  polishResponse{},
				Multipart: true,
			},
		},
	})
	return g
}

func TestGenerate_ResourcePaths(t *testing.T) {
	spec := newWidgetGenerator().Generate()

	assert.Equal(t, "Widget API", spec.Info.Title)
	assert.Equal(t, "2.0.0", spec.Info.Version)
	require.Len(t, spec.Servers, 2)
	assert.Equal(t, "http://widgets.local", spec.Servers[1].URL)

	collection := spec.Paths.Find("/api/v1/widgets")
	require.NotNil(t, collection)
	require.NotNil(t, collection.Get)
	require.NotNil(t, collection.Post)
	assert.Equal(t, "listWidgets", collection.Get.OperationID)
	assert.Equal(t, "createWidget", collection.Post.OperationID)
	require.NotNil(t, collection.Post.RequestBody)
	assert.Contains(t, collection.Post.RequestBody.Value.Content, "application/json")

	item := spec.Paths.Find("/api/v1/widgets/{name}")
	require.NotNil(t, item)
	require.NotNil(t, item.Get)
	require.NotNil(t, item.Delete)
	assert.Equal(t, "getWidget", item.Get.OperationID)
	assert.Equal(t, "deleteWidget", item.Delete.OperationID)
	require.Len(t, item.Parameters, 1)
	assert.Equal(t, "name", item.Parameters[0].Value.Name)
	assert.Equal(t, "path", item.Parameters[0].Value.In)

	action := spec.Paths.Find("/api/v1/widgets/{name}/polish")
	require.NotNil(t, action)
	require.NotNil(t, action.Post)
	assert.Equal(t, "polishWidget", action.Post.OperationID)
	require.NotNil(t, action.Post.RequestBody)
	assert.Contains(t, action.Post.RequestBody.Value.Content, "multipart/form-data")
}

func TestGenerate_SchemaExtraction(t *testing.T) {
	spec := newWidgetGenerator().Generate()

	schema := spec.Components.Schemas["widgetResponse"]
	require.NotNil(t, schema)

	props := schema.Value.Properties
	require.NotNil(t, props["name"])
	assert.True(t, props["name"].Value.Type.Is("string"))

	require.NotNil(t, props["size"])
	assert.True(t, props["size"].Value.Type.Is("integer"))
	assert.Equal(t, "int32", props["size"].Value.Format)

	require.NotNil(t, props["weight"])
	assert.Equal(t, "int64", props["weight"].Value.Format)

	require.NotNil(t, props["labels"])
	assert.True(t, props["labels"].Value.Type.Is("object"))
	require.NotNil(t, props["labels"].Value.AdditionalProperties.Schema)

	require.NotNil(t, props["tags"])
	assert.True(t, props["tags"].Value.Type.Is("array"))

	// []byte renders as a binary string, not an integer array
	require.NotNil(t, props["blob"])
	assert.True(t, props["blob"].Value.Type.Is("string"))
	assert.Equal(t, "binary", props["blob"].Value.Format)

	require.NotNil(t, props["created_at"])
	assert.Equal(t, "date-time", props["created_at"].Value.Format)

	require.NotNil(t, props["deleted_at"])
	assert.True(t, props["deleted_at"].Value.Nullable)

	// json:"-" fields stay off the wire
	assert.Nil(t, props["Hidden"])
	assert.Nil(t, props["-"])

	// Action response schemas are registered too
	assert.NotNil(t, spec.Components.Schemas["polishResponse"])
	assert.NotNil(t, spec.Components.Schemas["Error"])
}

func TestGenerate_CachesUntilRegister(t *testing.T) {
	g := newWidgetGenerator()

	first := g.Generate()
	second := g.Generate()
	assert.Same(t, first, second)

	g.RegisterResource(ResourceInfo{
		Name:         "gears",
		IDParam:      "id",
		Model:        widgetResponse{},
		SupportsList: true,
	})

	third := g.Generate()
	assert.NotSame(t, first, third)
	assert.NotNil(t, third.Paths.Find("/api/v1/gears"))
}

func TestHandler_ServesSpec(t *testing.T) {
	g := newWidgetGenerator()

	req := httptest.NewRequest(http.MethodGet, "/openapi.json", nil)
	w := httptest.NewRecorder()

	g.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var doc map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&doc))
	assert.Equal(t, "3.0.3", doc["openapi"])
	assert.Contains(t, doc, "paths")
}
