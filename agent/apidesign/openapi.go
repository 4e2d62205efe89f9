package apidesign

import (
	"fmt"

	"github.com/c360studio/migrator/agent/intake"
	"github.com/c360studio/migrator/agent/modeler"
	"github.com/c360studio/migrator/naming"
)

// Minimal OpenAPI 3.0.3 document model. Struct fields keep the
// conventional section order; map-valued sections come out sorted by
// key (the yaml encoder sorts map keys), so the artifact is
// byte-stable across attempts.
type document struct {
	OpenAPI    string              `yaml:"openapi"`
	Info       info                `yaml:"info"`
	Paths      map[string]pathItem `yaml:"paths"`
	Components components          `yaml:"components"`
}

type info struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description,omitempty"`
	Version     string `yaml:"version"`
}

// pathItem maps lowercase HTTP methods to operations.
type pathItem map[string]operation

type operation struct {
	OperationID string              `yaml:"operationId"`
	Summary     string              `yaml:"summary,omitempty"`
	Parameters  []parameter         `yaml:"parameters,omitempty"`
	RequestBody *requestBody        `yaml:"requestBody,omitempty"`
	Responses   map[string]response `yaml:"responses"`
}

type parameter struct {
	Name     string  `yaml:"name"`
	In       string  `yaml:"in"`
	Required bool    `yaml:"required"`
	Schema   *schema `yaml:"schema"`
}

type requestBody struct {
	Required bool                 `yaml:"required"`
	Content  map[string]mediaType `yaml:"content"`
}

type mediaType struct {
	Schema *schema `yaml:"schema"`
}

type response struct {
	Description string               `yaml:"description"`
	Content     map[string]mediaType `yaml:"content,omitempty"`
}

type components struct {
	Schemas map[string]*schema `yaml:"schemas"`
}

type schema struct {
	Ref                  string             `yaml:"$ref,omitempty"`
	Type                 string             `yaml:"type,omitempty"`
	Format               string             `yaml:"format,omitempty"`
	Nullable             bool               `yaml:"nullable,omitempty"`
	Items                *schema            `yaml:"items,omitempty"`
	Properties           map[string]*schema `yaml:"properties,omitempty"`
	Required             []string           `yaml:"required,omitempty"`
	AdditionalProperties any                `yaml:"additionalProperties,omitempty"`
}

const jsonMedia = "application/json"

// buildDocument assembles the API surface: a health endpoint plus full
// CRUD per planned entity. The storage plan drives which entities get
// routes; contract entities the plan never routed are skipped.
func buildDocument(contract *intake.Contract, plan *modeler.Plan, description string) *document {
	doc := &document{
		OpenAPI: "3.0.3",
		Info: info{
			Title:       "Generated backend API",
			Description: description,
			Version:     "0.1.0",
		},
		Paths:      map[string]pathItem{"/healthz": healthPath()},
		Components: components{Schemas: map[string]*schema{}},
	}

	byName := make(map[string]intake.Entity, len(contract.Entities))
	for _, e := range contract.Entities {
		byName[e.Name] = e
	}
	for _, entry := range plan.Entities {
		entity, ok := byName[entry.Name]
		if !ok {
			continue
		}
		addEntity(doc, entity)
	}
	return doc
}

func healthPath() pathItem {
	return pathItem{
		"get": operation{
			OperationID: "healthz",
			Summary:     "Liveness probe",
			Responses: map[string]response{
				"200": {
					Description: "Service is up",
					Content: map[string]mediaType{
						"text/plain": {Schema: &schema{Type: "string"}},
					},
				},
			},
		},
	}
}

func addEntity(doc *document, entity intake.Entity) {
	pascal := naming.Pascal(entity.Name)
	route := "/api/" + naming.Route(entity.Name)
	itemRoute := route + "/{id}"

	doc.Components.Schemas[pascal] = fullSchema(entity)
	doc.Components.Schemas[pascal+"Create"] = createSchema(entity)
	doc.Components.Schemas[pascal+"Update"] = updateSchema(entity)

	ref := refTo(pascal)
	createRef := refTo(pascal + "Create")
	updateRef := refTo(pascal + "Update")

	doc.Paths[route] = pathItem{
		"post": operation{
			OperationID: "create" + pascal,
			Summary:     "Create a " + entity.Name,
			RequestBody: &requestBody{
				Required: true,
				Content:  map[string]mediaType{jsonMedia: {Schema: createRef}},
			},
			Responses: map[string]response{
				"201": jsonResponse("Created", ref),
				"400": {Description: "Validation error"},
			},
		},
		"get": operation{
			OperationID: "list" + naming.Pascal(naming.Plural(entity.Name)),
			Summary:     "List " + naming.Plural(entity.Name),
			Responses: map[string]response{
				"200": jsonResponse("Collection page", &schema{
					Type: "object",
					Properties: map[string]*schema{
						"items": {Type: "array", Items: ref},
						"total": {Type: "integer"},
					},
					Required: []string{"items", "total"},
				}),
			},
		},
	}
	doc.Paths[itemRoute] = pathItem{
		"get": operation{
			OperationID: "get" + pascal,
			Summary:     "Fetch one " + entity.Name,
			Parameters:  []parameter{idParam()},
			Responses: map[string]response{
				"200": jsonResponse("Found", ref),
				"404": {Description: "Not found"},
			},
		},
		"patch": operation{
			OperationID: "update" + pascal,
			Summary:     "Partially update a " + entity.Name,
			Parameters:  []parameter{idParam()},
			RequestBody: &requestBody{
				Required: true,
				Content:  map[string]mediaType{jsonMedia: {Schema: updateRef}},
			},
			Responses: map[string]response{
				"200": jsonResponse("Updated", ref),
				"404": {Description: "Not found"},
			},
		},
		"delete": operation{
			OperationID: "delete" + pascal,
			Summary:     "Delete a " + entity.Name,
			Parameters:  []parameter{idParam()},
			Responses: map[string]response{
				"204": {Description: "Deleted"},
				"404": {Description: "Not found"},
			},
		},
	}
}

func idParam() parameter {
	return parameter{Name: "id", In: "path", Required: true, Schema: &schema{Type: "string"}}
}

func refTo(name string) *schema {
	return &schema{Ref: "#/components/schemas/" + name}
}

func jsonResponse(desc string, s *schema) response {
	return response{
		Description: desc,
		Content:     map[string]mediaType{jsonMedia: {Schema: s}},
	}
}

// fullSchema is the response shape: every contract field plus the
// server-managed id and timestamps.
func fullSchema(entity intake.Entity) *schema {
	props := map[string]*schema{
		"id":        {Type: "string"},
		"createdAt": {Type: "string", Format: "date-time"},
		"updatedAt": {Type: "string", Format: "date-time"},
	}
	required := []string{"id"}
	for _, f := range entity.Fields {
		if modeler.IsServerManaged(f.Name) {
			continue
		}
		props[f.Name] = fieldSchema(f)
		if f.Required && !f.Nullable {
			required = append(required, f.Name)
		}
	}
	return &schema{Type: "object", Properties: props, Required: required}
}

// createSchema is the POST body shape: contract fields only, with
// server-managed names stripped.
func createSchema(entity intake.Entity) *schema {
	props := map[string]*schema{}
	var required []string
	for _, f := range entity.Fields {
		if modeler.IsServerManaged(f.Name) {
			continue
		}
		props[f.Name] = fieldSchema(f)
		if f.Required && !f.Nullable {
			required = append(required, f.Name)
		}
	}
	return &schema{Type: "object", Properties: props, Required: required}
}

// updateSchema is the PATCH body shape: every writable field optional.
func updateSchema(entity intake.Entity) *schema {
	s := createSchema(entity)
	s.Required = nil
	return s
}

func fieldSchema(f intake.Field) *schema {
	var s *schema
	switch {
	case f.AdditionalProps:
		s = &schema{Type: "object", AdditionalProperties: true}
	case f.Type == "number" || f.Type == "integer":
		s = &schema{Type: "number"}
	case f.Type == "boolean":
		s = &schema{Type: "boolean"}
	case f.Type == "datetime" || f.Type == "date":
		s = &schema{Type: "string", Format: "date-time"}
	case f.Type == "array":
		s = &schema{Type: "array"}
		if f.Items != "" {
			s.Items = fieldSchema(intake.Field{Type: f.Items})
		}
	case f.Type == "object":
		s = &schema{Type: "object"}
	default:
		s = &schema{Type: "string"}
	}
	s.Nullable = f.Nullable
	return s
}

// describeSurface summarizes the generated surface for the enrichment
// prompt and the success message.
func describeSurface(plan *modeler.Plan) string {
	return fmt.Sprintf("%d entities, %d postgres / %d mongo",
		len(plan.Entities),
		len(plan.ForStore(modeler.StorePostgres)),
		len(plan.ForStore(modeler.StoreMongo)))
}
