package intake

import (
	"testing"
)

func findEntity(t *testing.T, entities []Entity, name string) Entity {
	t.Helper()
	for _, e := range entities {
		if e.Name == name {
			return e
		}
	}
	t.Fatalf("entity %q not found", name)
	return Entity{}
}

func findField(t *testing.T, e Entity, name string) Field {
	t.Helper()
	for _, f := range e.Fields {
		if f.Name == name {
			return f
		}
	}
	t.Fatalf("field %q not found on %s", name, e.Name)
	return Field{}
}

func TestDiscoverEntitiesAllShapes(t *testing.T) {
	root := t.TempDir()
	writeSource(t, root, "src/entities/Recipe.json", `{
		"name": "Recipe",
		"fields": [
			{"name": "id", "type": "string", "required": true},
			{"name": "title", "type": "string", "required": true},
			{"name": "rating", "type": "number"},
			{"name": "tags", "type": "array", "items": {"type": "string"}}
		],
		"relationships": [{"kind": "one_to_many", "target": "Ingredient"}]
	}`)
	writeSource(t, root, "src/entities/Ingredient.json",
		`{"id": "string", "name": "string", "quantity": "number", "unit": "string"}`)
	writeSource(t, root, "src/entities/User.json", `{
		"entity": "User",
		"schema": {
			"id": {"type": "uuid"},
			"email": {"type": "string", "required": true},
			"name": "string"
		}
	}`)
	writeSource(t, root, "src/entities/Product.json", `{
		"title": "Product",
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"name": {"type": "string"},
			"price": {"type": "number"}
		},
		"required": ["id", "name"]
	}`)

	entities, detection := discoverEntities(root)

	if len(entities) != 4 {
		t.Fatalf("expected 4 entities, got %d: %+v", len(entities), entities)
	}
	if detection.FilesParsed != 4 {
		t.Errorf("filesParsed = %d, want 4", detection.FilesParsed)
	}
	if len(detection.DirectoriesFound) != 1 || detection.DirectoriesFound[0] != "src/entities" {
		t.Errorf("directoriesFound = %v", detection.DirectoriesFound)
	}

	recipe := findEntity(t, entities, "Recipe")
	if recipe.RawShapeHint != ShapeFieldsArray {
		t.Errorf("Recipe shape = %q", recipe.RawShapeHint)
	}
	if len(recipe.Fields) != 4 {
		t.Errorf("Recipe has %d fields, want 4", len(recipe.Fields))
	}
	if f := findField(t, recipe, "id"); !f.Required || f.Type != "string" {
		t.Errorf("Recipe.id = %+v", f)
	}
	if f := findField(t, recipe, "rating"); f.Required {
		t.Error("Recipe.rating should not be required")
	}
	if f := findField(t, recipe, "tags"); f.Items != "string" {
		t.Errorf("Recipe.tags items = %q, want string", f.Items)
	}
	if len(recipe.Relationships) != 1 || recipe.Relationships[0]["kind"] != "one_to_many" {
		t.Errorf("Recipe relationships = %+v", recipe.Relationships)
	}

	ingredient := findEntity(t, entities, "Ingredient")
	if ingredient.RawShapeHint != ShapeKeyMap {
		t.Errorf("Ingredient shape = %q", ingredient.RawShapeHint)
	}
	if len(ingredient.Fields) != 4 {
		t.Errorf("Ingredient has %d fields, want 4", len(ingredient.Fields))
	}
	if f := findField(t, ingredient, "quantity"); f.Type != "number" || !f.Required {
		t.Errorf("Ingredient.quantity = %+v", f)
	}

	user := findEntity(t, entities, "User")
	if user.RawShapeHint != ShapeEmbeddedSchema {
		t.Errorf("User shape = %q", user.RawShapeHint)
	}
	if f := findField(t, user, "id"); f.Type != "uuid" {
		t.Errorf("User.id type = %q", f.Type)
	}
	if f := findField(t, user, "name"); f.Type != "string" || !f.Required {
		t.Errorf("User.name = %+v", f)
	}

	product := findEntity(t, entities, "Product")
	if product.RawShapeHint != ShapeJSONSchema {
		t.Errorf("Product shape = %q", product.RawShapeHint)
	}
	if f := findField(t, product, "id"); !f.Required {
		t.Error("Product.id should be required")
	}
	if f := findField(t, product, "price"); f.Required {
		t.Error("Product.price should not be required")
	}
}

func TestDiscoverEntitiesSortsByName(t *testing.T) {
	root := t.TempDir()
	writeSource(t, root, "src/entities/zebra.json", `{"id": "string"}`)
	writeSource(t, root, "src/entities/apple.json", `{"id": "string"}`)

	entities, _ := discoverEntities(root)
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(entities))
	}
	if entities[0].Name != "apple" || entities[1].Name != "zebra" {
		t.Errorf("entities out of order: %s, %s", entities[0].Name, entities[1].Name)
	}
}

func TestDiscoverEntitiesRecordsFailures(t *testing.T) {
	root := t.TempDir()
	writeSource(t, root, "src/entities/Recipe.json", `{"id": "string"}`)
	writeSource(t, root, "src/entities/broken.json", `{not json`)
	writeSource(t, root, "src/entities/odd.json", `{"count": 42}`)

	entities, detection := discoverEntities(root)

	if len(entities) != 1 {
		t.Fatalf("expected 1 entity, got %d", len(entities))
	}
	if detection.FilesParsed != 1 {
		t.Errorf("filesParsed = %d, want 1", detection.FilesParsed)
	}
	if len(detection.FilesFailed) != 2 {
		t.Fatalf("expected 2 failed files, got %+v", detection.FilesFailed)
	}
	for _, failed := range detection.FilesFailed {
		if failed.Path == "" || failed.Error == "" {
			t.Errorf("failure entry incomplete: %+v", failed)
		}
	}
}

func TestDiscoverEntitiesNestedLayout(t *testing.T) {
	root := t.TempDir()
	writeSource(t, root, "packages/web/src/entities/Order.json", `{"id": "string", "total": "number"}`)

	entities, detection := discoverEntities(root)
	if len(entities) != 1 || entities[0].Name != "Order" {
		t.Fatalf("nested entity not found: %+v", entities)
	}
	if len(detection.DirectoriesFound) != 1 || detection.DirectoriesFound[0] != "packages/web/src/entities" {
		t.Errorf("directoriesFound = %v", detection.DirectoriesFound)
	}
}

func TestDiscoverEntitiesIgnoresVendoredDirs(t *testing.T) {
	root := t.TempDir()
	writeSource(t, root, "node_modules/pkg/src/entities/Fake.json", `{"id": "string"}`)
	writeSource(t, root, "dist/entities/Built.json", `{"id": "string"}`)

	entities, detection := discoverEntities(root)
	if len(entities) != 0 {
		t.Errorf("vendored entities should be ignored, got %+v", entities)
	}
	if len(detection.DirectoriesFound) != 0 {
		t.Errorf("directoriesFound = %v", detection.DirectoriesFound)
	}
}

func TestDiscoverEntitiesCapitalizedDirectory(t *testing.T) {
	root := t.TempDir()
	writeSource(t, root, "src/Entities/Recipe.json", `{"id": "string"}`)

	entities, _ := discoverEntities(root)
	if len(entities) != 1 {
		t.Fatalf("capitalized entity dir not scanned: %+v", entities)
	}
	if entities[0].SourcePath != "src/Entities/Recipe.json" {
		t.Errorf("sourcePath = %q", entities[0].SourcePath)
	}
}

func TestParseEntityFileMapLikeFields(t *testing.T) {
	entity, err := parseEntityFile([]byte(`{
		"title": "Profile",
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"settings": {"type": "object", "additionalProperties": {"type": "string"}},
			"strict": {"type": "object", "additionalProperties": false},
			"history": {"type": "array", "items": {"type": "object"}}
		},
		"required": ["id"]
	}`), "src/entities/Profile.json")
	if err != nil {
		t.Fatal(err)
	}

	if f := findField(t, entity, "settings"); !f.AdditionalProps {
		t.Error("settings should be marked map-like")
	}
	if f := findField(t, entity, "strict"); f.AdditionalProps {
		t.Error("additionalProperties false must not mark the field map-like")
	}
	if f := findField(t, entity, "history"); f.Items != "object" {
		t.Errorf("history items = %q, want object", f.Items)
	}
}

func TestParseEntityFileNameFallsBackToFilename(t *testing.T) {
	entity, err := parseEntityFile([]byte(`{"fields": [{"name": "id", "type": "string"}]}`), "src/entities/Recipe.json")
	if err != nil {
		t.Fatal(err)
	}
	if entity.Name != "Recipe" {
		t.Errorf("name = %q, want Recipe", entity.Name)
	}
}

func TestParseEntityFileRejectsUnknownShape(t *testing.T) {
	if _, err := parseEntityFile([]byte(`{"version": 2, "flags": [1, 2]}`), "src/entities/config.json"); err == nil {
		t.Fatal("expected an error for an unrecognized shape")
	}
	if _, err := parseEntityFile([]byte(`[1, 2, 3]`), "src/entities/list.json"); err == nil {
		t.Fatal("expected an error for a non-object file")
	}
}
