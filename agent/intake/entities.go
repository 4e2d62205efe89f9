package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Directory patterns checked for entity JSON files, in priority order.
// The recursive pattern at the end catches nested layouts the explicit
// ones miss. Character classes cover the casings seen in the wild.
var entityDirPatterns = []string{
	"src/[Ee]ntities",
	"src/api/[Ee]ntities",
	"app/[Ee]ntities",
	"src/[Mm]odels",
	"src/[Mm]odel",
	"**/[Ee]ntities",
}

// discoverEntities scans root for entity definition files and
// normalizes every parseable one. Broken files land in the detection
// metadata instead of failing the scan; a repo without entities is a
// valid repo.
func discoverEntities(root string) ([]Entity, EntityDetection) {
	entities := []Entity{}
	detection := EntityDetection{
		DirectoriesFound: []string{},
		FilesFailed:      []FailedFile{},
	}

	fsys := os.DirFS(root)
	seenDirs := map[string]bool{}
	seenFiles := map[string]bool{}

	for _, pattern := range entityDirPatterns {
		dirs, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			continue
		}
		for _, dir := range dirs {
			if seenDirs[dir] || ignoredPath(dir) {
				continue
			}
			info, err := fs.Stat(fsys, dir)
			if err != nil || !info.IsDir() {
				continue
			}
			seenDirs[dir] = true

			files, err := doublestar.Glob(fsys, path.Join(dir, "**", "*.json"))
			if err != nil || len(files) == 0 {
				continue
			}
			detection.DirectoriesFound = append(detection.DirectoriesFound, dir)

			for _, file := range files {
				if seenFiles[file] || ignoredPath(file) {
					continue
				}
				seenFiles[file] = true

				data, err := fs.ReadFile(fsys, file)
				if err != nil {
					detection.FilesFailed = append(detection.FilesFailed, FailedFile{Path: file, Error: err.Error()})
					continue
				}
				entity, err := parseEntityFile(data, file)
				if err != nil {
					detection.FilesFailed = append(detection.FilesFailed, FailedFile{Path: file, Error: err.Error()})
					continue
				}
				entities = append(entities, entity)
				detection.FilesParsed++
			}
		}
	}

	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Name != entities[j].Name {
			return entities[i].Name < entities[j].Name
		}
		return entities[i].SourcePath < entities[j].SourcePath
	})
	return entities, detection
}

// parseEntityFile normalizes one entity JSON file. Four layouts are
// accepted, checked in this order:
//
//	{"name":"Recipe","fields":[{"name":"id","type":"string","required":true}]}
//	{"id":"string","title":"string","rating":"number"}
//	{"entity":"Recipe","schema":{"id":{"type":"uuid"},"title":"string"}}
//	{"title":"Recipe","type":"object","properties":{...},"required":["id"]}
func parseEntityFile(data []byte, relPath string) (Entity, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Entity{}, fmt.Errorf("invalid JSON: %w", err)
	}

	entity := Entity{
		Name:          fileStem(relPath),
		SourcePath:    relPath,
		Fields:        []Field{},
		Relationships: []map[string]any{},
	}

	switch {
	case isFieldsArray(raw):
		entity.RawShapeHint = ShapeFieldsArray
		parseFieldsArray(raw, &entity)
	case isKeyMap(raw):
		entity.RawShapeHint = ShapeKeyMap
		parseKeyMap(raw, &entity)
	case isEmbeddedSchema(raw):
		entity.RawShapeHint = ShapeEmbeddedSchema
		parseEmbeddedSchema(raw, &entity)
	case isJSONSchema(raw):
		entity.RawShapeHint = ShapeJSONSchema
		parseJSONSchema(raw, &entity)
	default:
		return Entity{}, errors.New("unrecognized entity shape")
	}
	return entity, nil
}

func isFieldsArray(raw map[string]any) bool {
	_, ok := raw["fields"].([]any)
	return ok
}

// isKeyMap accepts flat maps of field name to type name. Keys starting
// with an underscore are metadata, not fields.
func isKeyMap(raw map[string]any) bool {
	fields := 0
	for k, v := range raw {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if _, ok := v.(string); !ok {
			return false
		}
		fields++
	}
	return fields > 0
}

func isEmbeddedSchema(raw map[string]any) bool {
	_, ok := raw["schema"].(map[string]any)
	return ok
}

func isJSONSchema(raw map[string]any) bool {
	_, ok := raw["properties"].(map[string]any)
	t, _ := raw["type"].(string)
	return ok && t == "object"
}

func parseFieldsArray(raw map[string]any, entity *Entity) {
	if name := stringAt(raw, "name", ""); name != "" {
		entity.Name = name
	}
	fields, _ := raw["fields"].([]any)
	for _, item := range fields {
		def, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := stringAt(def, "name", "")
		if name == "" {
			continue
		}
		entity.Fields = append(entity.Fields, newField(name, def, boolAt(def, "required", false)))
	}
	if rels, ok := raw["relationships"].([]any); ok {
		for _, item := range rels {
			if rel, ok := item.(map[string]any); ok {
				entity.Relationships = append(entity.Relationships, rel)
			}
		}
	}
}

func parseKeyMap(raw map[string]any, entity *Entity) {
	for _, name := range sortedKeys(raw) {
		if strings.HasPrefix(name, "_") {
			continue
		}
		typ, _ := raw[name].(string)
		entity.Fields = append(entity.Fields, Field{
			Name:     name,
			Type:     typ,
			Required: true,
		})
	}
}

func parseEmbeddedSchema(raw map[string]any, entity *Entity) {
	if name := stringAt(raw, "entity", ""); name != "" {
		entity.Name = name
	}
	schema, _ := raw["schema"].(map[string]any)
	for _, name := range sortedKeys(schema) {
		switch def := schema[name].(type) {
		case map[string]any:
			entity.Fields = append(entity.Fields, newField(name, def, boolAt(def, "required", true)))
		case string:
			entity.Fields = append(entity.Fields, Field{Name: name, Type: def, Required: true})
		}
	}
}

func parseJSONSchema(raw map[string]any, entity *Entity) {
	if title := stringAt(raw, "title", ""); title != "" {
		entity.Name = title
	}
	required := map[string]bool{}
	if list, ok := raw["required"].([]any); ok {
		for _, item := range list {
			if name, ok := item.(string); ok {
				required[name] = true
			}
		}
	}
	props, _ := raw["properties"].(map[string]any)
	for _, name := range sortedKeys(props) {
		if def, ok := props[name].(map[string]any); ok {
			entity.Fields = append(entity.Fields, newField(name, def, required[name]))
		}
	}
}

// newField builds a Field from a schema-style definition map.
func newField(name string, def map[string]any, required bool) Field {
	f := Field{
		Name:     name,
		Type:     stringAt(def, "type", "unknown"),
		Required: required,
		Nullable: boolAt(def, "nullable", false),
	}

	// additionalProperties: false explicitly forbids extra keys, so
	// only a schema or a literal true marks the field map-like.
	switch ap := def["additionalProperties"].(type) {
	case bool:
		f.AdditionalProps = ap
	case map[string]any:
		f.AdditionalProps = true
	}

	switch items := def["items"].(type) {
	case string:
		f.Items = items
	case map[string]any:
		f.Items = "object"
		if t := stringAt(items, "type", ""); t != "" {
			f.Items = t
		}
	}
	return f
}

func stringAt(m map[string]any, key, fallback string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func boolAt(m map[string]any, key string, fallback bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return fallback
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fileStem(relPath string) string {
	base := path.Base(relPath)
	return strings.TrimSuffix(base, path.Ext(base))
}
