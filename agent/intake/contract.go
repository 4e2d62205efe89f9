package intake

// ArtifactName is the contract file this stage writes and every design
// stage after it consumes.
const ArtifactName = "ui-contract.json"

// Contract describes what the source frontend expects from a backend:
// the entities it models, the endpoints it calls, the environment
// variables it reads and the client wrapper files that would need
// rewiring. Downstream stages derive the database schema, the API
// surface and the generated code from this file alone.
type Contract struct {
	SourceRepoURL   string          `json:"source_repo_url"`
	Framework       Framework       `json:"framework"`
	Entities        []Entity        `json:"entities"`
	EndpointsUsed   []Endpoint      `json:"endpointsUsed"`
	EnvVars         []EnvVar        `json:"envVars"`
	APIClientFiles  []string        `json:"apiClientFiles"`
	EntityDetection EntityDetection `json:"entityDetection"`
	Notes           []string        `json:"notes"`
}

// Framework identifies the frontend build tooling of the source repo.
type Framework struct {
	// Name is one of nextjs, vite, cra or unknown.
	Name string `json:"name"`

	// VersionHint is the declared dependency version, when one exists.
	VersionHint string `json:"versionHint"`
}

// Entity is a normalized data shape discovered in the source repo.
// The four raw JSON layouts the scanner accepts all normalize into the
// same fields list; RawShapeHint records which layout the file used.
type Entity struct {
	Name          string           `json:"name"`
	SourcePath    string           `json:"sourcePath"`
	Fields        []Field          `json:"fields"`
	Relationships []map[string]any `json:"relationships"`
	RawShapeHint  string           `json:"rawShapeHint"`
}

// Raw shape hints recorded on discovered entities.
const (
	ShapeFieldsArray    = "fields-array"
	ShapeKeyMap         = "key-map"
	ShapeEmbeddedSchema = "embedded-schema"
	ShapeJSONSchema     = "json-schema"
)

// Field is one normalized entity field.
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Nullable bool   `json:"nullable"`

	// AdditionalProps marks map-like fields whose schema allows
	// arbitrary keys. The storage planner treats these as
	// variable-shaped.
	AdditionalProps bool `json:"additionalProperties,omitempty"`

	// Items is the declared element type for array fields.
	Items string `json:"items,omitempty"`
}

// Endpoint is one API call site found in the frontend sources, merged
// across files when the same method and path appear more than once.
type Endpoint struct {
	Method   string `json:"method"`
	PathHint string `json:"pathHint"`

	// Dynamic is true when the path is built at runtime, from template
	// substitutions or non-literal expressions.
	Dynamic bool `json:"dynamic"`

	SourceLocations []SourceLocation `json:"sourceLocations"`
}

// EnvVar is a build-time environment variable the frontend reads.
type EnvVar struct {
	Name            string           `json:"name"`
	SourceLocations []SourceLocation `json:"sourceLocations"`
}

// SourceLocation points at a line in a file relative to the source
// root, slash separated.
type SourceLocation struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

// EntityDetection summarizes how the entity scan went, so a reviewer
// can tell an empty repo from a scan that skipped broken files.
type EntityDetection struct {
	DirectoriesFound []string     `json:"directoriesFound"`
	FilesParsed      int          `json:"filesParsed"`
	FilesFailed      []FailedFile `json:"filesFailed"`
}

// FailedFile records one entity file the scanner could not use.
type FailedFile struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}
