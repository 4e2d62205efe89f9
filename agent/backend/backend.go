// Package backend implements the GENERATE_BACKEND stage. It renders a
// runnable backend skeleton from the ui contract and the storage plan:
// FastAPI for python jobs, Express for node jobs, each with CRUD
// routes per entity and database plumbing matching the plan's mode.
// Re-runs overwrite the generated tree in place.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360studio/migrator/agent"
	"github.com/c360studio/migrator/agent/intake"
	"github.com/c360studio/migrator/agent/modeler"
	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/naming"
	"github.com/c360studio/migrator/workspace"
)

// TreePath is the job-root-relative location of the generated tree,
// recorded on the job's artifact map.
const TreePath = "generated/backend"

// Agent renders the backend skeleton.
type Agent struct{}

// New creates the backend generator agent.
func New() *Agent {
	return &Agent{}
}

// Stage identifies the pipeline stage this agent handles.
func (a *Agent) Stage() model.Stage {
	return model.StageGenerateBackend
}

// Run renders the tree for the job's backend stack. Missing upstream
// artifacts are fatal; filesystem trouble while writing is retryable.
func (a *Agent) Run(ctx context.Context, job *model.Job, ws *workspace.Workspace) agent.Result {
	var contract intake.Contract
	if res, ok := loadJSON(ws, intake.ArtifactName, &contract); !ok {
		return res
	}
	var plan modeler.Plan
	if res, ok := loadJSON(ws, modeler.PlanArtifact, &plan); !ok {
		return res
	}

	rctx := buildContext(job, &contract, &plan)

	var (
		files []generatedFile
		err   error
	)
	switch job.BackendStack {
	case model.BackendNode:
		files, err = renderNode(rctx)
	default:
		files, err = renderPython(rctx)
	}
	if err != nil {
		return agent.Fatal("render %s backend: %v", job.BackendStack, err)
	}

	if err := writeTree(ws.BackendDir(), files); err != nil {
		return agent.Retryable("write generated tree: %v", err)
	}

	return agent.Success("generated %s backend: %d files, %d entities", job.BackendStack, len(files), len(rctx.Entities)).
		WithArtifacts(map[string]string{"backend": TreePath})
}

// generatedFile is one rendered file, path relative to the tree root.
type generatedFile struct {
	Path    string
	Content string
}

func writeTree(root string, files []generatedFile) error {
	for _, f := range files {
		path := filepath.Join(root, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(f.Content), 0644); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	return nil
}

func loadJSON(ws *workspace.Workspace, name string, v any) (agent.Result, bool) {
	raw, err := ws.ReadArtifact(name)
	if err != nil {
		return agent.Fatal("load %s: %v", name, err), false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return agent.Fatal("parse %s: %v", name, err), false
	}
	return agent.Result{}, true
}

// renderContext is the data both stack renderers consume.
type renderContext struct {
	JobID string

	// Plumbing flags follow the plan's mode, not entity presence:
	// hybrid jobs get both stores wired even when every entity happens
	// to land on one side.
	HasPostgres bool
	HasMongo    bool

	Entities []entityCtx
}

type entityCtx struct {
	Name       string // contract spelling, used in class names and messages
	Pascal     string
	Snake      string // module and file name
	Route      string // plural kebab URL segment
	Table      string
	Collection string
	Store      string // postgres or mongo

	// BaseFields is every contract field; WriteFields excludes
	// server-managed names; OutFields excludes only id.
	BaseFields  []fieldCtx
	WriteFields []fieldCtx
	OutFields   []fieldCtx

	// PyFieldList is the python literal handed to PostgresRepo so the
	// repo knows which columns to bind.
	PyFieldList string

	// JSColumns is the JS array literal of writable column names.
	JSColumns string
}

type fieldCtx struct {
	Name     string
	Type     string
	PyType   string
	Optional bool
}

func buildContext(job *model.Job, contract *intake.Contract, plan *modeler.Plan) *renderContext {
	rctx := &renderContext{
		JobID:       job.ID,
		HasPostgres: plan.Mode == model.DBPostgres || plan.Mode == model.DBHybrid,
		HasMongo:    plan.Mode == model.DBMongo || plan.Mode == model.DBHybrid,
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
		rctx.Entities = append(rctx.Entities, buildEntityCtx(entity, entry))
	}
	return rctx
}

func buildEntityCtx(entity intake.Entity, entry modeler.Entry) entityCtx {
	ec := entityCtx{
		Name:       entity.Name,
		Pascal:     naming.Pascal(entity.Name),
		Snake:      naming.Snake(entity.Name),
		Route:      naming.Route(entity.Name),
		Table:      naming.Table(entity.Name),
		Collection: naming.Collection(entity.Name),
		Store:      string(entry.Store),
	}

	var pyDicts, jsCols []string
	for _, f := range entity.Fields {
		fc := fieldCtx{
			Name:     f.Name,
			Type:     f.Type,
			PyType:   pyType(f),
			Optional: !f.Required || f.Nullable,
		}
		ec.BaseFields = append(ec.BaseFields, fc)
		if f.Name != "id" {
			ec.OutFields = append(ec.OutFields, fc)
		}
		if modeler.IsServerManaged(f.Name) {
			continue
		}
		ec.WriteFields = append(ec.WriteFields, fc)
		pyDicts = append(pyDicts, fmt.Sprintf(`{"name": %q, "type": %q, "required": %s, "nullable": %s}`,
			f.Name, f.Type, pyBool(f.Required), pyBool(f.Nullable)))
		jsCols = append(jsCols, fmt.Sprintf("%q", f.Name))
	}
	ec.PyFieldList = "[" + strings.Join(pyDicts, ", ") + "]"
	ec.JSColumns = "[" + strings.Join(jsCols, ", ") + "]"
	return ec
}

func pyType(f intake.Field) string {
	if f.AdditionalProps {
		return "Dict[str, Any]"
	}
	switch f.Type {
	case "string":
		return "str"
	case "number":
		return "float"
	case "integer", "int":
		return "int"
	case "boolean", "bool":
		return "bool"
	case "datetime":
		return "datetime"
	case "date":
		return "date"
	case "array":
		return "List[Any]"
	case "object":
		return "Dict[str, Any]"
	default:
		return "str"
	}
}

func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
