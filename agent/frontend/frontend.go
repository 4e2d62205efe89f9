// Package frontend implements the WIRE_FRONTEND stage. It generates a
// drop-in API client for the source app pointed at the migrated
// backend, an env file documenting the base-URL knob, and wiring.md
// telling the frontend team exactly which files and variables to
// change. Only the client wrapper and env vars are in scope; the rest
// of the source app is left alone.
package frontend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360studio/migrator/agent"
	"github.com/c360studio/migrator/agent/intake"
	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/naming"
	"github.com/c360studio/migrator/workspace"
)

const (
	// TreePath is where the client adapter lands, relative to the job
	// root.
	TreePath = "generated/frontend"

	// ClientFile and EnvFile are the two files written under TreePath.
	ClientFile = "apiClient.js"
	EnvFile    = ".env.example"

	// WiringArtifact is the handover document for the frontend team.
	WiringArtifact = "wiring.md"
)

// Agent generates the frontend adapter from the ui contract.
type Agent struct{}

// New creates the frontend agent.
func New() *Agent {
	return &Agent{}
}

// Stage identifies the pipeline stage this agent handles.
func (a *Agent) Stage() model.Stage {
	return model.StageWireFrontend
}

// Run writes the client adapter and the wiring report. A missing or
// unreadable contract is fatal; it will not reappear on retry.
func (a *Agent) Run(ctx context.Context, job *model.Job, ws *workspace.Workspace) agent.Result {
	raw, err := ws.ReadArtifact(intake.ArtifactName)
	if err != nil {
		return agent.Fatal("load %s: %v", intake.ArtifactName, err)
	}
	var contract intake.Contract
	if err := json.Unmarshal(raw, &contract); err != nil {
		return agent.Fatal("parse %s: %v", intake.ArtifactName, err)
	}

	varName, expr := baseURLExpr(contract.Framework.Name)

	if err := os.MkdirAll(ws.FrontendDir(), 0755); err != nil {
		return agent.Retryable("create %s: %v", TreePath, err)
	}
	client := renderClient(&contract, expr)
	if err := os.WriteFile(filepath.Join(ws.FrontendDir(), ClientFile), []byte(client), 0644); err != nil {
		return agent.Retryable("write %s: %v", ClientFile, err)
	}
	env := renderEnvExample(&contract, varName)
	if err := os.WriteFile(filepath.Join(ws.FrontendDir(), EnvFile), []byte(env), 0644); err != nil {
		return agent.Retryable("write %s: %v", EnvFile, err)
	}
	if err := ws.WriteArtifact(WiringArtifact, []byte(renderWiring(&contract, varName))); err != nil {
		return agent.Retryable("write %s: %v", WiringArtifact, err)
	}

	return agent.Success("wired %d entity clients for a %s frontend via %s",
		len(contract.Entities), frameworkLabel(contract.Framework.Name), varName).
		WithArtifacts(map[string]string{
			"frontend": TreePath,
			"wiring":   WiringArtifact,
		})
}

// baseURLExpr picks the env-var convention the detected framework
// exposes to browser code, and the JS expression that reads it.
func baseURLExpr(framework string) (varName, expr string) {
	switch framework {
	case "nextjs":
		return "NEXT_PUBLIC_API_BASE_URL", "process.env.NEXT_PUBLIC_API_BASE_URL"
	case "vite":
		return "VITE_API_BASE_URL", "import.meta.env.VITE_API_BASE_URL"
	case "cra":
		return "REACT_APP_API_BASE_URL", "process.env.REACT_APP_API_BASE_URL"
	default:
		// Unknown tooling: probe both runtimes without assuming either
		// global exists.
		return "VITE_API_BASE_URL",
			"(typeof process !== \"undefined\" && process.env && process.env.VITE_API_BASE_URL) ||\n" +
				"  (typeof import.meta !== \"undefined\" && import.meta.env && import.meta.env.VITE_API_BASE_URL)"
	}
}

func frameworkLabel(framework string) string {
	if framework == "" {
		return "unknown"
	}
	return framework
}

// renderClient emits the ESM client module: a shared request helper
// plus one named export per entity with list/get/create/update/delete
// methods against the generated routes.
func renderClient(contract *intake.Contract, baseExpr string) string {
	var b strings.Builder
	b.WriteString("/**\n")
	b.WriteString(" * Generated API client for the migrated backend.\n")
	b.WriteString(" *\n")
	b.WriteString(" * Import the entity objects below in place of the original client\n")
	b.WriteString(" * wrapper; method shapes mirror the old SDK (list/get/create/update/\n")
	b.WriteString(" * delete) against the generated REST routes.\n")
	b.WriteString(" */\n\n")
	fmt.Fprintf(&b, "const API_BASE_URL =\n  %s ||\n  \"http://localhost:8080\";\n\n", baseExpr)

	b.WriteString(`async function request(method, path, body) {
  const options = { method, headers: { "Content-Type": "application/json" } };
  if (body !== undefined) {
    options.body = JSON.stringify(body);
  }
  const response = await fetch(API_BASE_URL + path, options);
  if (response.status === 204) {
    return null;
  }
  const data = await response.json().catch(() => null);
  if (!response.ok) {
    const detail = (data && data.detail) || response.status + " " + response.statusText;
    throw new Error("API request failed: " + detail);
  }
  return data;
}

function entityClient(slug) {
  const base = "/api/" + slug;
  return {
    async list() {
      const data = await request("GET", base);
      return (data && data.items) || [];
    },
    get(id) {
      return request("GET", base + "/" + id);
    },
    create(payload) {
      return request("POST", base, payload);
    },
    update(id, payload) {
      return request("PATCH", base + "/" + id, payload);
    },
    delete(id) {
      return request("DELETE", base + "/" + id);
    },
  };
}
`)

	if len(contract.Entities) == 0 {
		b.WriteString("\n// The contract scan found no entities; use entityClient(slug) directly.\n")
		b.WriteString("export const entities = {};\n\nexport default entities;\n")
		return b.String()
	}

	b.WriteString("\n")
	for _, e := range contract.Entities {
		fmt.Fprintf(&b, "export const %s = entityClient(%q);\n", naming.Pascal(e.Name), naming.Route(e.Name))
	}
	b.WriteString("\nexport const entities = {\n")
	for _, e := range contract.Entities {
		fmt.Fprintf(&b, "  %s,\n", naming.Pascal(e.Name))
	}
	b.WriteString("};\n\nexport default entities;\n")
	return b.String()
}

// renderEnvExample documents the env vars the rewired app needs. Values
// are placeholders; real credentials never land in generated files.
func renderEnvExample(contract *intake.Contract, varName string) string {
	var b strings.Builder
	b.WriteString("# Point the generated API client at the migrated backend.\n")
	fmt.Fprintf(&b, "%s=http://localhost:8080\n", varName)

	others := otherEnvVars(contract, varName)
	if len(others) > 0 {
		b.WriteString("\n# Variables the source app already reads. Placeholders only;\n")
		b.WriteString("# supply real values through your deployment secrets.\n")
		for _, name := range others {
			fmt.Fprintf(&b, "%s=replace-me\n", name)
		}
	}
	return b.String()
}

// otherEnvVars returns the contract's detected env vars minus the base
// URL variable this stage owns, in contract order.
func otherEnvVars(contract *intake.Contract, varName string) []string {
	var out []string
	for _, v := range contract.EnvVars {
		if v.Name == varName {
			continue
		}
		out = append(out, v.Name)
	}
	return out
}

func renderWiring(contract *intake.Contract, varName string) string {
	var b strings.Builder
	b.WriteString("# Frontend wiring\n\n")
	fmt.Fprintf(&b, "Scope: swap the API client wrapper and set %s. No other source\nfiles change.\n\n", varName)

	b.WriteString("## Generated client\n\n")
	fmt.Fprintf(&b, "- `%s/%s` with per-entity CRUD methods", TreePath, ClientFile)
	if len(contract.Entities) > 0 {
		names := make([]string, len(contract.Entities))
		for i, e := range contract.Entities {
			names[i] = naming.Pascal(e.Name)
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(names, ", "))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "- `%s/%s` documenting the env vars\n\n", TreePath, EnvFile)

	b.WriteString("## Client files to replace in the source app\n\n")
	if len(contract.APIClientFiles) == 0 {
		b.WriteString("The scan found no dedicated client wrapper; update call sites to\nimport from the generated client instead.\n\n")
	} else {
		for _, f := range contract.APIClientFiles {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Environment variables\n\n")
	fmt.Fprintf(&b, "- `%s`: set to the deployed backend URL (the client falls back to\n  `http://localhost:8080`).\n", varName)
	for _, name := range otherEnvVars(contract, varName) {
		fmt.Fprintf(&b, "- `%s`: already read by the source app; keep its current value or\n  retire it if the backend replaces that integration.\n", name)
	}
	return b.String()
}
