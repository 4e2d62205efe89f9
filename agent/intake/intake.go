// Package intake infers the contract between the source frontend and
// the backend it expects by scanning the cloned source tree. The
// resulting ui-contract.json drives every design and generation stage
// after it.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/c360studio/migrator/agent"
	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/workspace"
)

// Agent scans the cloned source repository and writes ui-contract.json.
type Agent struct{}

// New creates the intake agent.
func New() *Agent {
	return &Agent{}
}

// Stage identifies the pipeline stage this agent handles.
func (a *Agent) Stage() model.Stage {
	return model.StageIntakeUIContract
}

// Run performs the scan. Individual files that cannot be read or
// parsed degrade to notes and detection metadata; only a missing
// source checkout or a failure to persist the contract fails the
// stage.
func (a *Agent) Run(ctx context.Context, job *model.Job, ws *workspace.Workspace) agent.Result {
	info, err := os.Stat(ws.SourceDir)
	if err != nil || !info.IsDir() {
		return agent.Fatal("source checkout missing at %s", ws.SourceDir)
	}

	entities, detection := discoverEntities(ws.SourceDir)
	framework := detectFramework(ws.SourceDir)

	envVars, err := detectEnvVars(ws.SourceDir)
	if err != nil {
		return agent.Retryable("scan environment variables: %v", err)
	}
	endpoints, fallbackFiles, err := scanEndpoints(ctx, ws.SourceDir)
	if err != nil {
		return agent.Retryable("scan endpoints: %v", err)
	}

	contract := Contract{
		SourceRepoURL:   job.SourceRepoURL,
		Framework:       framework,
		Entities:        entities,
		EndpointsUsed:   endpoints,
		EnvVars:         envVars,
		APIClientFiles:  detectAPIClientFiles(ws.SourceDir),
		EntityDetection: detection,
	}
	contract.Notes = contractNotes(contract, fallbackFiles)

	data, err := json.MarshalIndent(contract, "", "  ")
	if err != nil {
		return agent.Fatal("encode ui contract: %v", err)
	}
	if err := ws.WriteArtifact(ArtifactName, data); err != nil {
		return agent.Retryable("write %s: %v", ArtifactName, err)
	}

	return agent.Success("inferred ui contract: %d entities, %d endpoints, framework %s",
		len(contract.Entities), len(contract.EndpointsUsed), contract.Framework.Name).
		WithArtifacts(map[string]string{"ui_contract": ArtifactName})
}

// contractNotes summarizes scan caveats for human reviewers.
func contractNotes(c Contract, fallbackFiles int) []string {
	notes := []string{}
	if len(c.Entities) == 0 {
		notes = append(notes, "no entity definitions found; schema design will rely on endpoint usage")
	}
	if failed := len(c.EntityDetection.FilesFailed); failed > 0 {
		notes = append(notes, fmt.Sprintf("%d entity files could not be parsed; see entityDetection.filesFailed", failed))
	}
	if fallbackFiles > 0 {
		notes = append(notes, fmt.Sprintf("pattern matching stood in for the syntax parser on %d files", fallbackFiles))
	}
	if c.Framework.Name == "unknown" {
		notes = append(notes, "frontend framework not recognized")
	}
	return notes
}
