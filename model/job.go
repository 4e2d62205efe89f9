package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusDone      Status = "DONE"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsValid checks if the status is a known job status.
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// BackendStack selects the language of the generated backend.
type BackendStack string

const (
	BackendPython BackendStack = "python"
	BackendNode   BackendStack = "node"
)

// IsValid checks if the backend stack is supported.
func (b BackendStack) IsValid() bool {
	return b == BackendPython || b == BackendNode
}

// DBStack selects the storage mode for inferred entities.
type DBStack string

const (
	DBPostgres DBStack = "postgres"
	DBMongo    DBStack = "mongo"
	DBHybrid   DBStack = "hybrid"
)

// IsValid checks if the db stack is supported.
func (d DBStack) IsValid() bool {
	return d == DBPostgres || d == DBMongo || d == DBHybrid
}

// CommitMode selects how finalization lands changes in the target repo.
type CommitMode string

const (
	CommitPR     CommitMode = "pr"
	CommitDirect CommitMode = "direct"
)

// IsValid checks if the commit mode is supported.
func (c CommitMode) IsValid() bool {
	return c == CommitPR || c == CommitDirect
}

// HybridStrategy governs how hybrid db_stack jobs partition entities
// between the relational and document stores.
type HybridStrategy string

const (
	// StrategyDocToMongo routes variable-shaped entities (additionalProperties
	// maps, arrays of objects) to mongo and rigid entities to postgres.
	StrategyDocToMongo HybridStrategy = "docToMongo"

	// StrategyPostgresJSONBFirst keeps simple additionalProperties maps in
	// postgres as JSONB; only arrays of objects go to mongo.
	StrategyPostgresJSONBFirst HybridStrategy = "postgresJsonbFirst"
)

// IsValid checks if the strategy is known. Empty is valid and means the
// default (docToMongo).
func (h HybridStrategy) IsValid() bool {
	return h == "" || h == StrategyDocToMongo || h == StrategyPostgresJSONBFirst
}

// DBPreferences carries per-job storage routing overrides.
type DBPreferences struct {
	HybridStrategy   HybridStrategy `json:"hybridStrategy,omitempty" yaml:"hybridStrategy,omitempty"`
	MongoEntities    []string       `json:"mongoEntities,omitempty" yaml:"mongoEntities,omitempty"`
	PostgresEntities []string       `json:"postgresEntities,omitempty" yaml:"postgresEntities,omitempty"`
}

// Job is one migration request and its full lifecycle state. Records are
// mutated only by the worker runtime (and the cancel operation) and are
// never deleted automatically.
type Job struct {
	ID            string        `json:"id"`
	SourceRepoURL string        `json:"source_repo_url"`
	TargetRepoURL string        `json:"target_repo_url"`
	BackendStack  BackendStack  `json:"backend_stack"`
	DBStack       DBStack       `json:"db_stack"`
	CommitMode    CommitMode    `json:"commit_mode"`
	DBPreferences DBPreferences `json:"db_preferences,omitempty"`

	Status Status `json:"status"`
	Stage  Stage  `json:"stage"`
	Error  string `json:"error,omitempty"`

	// Artifacts indexes artifact keys to workspace-relative paths, merged
	// after each successful stage.
	Artifacts map[string]string `json:"artifacts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob creates a queued job positioned at the first pipeline stage.
func NewJob(sourceURL, targetURL string, backend BackendStack, db DBStack, mode CommitMode) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:            uuid.New().String(),
		SourceRepoURL: sourceURL,
		TargetRepoURL: targetURL,
		BackendStack:  backend,
		DBStack:       db,
		CommitMode:    mode,
		Status:        StatusQueued,
		Stage:         FirstStage(),
		Artifacts:     make(map[string]string),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Validate checks the job's enum fields and required URLs.
func (j *Job) Validate() error {
	if j.SourceRepoURL == "" {
		return fmt.Errorf("source_repo_url is required")
	}
	if j.TargetRepoURL == "" {
		return fmt.Errorf("target_repo_url is required")
	}
	if !j.BackendStack.IsValid() {
		return fmt.Errorf("invalid backend_stack: %q", j.BackendStack)
	}
	if !j.DBStack.IsValid() {
		return fmt.Errorf("invalid db_stack: %q", j.DBStack)
	}
	if !j.CommitMode.IsValid() {
		return fmt.Errorf("invalid commit_mode: %q", j.CommitMode)
	}
	if !j.DBPreferences.HybridStrategy.IsValid() {
		return fmt.Errorf("invalid db_preferences.hybridStrategy: %q", j.DBPreferences.HybridStrategy)
	}
	return nil
}

// MergeArtifacts records artifact paths produced by a completed stage.
func (j *Job) MergeArtifacts(updates map[string]string) {
	if len(updates) == 0 {
		return
	}
	if j.Artifacts == nil {
		j.Artifacts = make(map[string]string, len(updates))
	}
	for k, v := range updates {
		j.Artifacts[k] = v
	}
}
