// Package asyncarch implements the ADD_ASYNC stage. It bolts a
// queue-and-worker pattern onto the generated backend: a Redis-backed
// worker process, a compose override wiring redis and the worker in,
// and the dependency additions the worker needs. The pattern itself is
// documented in async-plan.md for the humans taking the backend over.
package asyncarch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360studio/migrator/agent"
	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/workspace"
)

// PlanArtifact describes the queue and worker layout.
const PlanArtifact = "async-plan.md"

// Agent adds async-worker scaffolding to the generated tree.
type Agent struct{}

// New creates the asyncarch agent.
func New() *Agent {
	return &Agent{}
}

// Stage identifies the pipeline stage this agent handles.
func (a *Agent) Stage() model.Stage {
	return model.StageAddAsync
}

// Run writes the worker files next to the generated backend. A missing
// backend tree is fatal: the generate stage will not run again.
func (a *Agent) Run(ctx context.Context, job *model.Job, ws *workspace.Workspace) agent.Result {
	if _, err := os.Stat(ws.BackendDir()); err != nil {
		return agent.Fatal("generated backend missing at %s: %v", ws.BackendDir(), err)
	}

	var err error
	switch job.BackendStack {
	case model.BackendNode:
		err = addNodeWorker(ws.BackendDir())
	default:
		err = addPythonWorker(ws.BackendDir())
	}
	if err != nil {
		return agent.Retryable("add worker scaffolding: %v", err)
	}

	if err := ws.WriteArtifact(PlanArtifact, []byte(renderPlan(job))); err != nil {
		return agent.Retryable("write %s: %v", PlanArtifact, err)
	}

	return agent.Success("added %s worker scaffolding with redis queue", job.BackendStack).
		WithArtifacts(map[string]string{"async_plan": PlanArtifact})
}

func addPythonWorker(root string) error {
	if err := writeFile(root, "app/worker.py", pythonWorker); err != nil {
		return err
	}
	if err := writeFile(root, "docker-compose.override.yml", composeOverride("python", "-m", "app.worker")); err != nil {
		return err
	}
	return ensureLine(filepath.Join(root, "requirements.txt"), "redis==5.0.8")
}

func addNodeWorker(root string) error {
	if err := writeFile(root, "worker.js", nodeWorker); err != nil {
		return err
	}
	if err := writeFile(root, "docker-compose.override.yml", composeOverride("node", "worker.js")); err != nil {
		return err
	}
	return ensureDependency(filepath.Join(root, "package.json"), "redis", "^4.7.0")
}

func writeFile(root, rel, content string) error {
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// ensureLine appends a line to a file unless it is already present, so
// re-runs do not stack duplicates.
func ensureLine(path, line string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, existing := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(existing) == line {
			return nil
		}
	}
	content := string(data)
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content+line+"\n"), 0644)
}

// ensureDependency inserts a dependency into package.json unless one
// is already declared.
func ensureDependency(path, name, version string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var manifest map[string]any
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	deps, _ := manifest["dependencies"].(map[string]any)
	if deps == nil {
		deps = map[string]any{}
		manifest["dependencies"] = deps
	}
	if _, ok := deps[name]; ok {
		return nil
	}
	deps[name] = version
	out, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(out, '\n'), 0644)
}

func composeOverride(command ...string) string {
	quoted := make([]string, len(command))
	for i, c := range command {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return fmt.Sprintf(`services:
  api:
    environment:
      - REDIS_URL=redis://redis:6379/0
    depends_on:
      redis:
        condition: service_healthy

  worker:
    build: .
    command: [%s]
    environment:
      - REDIS_URL=redis://redis:6379/0
      - TASK_QUEUE=tasks
    depends_on:
      redis:
        condition: service_healthy

  redis:
    image: redis:7-alpine
    healthcheck:
      test: ["CMD", "redis-cli", "ping"]
      interval: 5s
      timeout: 3s
      retries: 10
`, strings.Join(quoted, ", "))
}

func renderPlan(job *model.Job) string {
	workerFile := "app/worker.py"
	enqueueHint := `client.lpush("tasks", json.dumps({"kind": "example"}))`
	if job.BackendStack == model.BackendNode {
		workerFile = "worker.js"
		enqueueHint = `await client.lPush("tasks", JSON.stringify({ kind: "example" }))`
	}
	return fmt.Sprintf(`# Async architecture

The generated backend gets a queue-and-worker pattern for work that
should not block request handlers.

## Layout

- Queue: Redis list (service "redis" in docker-compose.override.yml,
  queue name from TASK_QUEUE, default "tasks").
- Worker: %s, a separate container built from the same image as the
  API, consuming tasks with a blocking pop loop.
- The API container gets REDIS_URL injected so request handlers can
  enqueue.

## Enqueuing work

Producers push JSON task objects with a "kind" discriminator:

    %s

The worker's handle() function is the extension point: dispatch on
task["kind"] and add handlers as the backend grows real async needs
(emails, exports, webhooks).

## Operational notes

- The override file composes with the base docker-compose.yml; "docker
  compose up" starts api, worker and redis together.
- Tasks are at-most-once: a worker crash mid-task drops it. Move to a
  reliable queue (BRPOPLPUSH or a proper broker) before putting
  anything irreplaceable on the queue.
`, workerFile, enqueueHint)
}

const pythonWorker = `"""Background worker consuming tasks from the Redis queue."""
import json
import os

import redis

QUEUE = os.environ.get("TASK_QUEUE", "tasks")


def handle(task: dict) -> None:
    print(f"processing task: {task.get('kind', 'unknown')}", flush=True)


def main() -> None:
    client = redis.Redis.from_url(os.environ.get("REDIS_URL", "redis://localhost:6379/0"))
    print(f"worker listening on queue {QUEUE}", flush=True)
    while True:
        item = client.blpop(QUEUE, timeout=5)
        if item is None:
            continue
        _, raw = item
        try:
            task = json.loads(raw)
        except json.JSONDecodeError:
            print("skipping malformed task", flush=True)
            continue
        handle(task)


if __name__ == "__main__":
    main()
`

const nodeWorker = `const { createClient } = require("redis");

const queue = process.env.TASK_QUEUE || "tasks";

function handle(task) {
  console.log("processing task: " + (task.kind || "unknown"));
}

async function main() {
  const client = createClient({ url: process.env.REDIS_URL || "redis://localhost:6379" });
  await client.connect();
  console.log("worker listening on queue " + queue);
  for (;;) {
    const item = await client.blPop(queue, 5);
    if (!item) {
      continue;
    }
    let task;
    try {
      task = JSON.parse(item.element);
    } catch (err) {
      console.log("skipping malformed task");
      continue;
    }
    handle(task);
  }
}

main().catch((err) => {
  console.error(err);
  process.exit(1);
});
`
