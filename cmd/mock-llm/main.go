// Package main implements a canned LLM endpoint for offline pipeline
// runs. The schema and API design stages enrich their artifacts
// through an OpenAI-compatible chat completions call; pointing
// llm.endpoint at this server replaces the provider with fixture prose,
// so full migrations run deterministically with no network and no key.
//
// Usage:
//
//	mock-llm -fixtures ./fixtures -port 11434
//
// Fixtures are plain text files named by model: "design-notes.txt" is
// served whenever a request asks for model "design-notes". Numbered
// variants ("design-notes.1.txt", "design-notes.2.txt") are played in
// call order before the base file repeats forever, which lets a test
// script different answers across retries. The -fail-first flag makes
// the first N calls per model return 503 to exercise the client's
// transient retry path.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// receivedCall keeps one request's prompt for later inspection via
// /requests, so a harness can assert what the pipeline actually asked.
type receivedCall struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"`
	Timestamp int64         `json:"timestamp"`
}

type mockServer struct {
	fixtures  map[string][]string
	failFirst int
	logger    *slog.Logger

	mu       sync.Mutex
	calls    map[string]int // per-model call count
	total    int
	received map[string][]receivedCall
}

func newMockServer(fixtures map[string][]string, failFirst int, logger *slog.Logger) *mockServer {
	return &mockServer{
		fixtures:  fixtures,
		failFirst: failFirst,
		logger:    logger,
		calls:     make(map[string]int),
		received:  make(map[string][]receivedCall),
	}
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory of fixture text files")
	port := flag.Int("port", 11434, "port to listen on")
	failFirst := flag.Int("fail-first", 0, "return 503 for the first N calls per model")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	dir := *fixtureDir
	if dir == "" {
		dir = os.Getenv("MOCK_LLM_FIXTURES")
	}
	if dir == "" {
		dir = "./fixtures"
	}

	fixtures, err := loadFixtures(dir)
	if err != nil {
		logger.Error("Load fixtures failed", "dir", dir, "error", err)
		os.Exit(1)
	}
	logger.Info("Fixtures loaded", "dir", dir, "models", len(fixtures))
	for model, seq := range fixtures {
		logger.Info("Model ready", "model", model, "fixtures", len(seq))
	}

	s := newMockServer(fixtures, *failFirst, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	// Both forms, so llm.endpoint may be given with or without /v1.
	mux.HandleFunc("/v1/chat/completions", s.handleCompletions)
	mux.HandleFunc("/chat/completions", s.handleCompletions)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("Mock LLM listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func (s *mockServer) handleCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	seq, ok := s.fixtures[req.Model]
	if !ok {
		s.logger.Warn("No fixture for model", "model", req.Model)
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}

	index, total := s.record(req)
	log := s.logger.With("model", req.Model, "call", index+1, "total_calls", total)

	if index < s.failFirst {
		log.Info("Injecting transient failure")
		http.Error(w, "temporarily overloaded", http.StatusServiceUnavailable)
		return
	}

	// Requests past the scripted sequence repeat the last fixture.
	content := seq[len(seq)-1]
	if index < len(seq) {
		content = seq[index]
	}
	log.Info("Serving fixture", "bytes", len(content))

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Index:        0,
				Message:      chatMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// record logs one call against its model and returns the zero-based
// per-model call index plus the overall total.
func (s *mockServer) record(req chatRequest) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.calls[req.Model]
	s.calls[req.Model] = index + 1
	s.total++
	s.received[req.Model] = append(s.received[req.Model], receivedCall{
		Model:     req.Model,
		Messages:  req.Messages,
		CallIndex: index + 1,
		Timestamp: time.Now().UnixMilli(),
	})
	return index, s.total
}

// handleStats reports call counts for harness assertions.
func (s *mockServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byModel := make(map[string]int, len(s.calls))
	for model, n := range s.calls {
		byModel[model] = n
	}
	total := s.total
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":    total,
		"calls_by_model": byModel,
	})
}

// handleRequests returns the prompts received so far, optionally
// filtered with ?model= and ?call= (1-indexed).
func (s *mockServer) handleRequests(w http.ResponseWriter, r *http.Request) {
	modelFilter := r.URL.Query().Get("model")
	callFilter := 0
	if raw := r.URL.Query().Get("call"); raw != "" {
		callFilter, _ = strconv.Atoi(raw)
	}

	s.mu.Lock()
	result := make(map[string][]receivedCall)
	for model, calls := range s.received {
		if modelFilter != "" && model != modelFilter {
			continue
		}
		if callFilter > 0 {
			for _, c := range calls {
				if c.CallIndex == callFilter {
					result[model] = append(result[model], c)
				}
			}
			continue
		}
		result[model] = calls
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"requests_by_model": result,
	})
}

// numberedFixtureRe matches scripted fixture names like
// "design-notes.2.txt".
var numberedFixtureRe = regexp.MustCompile(`^(.+)\.(\d+)\.txt$`)

// loadFixtures reads every .txt file in dir into model-keyed
// sequences: numbered files in order, then the base file as the
// repeating tail.
func loadFixtures(dir string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	base := make(map[string]string)
	numbered := make(map[string]map[int]string)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".txt") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		if m := numberedFixtureRe.FindStringSubmatch(name); m != nil {
			model := m[1]
			n, _ := strconv.Atoi(m[2])
			if numbered[model] == nil {
				numbered[model] = make(map[int]string)
			}
			numbered[model][n] = string(data)
			continue
		}
		base[strings.TrimSuffix(name, ".txt")] = string(data)
	}

	fixtures := make(map[string][]string)
	for model := range base {
		fixtures[model] = nil
	}
	for model := range numbered {
		fixtures[model] = nil
	}

	for model := range fixtures {
		var seq []string
		if scripted, ok := numbered[model]; ok {
			order := make([]int, 0, len(scripted))
			for n := range scripted {
				order = append(order, n)
			}
			sort.Ints(order)
			for _, n := range order {
				seq = append(seq, scripted[n])
			}
		}
		if tail, ok := base[model]; ok {
			seq = append(seq, tail)
		}
		fixtures[model] = seq
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no .txt fixtures in %s", dir)
	}
	return fixtures, nil
}
