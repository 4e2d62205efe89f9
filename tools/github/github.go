// Package github wraps the gh CLI for the pull request operations the
// pipeline's finalization stage performs.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// PullRequest describes a pull request returned by the gh CLI.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	State  string `json:"state"`
}

// PROptions describe the pull request to create.
type PROptions struct {
	Title string
	Body  string
	Base  string // target branch
	Head  string // source branch
}

// Client invokes the gh CLI. A configured token is handed to gh
// through GH_TOKEN, which takes precedence over its stored auth; an
// empty token leaves gh's own auth in place.
type Client struct {
	token string
}

// NewClient creates a gh client. token may be empty.
func NewClient(token string) *Client {
	return &Client{token: token}
}

// Available checks that the gh CLI is installed and authenticated.
func (c *Client) Available() bool {
	cmd := exec.Command("gh", "auth", "status")
	cmd.Env = c.env()
	return cmd.Run() == nil
}

// CreatePR creates a pull request and returns its number and URL.
func (c *Client) CreatePR(ctx context.Context, repoRoot string, opts PROptions) (*PullRequest, error) {
	if opts.Title == "" {
		return nil, fmt.Errorf("pull request title is required")
	}
	if opts.Head == "" {
		return nil, fmt.Errorf("head branch is required")
	}

	args := []string{"pr", "create", "--title", opts.Title, "--body", opts.Body, "--head", opts.Head}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}

	output, err := c.run(ctx, repoRoot, args...)
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}

	url := strings.TrimSpace(output)
	return &PullRequest{
		Number: extractPRNumber(url),
		URL:    url,
		Title:  opts.Title,
		State:  "OPEN",
	}, nil
}

// FindPRByHead looks up an open pull request for the given head branch.
// Returns nil without error when no pull request exists.
func (c *Client) FindPRByHead(ctx context.Context, repoRoot, head string) (*PullRequest, error) {
	if head == "" {
		return nil, fmt.Errorf("head branch is required")
	}

	output, err := c.run(ctx, repoRoot, "pr", "list", "--head", head, "--state", "open",
		"--json", "number,url,title,state")
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}

	var prs []PullRequest
	if err := json.Unmarshal([]byte(output), &prs); err != nil {
		return nil, fmt.Errorf("parse pull request list: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}

// run executes a gh command in the repo directory.
func (c *Client) run(ctx context.Context, repoRoot string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = repoRoot
	cmd.Env = c.env()

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: %s", err, string(output))
	}
	return string(output), nil
}

func (c *Client) env() []string {
	env := os.Environ()
	if c.token != "" {
		env = append(env, "GH_TOKEN="+c.token)
	}
	return env
}

// extractPRNumber extracts the pull request number from a GitHub URL.
func extractPRNumber(url string) int {
	// URL format: https://github.com/owner/repo/pull/123
	parts := strings.Split(url, "/")
	if len(parts) == 0 {
		return 0
	}
	lastPart := strings.TrimSpace(parts[len(parts)-1])

	var result int
	for _, c := range lastPart {
		if c < '0' || c > '9' {
			return 0
		}
		result = result*10 + int(c-'0')
	}
	return result
}
