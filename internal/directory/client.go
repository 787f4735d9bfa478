// Package directory talks to the system of record that owns users, teams,
// projects and tasks. Every call is bounded by a configured timeout; callers
// degrade to empty results on failure rather than surfacing errors to
// clients.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Resolver is the collaborator surface the gateway consumes.
type Resolver interface {
	// ResolveProjectTeam maps a project to its owning team.
	ResolveProjectTeam(ctx context.Context, projectID string) (string, error)
	// UserTeams returns the team IDs a subject belongs to.
	UserTeams(ctx context.Context, subjectID string) ([]string, error)
	// UserTasks returns the tasks currently visible to a subject.
	UserTasks(ctx context.Context, subjectID string) ([]Task, error)
}

// Task is the system-of-record task shape forwarded on sync.
type Task struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"projectId"`
	Title      string          `json:"title"`
	Status     string          `json:"status,omitempty"`
	AssignedTo string          `json:"assignedTo,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Client is a JSON-over-HTTP Resolver.
type Client struct {
	baseURL      string
	serviceToken string
	httpClient   *http.Client
	timeout      time.Duration
}

var _ Resolver = (*Client)(nil)

func NewClient(baseURL, serviceToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		baseURL:      baseURL,
		serviceToken: serviceToken,
		httpClient:   &http.Client{Timeout: timeout},
		timeout:      timeout,
	}
}

func (c *Client) ResolveProjectTeam(ctx context.Context, projectID string) (string, error) {
	var out struct {
		TeamID string `json:"teamId"`
	}
	path := fmt.Sprintf("/internal/projects/%s/team", url.PathEscape(projectID))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return "", err
	}
	if out.TeamID == "" {
		return "", fmt.Errorf("directory: project %q has no team", projectID)
	}
	return out.TeamID, nil
}

func (c *Client) UserTeams(ctx context.Context, subjectID string) ([]string, error) {
	var out struct {
		TeamIDs []string `json:"teamIds"`
	}
	path := fmt.Sprintf("/internal/users/%s/teams", url.PathEscape(subjectID))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.TeamIDs, nil
}

func (c *Client) UserTasks(ctx context.Context, subjectID string) ([]Task, error) {
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	path := fmt.Sprintf("/internal/users/%s/tasks", url.PathEscape(subjectID))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("directory: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory: %s returned %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("directory: decode %s: %w", path, err)
	}
	return nil
}
