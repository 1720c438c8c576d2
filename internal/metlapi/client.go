// Package metlapi is a typed client for the orchestration server's listing
// endpoints. Responses are decoded once into Go types so a change in the
// upstream shape fails at decode time.
package metlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"metl-sql/internal/domain"
	"metl-sql/internal/gateway"
)

// Getter issues a GET against the API. *gateway.Gateway satisfies it.
type Getter interface {
	Get(ctx context.Context, creds domain.Credentials, path string) (*gateway.Response, error)
}

// Client lists resources of the orchestration hierarchy.
type Client struct {
	api Getter
}

// New returns a Client over api.
func New(api Getter) *Client {
	return &Client{api: api}
}

// Login probes the API root with creds. Any non-200 answer or transport
// failure rejects the credentials.
func (c *Client) Login(ctx context.Context, creds domain.Credentials) error {
	resp, err := c.api.Get(ctx, creds, "")
	if err != nil {
		return fmt.Errorf("login probe: %w", err)
	}
	if !resp.OK() {
		return domain.ErrUpstream(resp.Status, nil, "login probe returned status %d", resp.Status)
	}
	return nil
}

// Groups lists all group names.
func (c *Client) Groups(ctx context.Context, creds domain.Credentials) ([]string, error) {
	return c.names(ctx, creds, "group", "groups")
}

// Projects lists the projects of a group.
func (c *Client) Projects(ctx context.Context, creds domain.Credentials, group string) ([]string, error) {
	return c.names(ctx, creds, projectPath(group), "projects")
}

// Schedules lists the schedules of a project.
func (c *Client) Schedules(ctx context.Context, creds domain.Credentials, group, project string) ([]string, error) {
	return c.names(ctx, creds, inProject(group, project, "schedule"), "schedules")
}

// Environments lists the environments of a project.
func (c *Client) Environments(ctx context.Context, creds domain.Credentials, group, project string) ([]string, error) {
	return c.names(ctx, creds, inProject(group, project, "environment"), "environments")
}

// Versions lists the versions of a project.
func (c *Client) Versions(ctx context.Context, creds domain.Credentials, group, project string) ([]string, error) {
	return c.names(ctx, creds, inProject(group, project, "version"), "versions")
}

// Jobs lists the jobs of a project version.
func (c *Client) Jobs(ctx context.Context, creds domain.Credentials, group, project, version string) ([]string, error) {
	path := inProject(group, project, "version/name/"+gateway.Escape(version)+"/job")
	return c.names(ctx, creds, path, "jobs")
}

// RunningTasks lists the tasks of a project that are running or queued.
func (c *Client) RunningTasks(ctx context.Context, creds domain.Credentials, group, project string) ([]RunningTask, error) {
	const what = "running jobs"
	body, err := c.list(ctx, creds, inProject(group, project, "task/running"), what)
	if err != nil {
		return nil, err
	}
	var tasks []RunningTask
	if err := json.Unmarshal(body, &tasks); err != nil {
		return nil, domain.ErrUpstream(0, err, "Error listing %s", what)
	}
	return tasks, nil
}

func (c *Client) names(ctx context.Context, creds domain.Credentials, path, what string) ([]string, error) {
	body, err := c.list(ctx, creds, path, what)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(body, &names); err != nil {
		return nil, domain.ErrUpstream(0, err, "Error listing %s", what)
	}
	return names, nil
}

func (c *Client) list(ctx context.Context, creds domain.Credentials, path, what string) ([]byte, error) {
	resp, err := c.api.Get(ctx, creds, path)
	if err != nil {
		return nil, domain.ErrUpstream(0, err, "Error listing %s", what)
	}
	if !resp.OK() {
		return nil, domain.ErrUpstream(resp.Status, nil, "Error listing %s", what)
	}
	return resp.Body, nil
}

func projectPath(group string) string {
	return "group/name/" + gateway.Escape(group) + "/project"
}

func inProject(group, project, rest string) string {
	return projectPath(group) + "/name/" + gateway.Escape(project) + "/" + rest
}

// RunningTask is one entry of a project's running-task listing.
type RunningTask struct {
	ID          FlexString `json:"id"`
	VersionName string     `json:"versionName"`
	JobName     string     `json:"jobName"`
	State       string     `json:"state"`
	StartTime   int64      `json:"startTime"` // epoch milliseconds
}

// StateRunning is the task state whose start time is meaningful.
const StateRunning = "RUNNING"

// FlexString decodes a JSON string or number as text. Task ids arrive as
// either depending on the server release.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: want string or number, got %s", data)
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		*f = FlexString(strconv.FormatInt(i, 10))
		return nil
	}
	*f = FlexString(n.String())
	return nil
}
