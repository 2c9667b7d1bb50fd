// Package client holds outbound integrations: the Flowable REST engine
// client and the NATS event publisher.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/polisource/be-refdata-approvals/internal/errors"
)

// FlowableClient talks to the Flowable REST API. The service treats the
// engine as an external collaborator: it starts processes, claims and
// completes tasks, and reads/writes process variables; the engine owns
// routing between BPMN nodes.
type FlowableClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

// Config holds Flowable REST connection settings.
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// NewFlowableClient creates a Flowable REST client.
func NewFlowableClient(cfg Config) *FlowableClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &FlowableClient{
		baseURL:    cfg.BaseURL,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// engineVariable is the Flowable REST variable payload shape.
type engineVariable struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
	Type  string `json:"type,omitempty"`
}

func toEngineVariables(vars map[string]any) []engineVariable {
	out := make([]engineVariable, 0, len(vars))
	for name, value := range vars {
		out = append(out, engineVariable{Name: name, Value: value})
	}
	return out
}

// StartProcess starts a process instance by definition key and returns the
// new process instance id.
func (c *FlowableClient) StartProcess(ctx context.Context, definitionKey string, variables map[string]any) (string, error) {
	body := map[string]any{
		"processDefinitionKey": definitionKey,
		"variables":            toEngineVariables(variables),
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/runtime/process-instances", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// ClaimTask claims a task for a user.
func (c *FlowableClient) ClaimTask(ctx context.Context, taskID, userID string) error {
	body := map[string]any{"action": "claim", "assignee": userID}
	return c.do(ctx, http.MethodPost, "/runtime/tasks/"+taskID, body, nil)
}

// CompleteTask completes a task, attaching the given variables.
func (c *FlowableClient) CompleteTask(ctx context.Context, taskID string, variables map[string]any) error {
	body := map[string]any{
		"action":    "complete",
		"variables": toEngineVariables(variables),
	}
	return c.do(ctx, http.MethodPost, "/runtime/tasks/"+taskID, body, nil)
}

// SetProcessVariables writes process-scoped variables. Variables persist
// across re-entries into the same stage, so a fresh decision must overwrite
// the previous one explicitly (last-write-wins).
func (c *FlowableClient) SetProcessVariables(ctx context.Context, processInstanceID string, variables map[string]any) error {
	return c.do(ctx, http.MethodPut,
		"/runtime/process-instances/"+processInstanceID+"/variables",
		toEngineVariables(variables), nil)
}

// DeleteProcess removes a running process instance.
func (c *FlowableClient) DeleteProcess(ctx context.Context, processInstanceID, reason string) error {
	path := "/runtime/process-instances/" + processInstanceID
	if reason != "" {
		path += "?deleteReason=" + reason
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// do issues one REST call with basic auth and decodes the JSON response.
func (c *FlowableClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal engine request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to build engine request")
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "engine request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.NotFound("engine resource", path)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("engine returned %d for %s %s: %s", resp.StatusCode, method, path, string(data)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to decode engine response")
		}
	}
	return nil
}
