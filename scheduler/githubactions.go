package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/justapithecus/sluice/config"
	"github.com/justapithecus/sluice/iox"
	"github.com/justapithecus/sluice/types"
)

// githubAPIBase is the production GitHub REST endpoint; tests override it.
const githubAPIBase = "https://api.github.com"

// GitHubActionsDriver triggers CI-based actions runners through the
// workflow-dispatch API. The payload travels by URL, not value: dispatch
// inputs have a size limit, so successors fetch the document themselves and
// apply the serialized override set on top.
type GitHubActionsDriver struct {
	wf      *types.Workflow
	cfg     config.Runtime
	emitter Emitter
	apiBase string
	client  *http.Client
}

// NewGitHubActionsDriver creates the GitHub Actions driver.
func NewGitHubActionsDriver(wf *types.Workflow, cfg config.Runtime, emitter Emitter) *GitHubActionsDriver {
	return &GitHubActionsDriver{
		wf:      wf,
		cfg:     cfg,
		emitter: emitter,
		apiBase: githubAPIBase,
		client:  &http.Client{Timeout: cfg.HTTPTimeout.Duration},
	}
}

// WithAPIBase overrides the API base URL (for tests).
func (d *GitHubActionsDriver) WithAPIBase(base string) *GitHubActionsDriver {
	d.apiBase = base
	return d
}

// dispatchRequest is the workflow-dispatch POST body.
type dispatchRequest struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs"`
}

// Invoke POSTs a workflow-dispatch event for the function's workflow file.
// All outcomes are logged and non-fatal.
func (d *GitHubActionsDriver) Invoke(ctx context.Context, server *types.ComputeServer, function string) error {
	repo := fmt.Sprintf("%s/%s", server.UserName, server.ActionRepoName)
	workflowFile := function
	if !strings.HasSuffix(function, ".yml") && !strings.HasSuffix(function, ".yaml") {
		workflowFile = function + ".yml"
	}

	overridden, err := json.Marshal(d.wf.OverriddenFields())
	if err != nil {
		return fmt.Errorf("github actions: serialize overrides: %w", err)
	}

	body, err := json.Marshal(dispatchRequest{
		Ref: server.Branch,
		Inputs: map[string]string{
			"OVERWRITTEN": string(overridden),
			"PAYLOAD_URL": d.wf.URL(),
		},
	})
	if err != nil {
		return fmt.Errorf("github actions: serialize request: %w", err)
	}

	url := fmt.Sprintf("%s/repos/%s/actions/workflows/%s/dispatches", d.apiBase, repo, workflowFile)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("github actions: build request: %w", err)
	}
	req.Header.Set("Authorization", "token "+server.Token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := d.client.Do(req)
	if err != nil {
		d.emitter.Emit(ctx, "trigger",
			fmt.Sprintf("GitHub Action: unknown error when invoking %s", function))
		return nil
	}
	defer iox.DiscardClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent:
		d.emitter.Emit(ctx, "trigger",
			fmt.Sprintf("GitHub Action: Successfully invoked: %s", d.wf.FunctionInvoke))
	case http.StatusUnauthorized:
		d.emitter.Emit(ctx, "trigger",
			"GitHub Action: Authentication failed, check the credentials")
	case http.StatusNotFound:
		d.emitter.Emit(ctx, "trigger",
			fmt.Sprintf("GitHub Action: Cannot find the destination, check the repo name: %s and workflow name: %s", repo, workflowFile))
	case http.StatusUnprocessableEntity:
		if message := responseMessage(resp); message != "" {
			d.emitter.Emit(ctx, "trigger",
				fmt.Sprintf("GitHub Action: Cannot find the destination -- %s", message))
		} else {
			d.emitter.Emit(ctx, "trigger",
				fmt.Sprintf("GitHub Action: Cannot find the destination -- check ref %s", server.Branch))
		}
	default:
		if message := responseMessage(resp); message != "" {
			d.emitter.Emit(ctx, "trigger",
				fmt.Sprintf("GitHub Action: error when invoking function -- %s", message))
		} else {
			d.emitter.Emit(ctx, "trigger",
				"GitHub Action: unknown error happens when invoke next function")
		}
	}
	return nil
}

// responseMessage extracts the "message" field from a GitHub error response,
// or empty when absent or unparseable.
func responseMessage(resp *http.Response) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ""
	}
	return payload.Message
}

// Verify GitHubActionsDriver implements Driver.
var _ Driver = (*GitHubActionsDriver)(nil)
