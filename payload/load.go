// Package payload loads the workflow document that drives one invocation.
// Documents arrive as a local file (OpenWhisk/Lambda hand the body straight
// to the container) or by URL (CI runners receive PAYLOAD_URL plus the
// serialized override set and fetch the document themselves).
package payload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/justapithecus/sluice/iox"
	"github.com/justapithecus/sluice/types"
)

// Load reads and parses the workflow document from a local path or an
// HTTP(S) URL. URL-loaded payloads record their origin so the CI driver can
// pass it downstream. A document without an InvocationID gets a fresh one.
func Load(ctx context.Context, source string, timeout time.Duration) (*types.Workflow, error) {
	var raw []byte
	var err error

	fromURL := strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
	if fromURL {
		raw, err = fetch(ctx, source, timeout)
	} else {
		raw, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("payload: read %s: %w", source, err)
	}

	var wf types.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("payload: parse %s: %w", source, err)
	}

	if fromURL {
		wf.SetURL(source)
	}
	if wf.InvocationID == "" {
		wf.SetInvocationID(uuid.NewString())
	}
	return &wf, nil
}

func fetch(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer iox.DiscardClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ApplyOverrides merges a serialized override set (the CI driver's
// OVERWRITTEN input) over the document's top-level fields, so a URL-loaded
// successor observes the same view its predecessor dispatched.
func ApplyOverrides(wf *types.Workflow, overridden []byte) error {
	if len(overridden) == 0 {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(overridden, &fields); err != nil {
		return fmt.Errorf("payload: parse override set: %w", err)
	}
	if len(fields) == 0 {
		return nil
	}

	if err := json.Unmarshal(overridden, wf); err != nil {
		return fmt.Errorf("payload: apply override set: %w", err)
	}
	for field := range fields {
		wf.MarkOverridden(field)
	}
	return nil
}
