// Package llm defines the LLM client interface used by the provisioning
// pipeline, plus the JSON transport shared by the provider packages.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultTimeout bounds a single completion request.
const DefaultTimeout = 2 * time.Minute

// Client is a minimal interface for making LLM API calls.
// Implementations provide the actual HTTP transport to a specific provider.
type Client interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// StatusError is a non-200 answer from a provider API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("error (%d): %s", e.StatusCode, e.Body)
}

// DoJSON marshals reqBody, sends it with headers and decodes a 200 answer
// into respBody.
func DoJSON(
	ctx context.Context,
	client *http.Client,
	method, url string,
	headers map[string]string,
	reqBody any,
	respBody any,
) error {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return errors.Wrap(err, "encoding request")
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(jsonBody))
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading response")
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > 1024 {
			body = body[:1024]
		}
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, respBody); err != nil {
		return errors.Wrap(err, "parsing response")
	}
	return nil
}
