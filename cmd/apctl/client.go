package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

// errorResponse matches internal/http ErrorResponse.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Branch  string `json:"branch,omitempty"`
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func newClient() *client {
	return &client{
		base:  strings.TrimRight(serverURL, "/"),
		token: adminToken,
		http:  &http.Client{Timeout: timeout},
	}
}

// do sends body as JSON and prints the indented response to cmd's output.
func (c *client) do(cmd *cobra.Command, method, path string, body any, headers ...string) error {
	var reader io.Reader
	if body != nil {
		reqJSON, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(reqJSON)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Admin-Token", c.token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var e errorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			if e.Branch != "" {
				return fmt.Errorf("%s (%d): %s (branch %s)", e.Error, resp.StatusCode, e.Message, e.Branch)
			}
			return fmt.Errorf("%s (%d): %s", e.Error, resp.StatusCode, e.Message)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		out.Reset()
		out.Write(raw)
	}
	out.WriteByte('\n')
	_, err = cmd.OutOrStdout().Write(out.Bytes())
	return err
}
