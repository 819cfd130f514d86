package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// StatusCmd prints the status of a running host.
type StatusCmd struct {
	Server    string `help:"Address of the running sync host." default:"http://127.0.0.1:8080" env:"PROGRESS_SYNC_SERVER"`
	Token     string `help:"Admin bearer token." env:"PROGRESS_SYNC_AUTH_TOKEN"`
	Conflicts bool   `help:"List conflicts instead of the status summary."`
}

func (c *StatusCmd) Run(_ *Globals) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	path := "/-/sync/status"
	if c.Conflicts {
		path = "/-/sync/conflicts"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(c.Server, "/")+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(os.Stdout)
	return err
}
