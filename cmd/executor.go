package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"log/slog"

	"github.com/l0p7/offsync/queue"
	"github.com/l0p7/offsync/syncer"
)

// forceHeader tells the upstream that a client-wins retry should overwrite
// whatever state caused the original conflict.
const forceHeader = "X-Force-Overwrite"

// httpExecutor replays queued requests as plain HTTP calls. A 409 response is
// reported as a conflict with the response body as the server's state; any
// other non-2xx status is a failed attempt.
type httpExecutor struct {
	client *http.Client
	log    *slog.Logger
}

func newHTTPExecutor(log *slog.Logger) *httpExecutor {
	return &httpExecutor{
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

func (e *httpExecutor) Execute(ctx context.Context, req queue.Request) (syncer.ExecResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return syncer.ExecResult{}, fmt.Errorf("build request %s %s: %w", req.Method, req.URL, err)
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}
	if req.Metadata[syncer.MetaForce] == "true" {
		httpReq.Header.Set(forceHeader, "true")
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return syncer.ExecResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return syncer.ExecResult{}, fmt.Errorf("read response %s %s: %w", req.Method, req.URL, err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		e.log.Debug("upstream reported conflict", slog.String("url", req.URL))
		return syncer.ExecResult{Conflict: true, ServerState: body}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return syncer.ExecResult{Body: body}, nil
	default:
		return syncer.ExecResult{}, fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL, resp.StatusCode)
	}
}
