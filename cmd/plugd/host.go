package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/plugd/pkg/monitor"
)

// maxHostResponse bounds host API bodies relayed to a plugin
const maxHostResponse = 4 << 20

// hostForwarder relays bridge calls that passed the permission check to the
// dashboard host API
func hostForwarder(baseURL string, timeout time.Duration) monitor.HostAPIFunc {
	client := &http.Client{Timeout: timeout}
	base := strings.TrimRight(baseURL, "/")

	return func(ctx context.Context, pluginID string, req *monitor.Request) (*monitor.Response, error) {
		if req.Kind != "" && req.Kind != monitor.CallAPI {
			return nil, fmt.Errorf("host API does not serve %s calls", req.Kind)
		}
		if !strings.HasPrefix(req.Target, "/") {
			return nil, fmt.Errorf("host API target must be a path: %q", req.Target)
		}

		method := req.Method
		if method == "" {
			method = http.MethodGet
		}
		var body io.Reader
		if len(req.Body) > 0 {
			body = bytes.NewReader(req.Body)
		}

		httpReq, err := http.NewRequestWithContext(ctx, method, base+req.Target, body)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("X-Plugin-ID", pluginID)
		if body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("host API request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxHostResponse))
		if err != nil {
			return nil, fmt.Errorf("failed to read host API response: %w", err)
		}

		out := &monitor.Response{Status: resp.StatusCode}
		if len(data) > 0 {
			if json.Valid(data) {
				out.Body = data
			} else if out.Body, err = json.Marshal(string(data)); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
}
