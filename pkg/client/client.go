package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/mscluster/pkg/api"
	"github.com/cuemby/mscluster/pkg/types"
)

// DefaultTimeout bounds calls that carry no deadline of their own
const DefaultTimeout = 10 * time.Second

// Error is a non-2xx reply from the admin API
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("admin API returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the admin API of a running management server
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the admin API at addr (host:port or URL)
func NewClient(addr string) (*Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("admin API address is required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid admin API address: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{},
	}, nil
}

// ListNodes lists registry rows, optionally including removed nodes.
// It also returns the MsID of the server that answered.
func (c *Client) ListNodes(ctx context.Context, all bool) ([]*types.ManagementServerNode, int64, error) {
	path := "/nodes"
	if all {
		path += "?all=true"
	}

	var resp api.NodesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Nodes, resp.Self, nil
}

// RemoveNode soft-deletes a Down management server
func (c *Client) RemoveNode(ctx context.Context, msid int64) error {
	return c.do(ctx, http.MethodDelete, "/nodes/"+strconv.FormatInt(msid, 10), nil, nil)
}

// Exec runs a payload on a peer through the server and returns the result
func (c *Client) Exec(ctx context.Context, req api.ExecRequest) (string, error) {
	var resp api.ExecResponse
	if err := c.do(ctx, http.MethodPost, "/exec", req, &resp); err != nil {
		return "", err
	}
	return resp.Result, nil
}

// Ping asks the server to ping a peer
func (c *Client) Ping(ctx context.Context, peer string) error {
	return c.do(ctx, http.MethodPost, "/ping", api.PingRequest{Peer: peer}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach admin API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return &Error{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
