package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SeriousBug/frame-shift-video-sub000/errors"
)

// probeTimeout bounds status and cancel calls. Execute uses no client
// timeout at all; the response arrives only when the encode ends.
const probeTimeout = 10 * time.Second

// CallbackHeader tells a follower where to POST progress callbacks for
// a dispatched job.
const CallbackHeader = "X-Callback-URL"

// Client is the HTTP side of the inter-node protocol. Every request
// carries an AuthCodec proof over its body.
type Client struct {
	codec    *AuthCodec
	execute  *http.Client
	probe    *http.Client
	callback string
}

// NewClient creates a client signing with the shared token.
func NewClient(token string) *Client {
	return &Client{
		codec:   NewAuthCodec(token),
		execute: &http.Client{},
		probe:   &http.Client{Timeout: probeTimeout},
	}
}

// SetCallbackURL sets the base URL advertised to followers on dispatch.
func (c *Client) SetCallbackURL(url string) {
	c.callback = url
}

// Execute dispatches a job and blocks until the follower's encode
// finishes. Callers cancel via ctx.
func (c *Client) Execute(ctx context.Context, followerURL string, req ExecuteRequest) (*ExecuteResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal execute request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, followerURL+"/worker/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build execute request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(AuthHeader, c.codec.Sign(payload))
	if c.callback != "" {
		httpReq.Header.Set(CallbackHeader, c.callback)
	}

	var resp ExecuteResponse
	if err := c.do(c.execute, httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel asks a follower to kill a running job.
func (c *Client) Cancel(ctx context.Context, followerURL string, jobID int64) (bool, error) {
	var resp CancelResponse
	url := fmt.Sprintf("%s/worker/cancel/%d", followerURL, jobID)
	if err := c.post(ctx, c.probe, url, struct {
		JobID int64 `json:"jobId"`
	}{jobID}, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

// Status fetches a follower's worker status.
func (c *Client) Status(ctx context.Context, followerURL string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.get(ctx, followerURL+"/worker/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SystemStatus fetches a follower's host metrics.
func (c *Client) SystemStatus(ctx context.Context, followerURL string) (*SystemStatus, error) {
	var resp SystemStatus
	if err := c.get(ctx, followerURL+"/worker/system-status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportProgress is the follower-side callback: POST progress for a
// job to the leader.
func (c *Client) ReportProgress(ctx context.Context, leaderURL string, jobID int64, report ProgressReport) error {
	url := fmt.Sprintf("%s/api/jobs/%d/progress", leaderURL, jobID)
	return c.post(ctx, c.probe, url, report, nil)
}

func (c *Client) post(ctx context.Context, hc *http.Client, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(AuthHeader, c.codec.Sign(payload))
	return c.do(hc, req, out)
}

func (c *Client) get(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set(AuthHeader, c.codec.Sign(nil))
	return c.do(c.probe, req, out)
}

func (c *Client) do(hc *http.Client, req *http.Request, out interface{}) error {
	resp, err := hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request to %s failed", req.URL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read response from %s", req.URL)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.Wrapf(errors.ErrUnauthorized, "node %s rejected credentials", req.URL.Host)
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrapf(errors.ErrNotFound, "%s", req.URL)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return errors.Newf("node %s returned %d: %s", req.URL.Host, resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrapf(err, "failed to decode response from %s", req.URL)
	}
	return nil
}
