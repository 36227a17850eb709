package testevents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/okian/healstats/internal/adapters/http/api"
	"github.com/okian/healstats/internal/adapters/relay/wire"
	"github.com/okian/healstats/internal/domain/model"
	"github.com/okian/healstats/pkg/logger"
)

// Retry constants for batch submission.
const (
	postMaxTries       = 5
	postBackoffInitial = 100 * time.Millisecond
	postBackoffMax     = 2 * time.Second
	errorBodyLimit     = 512
)

// ErrUnexpectedStatus is returned for a response the tool cannot use.
var ErrUnexpectedStatus = errors.New("unexpected status")

// Client talks to the service's HTTP shim.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for baseURL with a per-request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Health checks GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	defer closeBody(ctx, resp)
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

// PostEvents sends one batch to POST /events and returns how many events the
// service accepted and how many attempts were retried. Transport errors and
// 5xx responses are retried with backoff; a 4xx is final.
func (c *Client) PostEvents(ctx context.Context, evs []model.SkillEvent) (accepted, retries int, err error) {
	reqs := make([]api.EventRequest, len(evs))
	for i := range evs {
		reqs[i] = api.FromEvent(&evs[i])
	}
	body, err := json.Marshal(reqs)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to marshal batch: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = postBackoffInitial
	b.MaxInterval = postBackoffMax

	attempts := 0
	ack, err := backoff.Retry(ctx, func() (api.EventsResponse, error) {
		attempts++
		resp, err := c.do(ctx, http.MethodPost, "/events", body)
		if err != nil {
			return api.EventsResponse{}, err
		}
		defer closeBody(ctx, resp)

		switch {
		case resp.StatusCode == http.StatusAccepted:
			var ack api.EventsResponse
			if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
				return api.EventsResponse{}, backoff.Permanent(fmt.Errorf("failed to decode ack: %w", err))
			}
			return ack, nil
		case resp.StatusCode >= http.StatusInternalServerError:
			return api.EventsResponse{}, statusError(resp)
		default:
			return api.EventsResponse{}, backoff.Permanent(statusError(resp))
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(postMaxTries),
	)
	return ack.Accepted, attempts - 1, err
}

// Results fetches up to limit of the newest results from GET /results.
func (c *Client) Results(ctx context.Context, limit int) ([]wire.ResultMessage, error) {
	resp, err := c.do(ctx, http.MethodGet, "/results?limit="+strconv.Itoa(limit), nil)
	if err != nil {
		return nil, err
	}
	defer closeBody(ctx, resp)
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var out []wire.ResultMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode results: %w", err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// statusError reads a bounded part of the body into the error.
func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, bytes.TrimSpace(msg))
}

func closeBody(ctx context.Context, resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		logger.Get().Error(ctx, "failed to close response body", logger.Error(err))
	}
}
