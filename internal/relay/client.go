package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jpillora/backoff"
	"gopkg.in/op/go-logging.v1"

	"vesper/internal/domain"
)

// fetchAttempts bounds the bundle retry loop.
const fetchAttempts = 5

// Client talks to a relay server. All calls honor their context; a deadline
// surfaces as ErrTimeout.
type Client struct {
	base string
	http *http.Client
	log  *logging.Logger
}

var _ domain.RelayClient = (*Client)(nil)

// NewClient returns a client for the relay at base (scheme://host[:port]).
func NewClient(base string, log *logging.Logger) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log,
	}
}

// RegisterBundle publishes the local prekey bundle.
func (c *Client) RegisterBundle(ctx context.Context, b domain.PreKeyBundle) error {
	return c.post(ctx, "/v1/bundles", b, http.StatusNoContent)
}

// FetchBundle retrieves a peer's bundle, retrying with jittered exponential
// backoff. Exhausting the attempts is ErrBundleUnavailable.
func (c *Client) FetchBundle(ctx context.Context, username string) (domain.PreKeyBundle, error) {
	bo := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: true}

	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.Duration()):
			case <-ctx.Done():
				return domain.PreKeyBundle{}, mapTimeout(ctx.Err())
			}
		}

		var b domain.PreKeyBundle
		err := c.get(ctx, "/v1/bundles/"+url.PathEscape(username), &b)
		if err == nil {
			return b, nil
		}
		if errors.Is(err, domain.ErrTimeout) {
			return domain.PreKeyBundle{}, err
		}
		lastErr = err
		c.log.Debugf("bundle fetch for %s failed (attempt %d/%d): %v", username, attempt+1, fetchAttempts, err)
	}
	return domain.PreKeyBundle{}, fmt.Errorf("%w: %v", domain.ErrBundleUnavailable, lastErr)
}

// SendEnvelope queues an envelope for its recipient.
func (c *Client) SendEnvelope(ctx context.Context, env domain.RelayEnvelope) error {
	return c.post(ctx, "/v1/envelopes", env, http.StatusAccepted)
}

// FetchEnvelopes returns up to limit queued envelopes without consuming
// them; AckEnvelopes removes them once processed.
func (c *Client) FetchEnvelopes(ctx context.Context, username string, limit int) ([]domain.RelayEnvelope, error) {
	path := fmt.Sprintf("/v1/envelopes/%s?limit=%d", url.PathEscape(username), limit)
	var out []domain.RelayEnvelope
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AckEnvelopes drops the first count envelopes from the queue.
func (c *Client) AckEnvelopes(ctx context.Context, username string, count int) error {
	path := fmt.Sprintf("/v1/envelopes/%s/ack", url.PathEscape(username))
	return c.post(ctx, path, map[string]int{"count": count}, http.StatusNoContent)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return mapTimeout(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusErr(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, path string, body any, want int) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return mapTimeout(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return statusErr(resp)
	}
	return nil
}

func statusErr(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return fmt.Errorf("relay: %s: %s", resp.Status, bytes.TrimSpace(msg))
}

func mapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return err
}
