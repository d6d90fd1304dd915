// Package client is a Go client for the relay's HTTP API.
package client

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/masa-finance/ledger-relay/api/types"
)

// ErrQueueFull is returned when the relay rejects a task because its queue is
// full or the pipeline has been closed.
var ErrQueueFull = errors.New("relay queue is full")

// Client represents a client to interact with the relay.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	options    *Options
}

// NewClient creates a new Client instance.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	options, err := NewOptions(opts...)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		MaxConnsPerHost:     options.MaxConnsPerHost,
		MaxIdleConnsPerHost: options.MaxIdleConnsPerHost,
		IdleConnTimeout:     options.IdleConnTimeout,
	}
	if options.ignoreTLSCert {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Transport: transport, Timeout: options.Timeout},
		options:    options,
	}, nil
}

// SubmitMessage queues an inbound chat message for recording.
func (c *Client) SubmitMessage(target, content, sender string) (*TaskResult, error) {
	return c.submit("/messages", types.InboundMessage{Target: target, Content: content, Sender: sender})
}

// SendReply queues a reply to target.
func (c *Client) SendReply(target, message string) (*TaskResult, error) {
	return c.submit("/replies", types.OutboundReply{Target: target, Message: message})
}

func (c *Client) submit(path string, body any) (*TaskResult, error) {
	var resp types.SubmitResponse
	status, err := c.do(http.MethodPost, path, body, &resp)
	if err != nil {
		if status == http.StatusServiceUnavailable {
			return nil, fmt.Errorf("%w: %v", ErrQueueFull, err)
		}
		return nil, err
	}
	return &TaskResult{
		ID:         resp.TaskID,
		client:     c,
		maxRetries: c.options.PollRetries,
		delay:      c.options.PollDelay,
	}, nil
}

// GetResult retrieves the result of a task. found is false while the task
// is pending, and for unknown or expired tasks.
func (c *Client) GetResult(taskID string) (result types.DeliveryResult, found bool, err error) {
	status, err := c.do(http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &result)
	if status == http.StatusNotFound {
		return types.DeliveryResult{}, false, nil
	}
	if err != nil {
		return types.DeliveryResult{}, false, err
	}
	return result, true, nil
}

func (c *Client) QueueStatus() (types.QueueStatus, error) {
	var resp struct {
		Queue types.QueueStatus `json:"queue"`
	}
	_, err := c.do(http.MethodGet, "/queue", nil, &resp)
	return resp.Queue, err
}

// Services returns the supervisor's record of every monitored service.
func (c *Client) Services() (map[string]types.ServiceRecord, error) {
	records := map[string]types.ServiceRecord{}
	_, err := c.do(http.MethodGet, "/services", nil, &records)
	return records, err
}

// CheckService runs a health check on the relay right away.
func (c *Client) CheckService(name string) (types.HealthResult, error) {
	var result types.HealthResult
	_, err := c.do(http.MethodPost, "/services/"+url.PathEscape(name)+"/check", nil, &result)
	return result, err
}

// RecoverService asks the supervisor to recover a service synchronously.
func (c *Client) RecoverService(name string) error {
	_, err := c.do(http.MethodPost, "/services/"+url.PathEscape(name)+"/recover", nil, nil)
	return err
}

func (c *Client) ResetService(name string) error {
	_, err := c.do(http.MethodPost, "/services/"+url.PathEscape(name)+"/reset", nil, nil)
	return err
}

// do sends a JSON request and decodes a 2xx JSON answer into out. For any
// other status the APIError message, if present, becomes the error.
func (c *Client) do(method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("error marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.options.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.options.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("error sending %s request: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("error reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := types.APIError{}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return resp.StatusCode, fmt.Errorf("error: %s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return resp.StatusCode, fmt.Errorf("error: received status code %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("error unmarshaling response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
