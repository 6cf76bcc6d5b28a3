package dirimport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

// Client talks to the import API of a running server.
type Client struct {
	baseURL string
	http    *http.Client

	// PollInterval is the delay between status requests in Wait.
	PollInterval time.Duration
}

// NewClient returns a client for the server at baseURL. A nil hc gets a
// client with a 30s timeout.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         hc,
		PollInterval: time.Second,
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("import api: %d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("import api: %d %s (%s)", e.Status, e.Message, e.Code)
}

// Schemas lists the schema types the server accepts.
func (c *Client) Schemas(ctx context.Context) ([]core.SchemaInfo, error) {
	var out struct {
		Schemas []core.SchemaInfo `json:"schemas"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/schemas", nil, &out)
	return out.Schemas, err
}

// Initiate asks for an upload handle.
func (c *Client) Initiate(ctx context.Context, req core.InitiateRequest) (core.UploadTicket, error) {
	var ticket core.UploadTicket
	err := c.doJSON(ctx, http.MethodPost, "/api/imports/uploads", req, &ticket)
	return ticket, err
}

// Upload writes the file bytes to the presigned target of a ticket.
func (c *Client) Upload(ctx context.Context, target core.UploadTarget, body io.Reader, size int64) error {
	method := target.Method
	if method == "" {
		method = http.MethodPut
	}
	req, err := http.NewRequestWithContext(ctx, method, target.URL, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return readAPIError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Complete reports a finished upload and returns the job created for it.
func (c *Client) Complete(ctx context.Context, req core.CompleteRequest) (core.CompleteResult, error) {
	var res core.CompleteResult
	path := "/api/imports/uploads/" + url.PathEscape(req.UploadID) + "/complete"
	err := c.doJSON(ctx, http.MethodPost, path, req, &res)
	return res, err
}

// Progress returns the current progress of a job.
func (c *Client) Progress(ctx context.Context, jobID string) (core.ProgressEvent, error) {
	var ev core.ProgressEvent
	err := c.doJSON(ctx, http.MethodGet, "/api/imports/jobs/"+url.PathEscape(jobID), nil, &ev)
	return ev, err
}

// Wait polls a job until it is terminal. onProgress, when set, sees every
// snapshot.
func (c *Client) Wait(ctx context.Context, jobID string, onProgress func(core.ProgressEvent)) (core.ProgressEvent, error) {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		ev, err := c.Progress(ctx, jobID)
		if err != nil {
			return ev, err
		}
		if onProgress != nil {
			onProgress(ev)
		}
		if ev.Terminal() {
			return ev, nil
		}

		select {
		case <-ctx.Done():
			return ev, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel asks the server to stop a job.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/imports/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

// FailedRecordsCSV copies the CSV export of a job's failed rows to w.
func (c *Client) FailedRecordsCSV(ctx context.Context, jobID string, w io.Writer) error {
	u := c.baseURL + "/api/imports/jobs/" + url.PathEscape(jobID) + "/failed-records?format=csv"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return readAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if json.Unmarshal(data, &body) == nil && body.Message != "" {
		apiErr.Message = body.Message
		apiErr.Code = body.Code
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}
