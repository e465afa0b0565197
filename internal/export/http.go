package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"

	"github.com/CZERTAINLY/scanjobs/internal/model"
)

const contentType = "application/json"

// HTTP posts every job as JSON to a remote endpoint.
type HTTP struct {
	requestURL *url.URL
	client     *http.Client
}

func NewHTTP(endpoint string) (*HTTP, error) {
	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") || parsedURL.Host == "" {
		return nil, errors.New("please define the export url with a scheme and a host, e.g. `http://some-url.com/scans`")
	}
	return &HTTP{
		requestURL: parsedURL,
		client:     &http.Client{},
	}, nil
}

// WithClient replaces the default http client.
func (c *HTTP) WithClient(client *http.Client) *HTTP {
	c.client = client
	return c
}

func (c *HTTP) Put(ctx context.Context, job model.Job) error {
	raw, err := json.Marshal(DocumentOf(job))
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := decodeResponse(resp); err != nil {
		return err
	}
	slog.DebugContext(ctx, "job exported", "url", c.requestURL.String(), "status", resp.StatusCode)
	return nil
}

func decodeResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if ct == "application/problem+json" {
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	return fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
