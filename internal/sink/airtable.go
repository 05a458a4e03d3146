package sink

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

	"webhook-relay/internal/config"
)

// Airtable writes records through the Airtable REST API.
type Airtable struct {
	client  *http.Client
	baseURL string
	baseID  string
	apiKey  string
}

func NewAirtable(cfg config.SinkConfig, timeout time.Duration) *Airtable {
	return &Airtable{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		baseID:  cfg.BaseID,
		apiKey:  cfg.APIKey,
	}
}

func (a *Airtable) Configured() bool {
	return a != nil && a.apiKey != "" && a.baseID != "" && a.baseURL != ""
}

// Send creates one record in collection.
func (a *Airtable) Send(ctx context.Context, collection string, fields map[string]any) (*Record, error) {
	if !a.Configured() {
		return nil, ErrNotConfigured
	}
	body, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	endpoint := a.baseURL + "/" + url.PathEscape(a.baseID) + "/" + url.PathEscape(collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create %s record: %w", collection, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("create %s record: HTTP %d: %s", collection, resp.StatusCode, truncate(string(respBody), 500))
	}

	var rec Record
	if err := json.Unmarshal(respBody, &rec); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", collection, err)
	}
	return &rec, nil
}

// truncate keeps at most n runes of s.
func truncate(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
