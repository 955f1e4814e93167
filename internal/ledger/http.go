package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/ledgerlens/internal/fetch"
)

// HTTPConfig configures the indexer adapter.
type HTTPConfig struct {
	// Endpoint is the indexer base URL; /count and /records/{index} are
	// resolved against it.
	Endpoint   string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTP reads the ledger through an indexer's JSON API.
type HTTP struct {
	base    string
	timeout time.Duration
	client  *http.Client
}

// NewHTTP validates cfg and builds the adapter.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if base == "" {
		return nil, errors.New("ledger: endpoint required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{base: base, timeout: cfg.Timeout, client: client}, nil
}

// RecordCount implements Ledger.
func (h *HTTP) RecordCount(ctx context.Context) (uint64, error) {
	body, err := h.get(ctx, h.base+"/count")
	if err != nil {
		return 0, err
	}
	decoded, err := fetch.DecodeJSON(body)
	if err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return 0, errors.New("ledger: count: expected object")
	}
	switch v := obj["count"].(type) {
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("ledger: count: negative value %d", v)
		}
		return uint64(v), nil
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("ledger: count: %w", err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("ledger: count: unexpected value %v", obj["count"])
}

// RecordAt implements Ledger.
func (h *HTTP) RecordAt(ctx context.Context, index uint64) (Record, error) {
	body, err := h.get(ctx, h.base+"/records/"+strconv.FormatUint(index, 10))
	if err != nil {
		return Record{}, err
	}
	decoded, err := fetch.DecodeJSON(body)
	if err != nil {
		return Record{}, fmt.Errorf("ledger: record %d: %w", index, err)
	}
	fields, ok := decoded.(map[string]any)
	if !ok {
		return Record{}, fmt.Errorf("ledger: record %d: expected object", index)
	}
	return Record{Index: index, Fields: fields}, nil
}

func (h *HTTP) get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger: request %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", url, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("ledger: %s returned status %d", url, resp.StatusCode)
	}
	return body, nil
}
