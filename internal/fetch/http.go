package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flaggate/internal/flagdoc"
)

const defaultMaxBodyBytes int64 = 4 << 20

var errBodyTooLarge = errors.New("response body too large")

// HTTPConfig configures an [HTTPFetcher].
type HTTPConfig struct {
	// URL of the flag document endpoint.
	URL string
	// Token is sent as a bearer token when non-empty.
	Token string
	// HTTPClient is optional; the default client traces requests with otelhttp.
	HTTPClient *http.Client
	// MaxBodyBytes caps the response size (default 4MiB).
	MaxBodyBytes int64
}

// HTTPFetcher reads flag documents from an HTTP(S) endpoint.
type HTTPFetcher struct {
	url          string
	token        string
	client       *http.Client
	maxBodyBytes int64
}

func NewHTTPFetcher(cfg HTTPConfig) (*HTTPFetcher, error) {
	parsed, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("parse flag source URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("flag source URL must be http or https, got %q", cfg.URL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("flag source URL %q has no host", cfg.URL)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}

	return &HTTPFetcher{
		url:          parsed.String(),
		token:        cfg.Token,
		client:       client,
		maxBodyBytes: maxBodyBytes,
	}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", errBodyTooLarge, f.maxBodyBytes)
	}

	return flagdoc.DecodePayload(body)
}

func (f *HTTPFetcher) String() string {
	return f.url
}
