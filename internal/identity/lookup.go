package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// DefaultLookupURL is the public IP identification endpoint.
const DefaultLookupURL = "https://api.ipify.org?format=json"

// IPLookup returns the public IP address of this host.
type IPLookup interface {
	LookupIP(ctx context.Context) (string, error)
}

// HTTPLookup queries a JSON endpoint answering {"ip": "<address>"}.
type HTTPLookup struct {
	url    string
	client *retryablehttp.Client
}

// NewHTTPLookup returns a lookup against url. A request is attempted
// exactly once and bounded by timeout.
func NewHTTPLookup(url string, timeout time.Duration) *HTTPLookup {
	if url == "" {
		url = DefaultLookupURL
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if timeout > 0 {
		client.HTTPClient.Timeout = timeout
	}
	return &HTTPLookup{url: url, client: client}
}

// LookupIP performs the request and validates the address it returns.
func (l *HTTPLookup) LookupIP(ctx context.Context) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return "", fmt.Errorf("identity: ip lookup: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity: ip lookup: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity: ip lookup: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return "", fmt.Errorf("identity: ip lookup: decode: %w", err)
	}
	ip := net.ParseIP(strings.TrimSpace(body.IP))
	if ip == nil {
		return "", fmt.Errorf("identity: ip lookup: malformed address %q", body.IP)
	}
	return ip.String(), nil
}

// FallbackID derives the IP fallback identity from an address.
func FallbackID(ip string) string {
	return "ip_" + strings.NewReplacer(".", "_", ":", "_").Replace(ip)
}
