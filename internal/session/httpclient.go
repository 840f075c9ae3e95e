package session

import (
	"fmt"
	"io"
	"net/url"

	fhttp "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
)

// BrowserClient wraps tls-client with a Chrome TLS fingerprint. Requests
// appear as Chrome 131+ to TLS fingerprinting (JA3 hash), which is what
// keeps the anti-bot layer from short-circuiting page loads.
type BrowserClient struct {
	client tls_client.HttpClient
}

// newBrowserClient creates a client that impersonates Chrome 131 with its
// own cookie jar and optional upstream proxy.
func newBrowserClient(timeoutSeconds int, proxy string) (*BrowserClient, error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	jar := tls_client.NewCookieJar()
	opts := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(timeoutSeconds),
		tls_client.WithClientProfile(profiles.Chrome_131),
		tls_client.WithCookieJar(jar),
	}
	if proxy != "" {
		opts = append(opts, tls_client.WithProxyUrl(proxy))
	}
	client, err := tls_client.NewHttpClient(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("tls-client init: %w", err)
	}
	return &BrowserClient{client: client}, nil
}

// Do executes a request with the Chrome TLS fingerprint.
// Returns body bytes, HTTP status code, and any error.
func (bc *BrowserClient) Do(method, rawURL string, headers map[string]string, body io.Reader) ([]byte, int, error) {
	req, err := fhttp.NewRequest(method, rawURL, body)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	// Chrome-like header order matters for fingerprinting
	req.Header[fhttp.HeaderOrderKey] = []string{
		"accept",
		"accept-language",
		"accept-encoding",
		"referer",
		"cookie",
		"user-agent",
	}

	resp, err := bc.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("tls request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}

	return data, resp.StatusCode, nil
}

// Cookies returns the jar's cookies for u.
func (bc *BrowserClient) Cookies(u *url.URL) []*fhttp.Cookie {
	return bc.client.GetCookies(u)
}

// SetCookies seeds the jar with cookies for u.
func (bc *BrowserClient) SetCookies(u *url.URL, cookies []*fhttp.Cookie) {
	bc.client.SetCookies(u, cookies)
}
