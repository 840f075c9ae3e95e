package session

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	fhttp "github.com/bogdanfinn/fhttp"
)

// storedCookie is the on-disk cookie layout.
type storedCookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Domain  string    `json:"domain"`
	Path    string    `json:"path"`
	Expires time.Time `json:"expires,omitempty"`
	Secure  bool      `json:"secure,omitempty"`
}

// saveCookies persists cookies as JSON at path.
func saveCookies(path string, cookies []*fhttp.Cookie) error {
	out := make([]storedCookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, storedCookie{
			Name:    c.Name,
			Value:   c.Value,
			Domain:  c.Domain,
			Path:    c.Path,
			Expires: c.Expires,
			Secure:  c.Secure,
		})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal cookies: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("session: write cookies %s: %w", path, err)
	}
	return nil
}

// loadCookies reads cookies persisted by a previous session. A missing file
// is not an error; expired cookies are dropped.
func loadCookies(path string) ([]*fhttp.Cookie, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: read cookies %s: %w", path, err)
	}

	var stored []storedCookie
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("session: parse cookies %s: %w", path, err)
	}

	now := time.Now()
	out := make([]*fhttp.Cookie, 0, len(stored))
	for _, c := range stored {
		if !c.Expires.IsZero() && c.Expires.Before(now) {
			continue
		}
		out = append(out, &fhttp.Cookie{
			Name:    c.Name,
			Value:   c.Value,
			Domain:  c.Domain,
			Path:    c.Path,
			Expires: c.Expires,
			Secure:  c.Secure,
		})
	}
	return out, nil
}
