// Package transport performs authenticated fetches. It owns session state,
// refreshes credentials on auth-expiry responses, and classifies failures
// into the error taxonomy the scheduler's retry policy understands.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/qiwenli/mpcrawl/internal/crawler"
)

// StaticCredentials is a CredentialSource with no refresh capability. Used
// when token and cookie come straight from the config file; an auth-expiry
// response then surfaces to the operator instead of looping.
type StaticCredentials struct {
	creds crawler.Credentials
}

// NewStaticCredentials wraps a fixed token/cookie pair.
func NewStaticCredentials(token, cookie string) *StaticCredentials {
	return &StaticCredentials{creds: crawler.Credentials{Token: token, Cookie: cookie}}
}

// Credentials returns the fixed pair.
func (s *StaticCredentials) Credentials(context.Context) (crawler.Credentials, error) {
	return s.creds, nil
}

// Refresh cannot mint new credentials; it returns the same pair so the
// retried fetch fails fast and the target is reported.
func (s *StaticCredentials) Refresh(context.Context) (crawler.Credentials, error) {
	return s.creds, nil
}

// FileCredentials reads a JSON credentials file maintained by the external
// login tool. Refresh re-reads the file, so a re-login performed while the
// crawl is running is picked up without restarting.
type FileCredentials struct {
	path string

	mu     sync.Mutex
	cached crawler.Credentials
	loaded bool
}

type credentialsFile struct {
	Token  string `json:"token"`
	Cookie string `json:"cookie"`
}

// NewFileCredentials builds a source backed by path.
func NewFileCredentials(path string) *FileCredentials {
	return &FileCredentials{path: path}
}

// Credentials returns the cached pair, reading the file on first use.
func (f *FileCredentials) Credentials(ctx context.Context) (crawler.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded {
		return f.cached, nil
	}
	return f.readLocked()
}

// Refresh re-reads the file.
func (f *FileCredentials) Refresh(ctx context.Context) (crawler.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked()
}

func (f *FileCredentials) readLocked() (crawler.Credentials, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return crawler.Credentials{}, fmt.Errorf("read credentials file: %w", err)
	}
	var parsed credentialsFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return crawler.Credentials{}, fmt.Errorf("parse credentials file: %w", err)
	}
	if parsed.Token == "" || parsed.Cookie == "" {
		return crawler.Credentials{}, fmt.Errorf("credentials file %s missing token or cookie", f.path)
	}
	f.cached = crawler.Credentials{Token: parsed.Token, Cookie: parsed.Cookie}
	f.loaded = true
	return f.cached, nil
}
