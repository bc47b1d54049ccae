package credential

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lsm/vaultlink/internal/kvauth"
)

// FileAcquirer serves a bearer token kept in a file by something else, such
// as a sidecar or a developer running a CLI login. The file is reread on every
// acquisition and the token is treated as expiring lifetime after the file was
// last written. A file too old for that to leave a usable token is assumed to
// hold a long-lived token, which then expires lifetime after it was read.
// Scope, tenant and claims are ignored.
type FileAcquirer struct {
	path     string
	lifetime time.Duration
	now      func() time.Time
}

// NewFileAcquirer creates a FileAcquirer for path.
func NewFileAcquirer(path string, lifetime time.Duration) *FileAcquirer {
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}
	return &FileAcquirer{path: filepath.Clean(path), lifetime: lifetime, now: time.Now}
}

func (a *FileAcquirer) Acquire(ctx context.Context, _ kvauth.TokenRequest) (kvauth.CachedToken, error) {
	if err := ctx.Err(); err != nil {
		return kvauth.CachedToken{}, err
	}
	info, err := os.Stat(a.path)
	if err != nil {
		return kvauth.CachedToken{}, fmt.Errorf("stat token file %s: %w", a.path, err)
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		return kvauth.CachedToken{}, fmt.Errorf("read token file %s: %w", a.path, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return kvauth.CachedToken{}, fmt.Errorf("token file %s is empty", a.path)
	}
	now := a.now()
	expires := info.ModTime().Add(a.lifetime)
	if !now.Before(expires.Add(-kvauth.TokenRefreshMargin)) {
		expires = now.Add(a.lifetime)
	}
	return kvauth.CachedToken{Value: token, ExpiresOn: expires}, nil
}
