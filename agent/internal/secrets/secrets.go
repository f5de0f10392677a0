// Package secrets resolves credential references in device configuration.
//
// A configured value may be:
//
//   - op://<vault>/<item>/<field>: read from 1Password Connect
//   - env:NAME: the environment variable NAME
//   - file:/path: the file contents, surrounding whitespace trimmed
//   - anything else: used literally
//
// Resolved values are cached for the life of the Resolver, which is one
// daemon run.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// vault is the subset of connect.Client used for lookups.
type vault interface {
	GetItemsByTitle(title, vaultQuery string) ([]onepassword.Item, error)
	GetItem(itemQuery, vaultQuery string) (*onepassword.Item, error)
}

// Config holds configuration for 1Password Connect. Empty fields fall back
// to OP_CONNECT_HOST and OP_CONNECT_TOKEN.
type Config struct {
	OnePasswordHost  string
	OnePasswordToken string
	Logger           *slog.Logger
}

// Resolver turns references into secret values.
type Resolver struct {
	vault  vault // nil when 1Password is not configured
	logger *slog.Logger

	getenv   func(string) string
	readFile func(string) ([]byte, error)

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver creates a resolver. op:// references fail when no Connect
// host and token are configured; the other forms always work.
func NewResolver(cfg Config) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	host := orEnv(cfg.OnePasswordHost, "OP_CONNECT_HOST")
	token := orEnv(cfg.OnePasswordToken, "OP_CONNECT_TOKEN")

	r := &Resolver{
		logger:   cfg.Logger.With("component", "secrets"),
		getenv:   os.Getenv,
		readFile: os.ReadFile,
		cache:    make(map[string]string),
	}
	if host != "" && token != "" {
		r.vault = connect.NewClientWithUserAgent(host, token, "huawei-manager")
	}
	return r
}

// ErrNotConfigured is returned for op:// references without a Connect
// server.
var ErrNotConfigured = errors.New("1Password Connect not configured")

// Resolve returns the value ref refers to.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	kind, rest, ok := strings.Cut(ref, ":")
	if !ok || (kind != "op" && kind != "env" && kind != "file") {
		return ref, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.cache[ref]; ok {
		return v, nil
	}

	var (
		v   string
		err error
	)
	switch kind {
	case "env":
		v = r.getenv(rest)
		if v == "" {
			err = fmt.Errorf("environment variable %s is empty", rest)
		}
	case "file":
		var data []byte
		data, err = r.readFile(rest)
		if err == nil {
			v = strings.TrimSpace(string(data))
		}
	case "op":
		v, err = r.onePassword(ref)
	}
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", ref, err)
	}

	r.cache[ref] = v
	r.logger.Debug("resolved secret", "ref", ref)
	return v, nil
}

// onePassword reads op://<vault>/<item>/<field>. The field is matched by
// label, then by ID.
func (r *Resolver) onePassword(ref string) (string, error) {
	if r.vault == nil {
		return "", ErrNotConfigured
	}
	parts := strings.Split(strings.TrimPrefix(ref, "op://"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", fmt.Errorf("malformed reference, want op://vault/item/field")
	}
	vaultID, title, field := parts[0], parts[1], parts[2]

	items, err := r.vault.GetItemsByTitle(title, vaultID)
	if err != nil {
		return "", fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("item %q not found", title)
	}

	// Get the full item (including fields)
	item, err := r.vault.GetItem(items[0].ID, vaultID)
	if err != nil {
		return "", fmt.Errorf("getting item: %w", err)
	}

	for _, f := range item.Fields {
		if f.Label == field {
			return f.Value, nil
		}
	}
	for _, f := range item.Fields {
		if f.ID == field {
			return f.Value, nil
		}
	}
	return "", fmt.Errorf("field %q not found in item %q", field, title)
}

func orEnv(val, key string) string {
	if val != "" {
		return val
	}
	return os.Getenv(key)
}
