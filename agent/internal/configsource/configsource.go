// Package configsource reads device definitions from the system
// configuration store.
//
// Two stores are supported: OpenWrt UCI (read through `uci show`) and plain
// INI files. Both expose the same string-only view; typing and validation
// happen in config.LoadDevices.
package configsource

import (
	"context"
	"fmt"

	"github.com/pilot-net/huawei-manager/agent/internal/config"
)

// Source is a loaded configuration store.
type Source interface {
	config.Source

	// Load (re)reads the store.
	Load(ctx context.Context) error

	// Path is the file backing the store, for change watching. May be empty.
	Path() string
}

// New creates the source selected by cfg.
func New(cfg config.SourceConfig) (Source, error) {
	switch cfg.Type {
	case config.SourceUCI:
		return NewUCI(cfg.Package, cfg.Path), nil
	case config.SourceINI:
		return NewINI(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown config source: %q", cfg.Type)
	}
}
