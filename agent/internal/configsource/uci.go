package configsource

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pilot-net/huawei-manager/agent/internal/config"
)

// UCI reads a package through the uci command line tool.
type UCI struct {
	pkg  string
	path string

	// run executes uci; swapped in tests.
	run func(ctx context.Context, args ...string) ([]byte, error)

	mu       sync.RWMutex
	sections []string
	values   map[string]map[string][]string
}

// NewUCI creates a source for package pkg. path is the file to watch for
// changes and defaults to /etc/config/<pkg>.
func NewUCI(pkg, path string) *UCI {
	if path == "" {
		path = "/etc/config/" + pkg
	}
	return &UCI{
		pkg:  pkg,
		path: path,
		run: func(ctx context.Context, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, "uci", args...).Output()
		},
	}
}

// Load runs `uci -q show <pkg>` once and caches the result.
func (u *UCI) Load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := u.run(ctx, "-q", "show", u.pkg)
	if err != nil {
		return fmt.Errorf("uci show %s: %w", u.pkg, err)
	}

	sections, values := parseUCIShow(u.pkg, out)

	u.mu.Lock()
	u.sections = sections
	u.values = values
	u.mu.Unlock()
	return nil
}

func (u *UCI) Path() string { return u.path }

// Sections returns device sections: those typed "device" or carrying a
// name option. The globals section is never a device.
func (u *UCI) Sections() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()

	var out []string
	for _, s := range u.sections {
		if s == config.GlobalsSection {
			continue
		}
		opts := u.values[s]
		_, hasName := opts["name"]
		if typ := opts[".type"]; (len(typ) > 0 && typ[0] == "device") || hasName {
			out = append(out, s)
		}
	}
	return out
}

func (u *UCI) Get(section, option string) (string, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	v, ok := u.values[section][option]
	if !ok {
		return "", false
	}
	return strings.Join(v, " "), true
}

func (u *UCI) GetList(section, option string) []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	v := u.values[section][option]
	out := make([]string, len(v))
	copy(out, v)
	return out
}

// parseUCIShow parses lines of the form
//
//	pkg.section=type
//	pkg.section.option='value'
//	pkg.section.list='a' 'b'
//
// The section type is stored under the pseudo option ".type".
func parseUCIShow(pkg string, out []byte) ([]string, map[string]map[string][]string) {
	var sections []string
	values := make(map[string]map[string][]string)

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, raw, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, ok = strings.CutPrefix(key, pkg+".")
		if !ok {
			continue
		}

		section, option, isOption := strings.Cut(key, ".")
		if _, seen := values[section]; !seen {
			values[section] = make(map[string][]string)
			sections = append(sections, section)
		}
		if !isOption {
			values[section][".type"] = []string{raw}
			continue
		}
		values[section][option] = splitUCIValue(raw)
	}
	return sections, values
}

// splitUCIValue splits a shell-quoted uci value. '\'' is an escaped quote.
func splitUCIValue(raw string) []string {
	var (
		out     []string
		cur     strings.Builder
		inQuote bool
		hasTok  bool
	)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			hasTok = true
		case c == '\\' && !inQuote && i+1 < len(raw):
			i++
			cur.WriteByte(raw[i])
			hasTok = true
		case (c == ' ' || c == '\t') && !inQuote:
			if hasTok {
				out = append(out, cur.String())
				cur.Reset()
				hasTok = false
			}
		default:
			cur.WriteByte(c)
			hasTok = true
		}
	}
	if hasTok {
		out = append(out, cur.String())
	}
	return out
}
