package configsource

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/ini.v1"

	"github.com/pilot-net/huawei-manager/agent/internal/config"
)

// INI reads devices from an INI file, one section per device. Repeating a
// key builds a list:
//
//	[globals]
//	log_level = debug
//
//	[modem1]
//	name = Office
//	modem_url = http://192.168.8.1/
//	target_prefixes = 10.1-10.19
//	target_prefixes = 10.130-10.159
type INI struct {
	path string

	mu   sync.RWMutex
	file *ini.File
}

// NewINI creates a source for the file at path.
func NewINI(path string) *INI {
	return &INI{path: path}
}

func (s *INI) Load(_ context.Context) error {
	f, err := ini.LoadSources(ini.LoadOptions{
		Insensitive:  true,
		AllowShadows: true,
	}, s.path)
	if err != nil {
		return fmt.Errorf("loading %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.file = f
	s.mu.Unlock()
	return nil
}

func (s *INI) Path() string { return s.path }

func (s *INI) Sections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return nil
	}

	var out []string
	for _, sec := range s.file.Sections() {
		name := sec.Name()
		if strings.EqualFold(name, ini.DefaultSection) || name == config.GlobalsSection {
			continue
		}
		out = append(out, name)
	}
	return out
}

func (s *INI) key(section, option string) *ini.Key {
	if s.file == nil {
		return nil
	}
	sec, err := s.file.GetSection(section)
	if err != nil {
		return nil
	}
	k, err := sec.GetKey(option)
	if err != nil {
		return nil
	}
	return k
}

func (s *INI) Get(section, option string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := s.key(section, option)
	if k == nil {
		return "", false
	}
	return k.String(), true
}

func (s *INI) GetList(section, option string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := s.key(section, option)
	if k == nil {
		return nil
	}
	return k.ValueWithShadows()
}
