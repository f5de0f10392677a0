package configsource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/huawei-manager/agent/internal/config"
)

const uciShow = `huawei-manager.globals=globals
huawei-manager.globals.log_level='debug'
huawei-manager.modem1=device
huawei-manager.modem1.name='Office'
huawei-manager.modem1.modem_url='http://192.168.8.1/'
huawei-manager.modem1.modem_password='it'\''s secret'
huawei-manager.modem1.target_prefixes='10.1-10.19' '10.130-10.159'
huawei-manager.modem1.ipagent_enabled='1'
huawei-manager.cfg0a1b2c=modem
huawei-manager.cfg0a1b2c.name='Lab'
huawei-manager.ui=settings
huawei-manager.ui.theme='dark'
`

func TestParseUCIShow(t *testing.T) {
	sections, values := parseUCIShow("huawei-manager", []byte(uciShow))

	if diff := cmp.Diff([]string{"globals", "modem1", "cfg0a1b2c", "ui"}, sections); diff != "" {
		t.Errorf("sections mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"it's secret"}, values["modem1"]["modem_password"])
	assert.Equal(t, []string{"10.1-10.19", "10.130-10.159"}, values["modem1"]["target_prefixes"])
	assert.Equal(t, []string{"device"}, values["modem1"][".type"])
}

func TestUCI_Load(t *testing.T) {
	u := NewUCI("huawei-manager", "")
	var gotArgs []string
	u.run = func(_ context.Context, args ...string) ([]byte, error) {
		gotArgs = args
		return []byte(uciShow), nil
	}

	require.NoError(t, u.Load(context.Background()))
	assert.Equal(t, []string{"-q", "show", "huawei-manager"}, gotArgs)
	assert.Equal(t, "/etc/config/huawei-manager", u.Path())

	// typed "device" or carrying a name; never globals, never other types.
	assert.Equal(t, []string{"modem1", "cfg0a1b2c"}, u.Sections())

	v, ok := u.Get("globals", "log_level")
	assert.True(t, ok)
	assert.Equal(t, "debug", v)

	_, ok = u.Get("modem1", "missing")
	assert.False(t, ok)

	devices, globals := config.LoadDevices(u, nil)
	require.Len(t, devices, 2)
	assert.Equal(t, "debug", globals.LogLevel)
	assert.True(t, devices[0].ReconnectEnabled)
	assert.Equal(t, "it's secret", devices[0].Password)
	assert.False(t, devices[1].Configured())
}

func TestUCI_LoadError(t *testing.T) {
	u := NewUCI("huawei-manager", "/tmp/x")
	u.run = func(context.Context, ...string) ([]byte, error) {
		return nil, errors.New("uci: not found")
	}
	assert.Error(t, u.Load(context.Background()))
	assert.Empty(t, u.Sections())
}

func TestSplitUCIValue(t *testing.T) {
	tests := map[string][]string{
		`'a'`:           {"a"},
		`'a b'`:         {"a b"},
		`'a' 'b'`:       {"a", "b"},
		`''`:            {""},
		`'x'\''y'`:      {"x'y"},
		`plain`:         {"plain"},
		`'10.1' '10.2'`: {"10.1", "10.2"},
	}
	for in, want := range tests {
		if diff := cmp.Diff(want, splitUCIValue(in)); diff != "" {
			t.Errorf("splitUCIValue(%s) mismatch (-want +got):\n%s", in, diff)
		}
	}
}

func TestINI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huawei-manager.ini")
	content := `[globals]
log_level = warn

[modem1]
name = Office
modem_url = http://192.168.8.1/
ipagent_enabled = yes
target_prefixes = 10.1-10.19
target_prefixes = 10.130-10.159

[modem2]
name = Lab
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	src, err := New(config.SourceConfig{Type: config.SourceINI, Path: path})
	require.NoError(t, err)
	require.NoError(t, src.Load(context.Background()))

	assert.Equal(t, path, src.Path())
	assert.Equal(t, []string{"modem1", "modem2"}, src.Sections())
	assert.Equal(t, []string{"10.1-10.19", "10.130-10.159"}, src.GetList("modem1", "target_prefixes"))

	v, ok := src.Get("globals", "log_level")
	assert.True(t, ok)
	assert.Equal(t, "warn", v)

	assert.Nil(t, src.GetList("modem2", "target_prefixes"))
}

func TestINI_Missing(t *testing.T) {
	src := NewINI(filepath.Join(t.TempDir(), "nope.ini"))
	assert.Error(t, src.Load(context.Background()))
	assert.Empty(t, src.Sections())
}

func TestNew_Unknown(t *testing.T) {
	_, err := New(config.SourceConfig{Type: "json"})
	assert.Error(t, err)
}
