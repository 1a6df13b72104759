package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-sessiond/common"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BusSystem, cfg.Bus)
	assert.Equal(t, common.DefaultLogVerbosity, cfg.DefaultLogVerbosity)
	assert.True(t, cfg.AllowRootOverride)
	assert.Equal(t, path, cfg.Path())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "Load must not create the file")
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "full",
			body: `bus: session
state_db: ""
privileged_uid: 990
default_log_verbosity: 6
log_level: debug
monitor_interval: 2s
connect_timeout: 1m
openvpn_binary: /usr/sbin/openvpn
allow_root_override: false
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, BusSession, cfg.Bus)
				assert.Empty(t, cfg.StateDB)
				assert.Equal(t, uint32(990), cfg.PrivilegedUID)
				assert.Equal(t, uint32(6), cfg.DefaultLogVerbosity)
				assert.Equal(t, 2*time.Second, cfg.MonitorInterval)
				assert.Equal(t, time.Minute, cfg.ConnectTimeout)
				assert.False(t, cfg.AllowRootOverride)
			},
		},
		{
			name: "unknown log level falls back",
			body: "log_level: loud\n",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.LogLevel)
			},
		},
		{
			name:    "unknown field rejected",
			body:    "theme: dark\n",
			wantErr: true,
		},
		{
			name:    "unknown bus rejected",
			body:    "bus: starship\n",
			wantErr: true,
		},
		{
			name: "long connect timeout kept",
			body: "connect_timeout: 5m\n",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 5*time.Minute, cfg.ConnectTimeout)
			},
		},
		{
			name:    "connect timeout above cap",
			body:    "connect_timeout: 11m\n",
			wantErr: true,
		},
		{
			name:    "verbosity out of range",
			body:    "default_log_verbosity: 7\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.body))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}
