package sftp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sftp.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
[engine]
max_inflight = 16
max_data_length = 65536
request_timeout = "30s"

[ssh]
host = "sftp.example.com"
user = "backup"
private_key = "~/.ssh/id_ed25519"
timeout = "10s"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Engine.MaxInflight)
	assert.Equal(t, 65536, cfg.Engine.MaxDataLength)
	assert.Equal(t, 30*time.Second, cfg.Engine.RequestTimeout.Duration)

	assert.Equal(t, "sftp.example.com", cfg.SSH.Host)
	assert.Equal(t, "backup", cfg.SSH.User)
	assert.Equal(t, 10*time.Second, cfg.SSH.Timeout.Duration)

	home, err := homedir.Dir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".ssh", "id_ed25519"), cfg.SSH.PrivateKey)

	s, err := NewSession(nil, nil, cfg.ClientOptions()...)
	require.NoError(t, err)

	assert.Equal(t, 16, s.maxInflight)
	assert.Equal(t, 65536, s.chunkSize())
	assert.Equal(t, 30*time.Second, s.timeout)
}

func TestLoadConfigErrors(t *testing.T) {
	var tests = []struct {
		name     string
		contents string
	}{
		{"unknown key", "[engine]\nmax_inflight = 4\nwindow = 8\n"},
		{"bad duration", "[engine]\nrequest_timeout = \"soon\"\n"},
		{"bad syntax", "[engine\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.contents))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	assert.Empty(t, cfg.ClientOptions())

	s, err := NewSession(nil, nil, cfg.ClientOptions()...)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxInflight, s.maxInflight)
	assert.Zero(t, s.timeout)

	_, err = cfg.SSH.clientConfig()
	assert.Error(t, err, "no authentication method")
}
