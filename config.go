package sftp

/*
[engine]
max_inflight = 8
max_data_length = 32768
max_packet_length = 262144
request_timeout = "30s"

[ssh]
host = "sftp.example.com"
port = 22
user = "backup"
private_key = "~/.ssh/id_ed25519"
known_hosts = "~/.ssh/known_hosts"
timeout = "60s"
*/

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

// DefaultDialTimeout bounds the TCP connect and SSH handshake of Dial when the config sets no timeout.
const DefaultDialTimeout = 60 * time.Second

// Config is the file configuration of a session and, for Dial, of its SSH connection.
type Config struct {
	Engine EngineConfig `toml:"engine"`
	SSH    SSHConfig    `toml:"ssh"`
}

// EngineConfig tunes the SFTP engine. Zero values keep the defaults.
type EngineConfig struct {
	MaxInflight     int      `toml:"max_inflight"`
	MaxDataLength   int      `toml:"max_data_length"`
	MaxPacketLength int      `toml:"max_packet_length"`
	RequestTimeout  Duration `toml:"request_timeout"`
}

// SSHConfig describes how Dial reaches and authenticates to the server.
type SSHConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`

	// PrivateKey and KnownHosts are paths, and may start with "~".
	PrivateKey string `toml:"private_key"`
	KnownHosts string `toml:"known_hosts"`

	// InsecureIgnoreHostKey skips host key verification. Only meant for tests.
	InsecureIgnoreHostKey bool `toml:"insecure_ignore_host_key"`

	Timeout Duration `toml:"timeout"`
}

// Duration is a time.Duration read from a string like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LoadConfig reads a TOML config file.
// The private key and known hosts paths have "~" expanded to the home directory.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "sftp: decoding config %s", path)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("sftp: config %s: unknown key %q", path, undecoded[0].String())
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, errors.Wrapf(err, "sftp: config %s", path)
	}

	return &cfg, nil
}

func (c *Config) expandPaths() error {
	var err error

	if c.SSH.PrivateKey, err = homedir.Expand(c.SSH.PrivateKey); err != nil {
		return errors.Wrap(err, "expanding private_key")
	}

	if c.SSH.KnownHosts, err = homedir.Expand(c.SSH.KnownHosts); err != nil {
		return errors.Wrap(err, "expanding known_hosts")
	}

	return nil
}

// ClientOptions returns the options that apply the engine section to a session.
func (c *Config) ClientOptions() []ClientOption {
	var opts []ClientOption

	if c.Engine.MaxInflight > 0 {
		opts = append(opts, WithMaxInflight(c.Engine.MaxInflight))
	}

	if c.Engine.MaxPacketLength > 0 {
		opts = append(opts, WithMaxPacketLength(c.Engine.MaxPacketLength))
	}

	if c.Engine.MaxDataLength > 0 {
		opts = append(opts, WithMaxDataLength(c.Engine.MaxDataLength))
	}

	if c.Engine.RequestTimeout.Duration > 0 {
		opts = append(opts, WithRequestTimeout(c.Engine.RequestTimeout.Duration))
	}

	return opts
}
