package sftp

import (
	"context"
	"net"
	"os"
	"strconv"

	"github.com/go-kit/log/level"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Dial connects to the SSH server described by cfg.SSH, authenticates,
// and starts an SFTP session on it, tuned by cfg.Engine and then opts.
//
// Closing the returned session also closes the SSH connection.
func Dial(ctx context.Context, cfg Config, opts ...ClientOption) (*Session, error) {
	sshConfig, err := cfg.SSH.clientConfig()
	if err != nil {
		return nil, err
	}

	port := cfg.SSH.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.SSH.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: sshConfig.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "sftp: dialing %s", addr)
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "sftp: ssh handshake with %s", addr)
	}

	client := ssh.NewClient(ncc, chans, reqs)

	s, err := NewClient(ctx, client, append(cfg.ClientOptions(), opts...)...)
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "sftp: starting session on %s", addr)
	}
	s.closers = append(s.closers, client)

	level.Info(s.logger).Log("msg", "connected", "addr", addr, "user", cfg.SSH.User)

	return s, nil
}

func (c *SSHConfig) clientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}

	if len(auth) == 0 {
		return nil, errors.New("sftp: no ssh authentication method configured")
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	timeout := c.Timeout.Duration
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

func (c *SSHConfig) authMethods() ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod

	if c.PrivateKey != "" {
		keyPath, err := homedir.Expand(c.PrivateKey)
		if err != nil {
			return nil, errors.Wrap(err, "sftp: expanding private key path")
		}

		pem, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, errors.Wrap(err, "sftp: reading private key")
		}

		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, errors.Wrapf(err, "sftp: parsing private key %s", keyPath)
		}

		auth = append(auth, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}

	return auth, nil
}

func (c *SSHConfig) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := c.KnownHosts
	if path == "" {
		path = "~/.ssh/known_hosts"
	}

	path, err := homedir.Expand(path)
	if err != nil {
		return nil, errors.Wrap(err, "sftp: expanding known_hosts path")
	}

	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, errors.Wrapf(err, "sftp: loading known_hosts %s", path)
	}

	return callback, nil
}
