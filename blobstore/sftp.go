package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"audiorelay/logger"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type SFTPOptions struct {
	Host     string
	Port     int
	User     string
	Password string
	BaseDir  string
	HostKey  string // authorized_keys line; empty disables host key checking
}

type sftpBackend struct {
	ssh    *ssh.Client
	client *sftp.Client
	dir    string
}

// OpenSFTP dials the server once and keeps the session for the store's lifetime.
func OpenSFTP(ctx context.Context, name string, opts SFTPOptions) (*Blobs, error) {
	if opts.Host == "" || opts.User == "" {
		return nil, fmt.Errorf("sftp host and user are required")
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if opts.HostKey != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(opts.HostKey))
		if err != nil {
			return nil, fmt.Errorf("parse sftp host key: %w", err)
		}
		hostKeyCallback = ssh.FixedHostKey(key)
	} else {
		logger.Warnf("sftp blob store %s: host key verification disabled", name)
	}

	config := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            []ssh.AuthMethod{ssh.Password(opts.Password)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(clientConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("create sftp client: %w", err)
	}
	b, err := newSFTPBackend(client, path.Join(opts.BaseDir, name))
	if err != nil {
		client.Close()
		sshClient.Close()
		return nil, err
	}
	b.ssh = sshClient
	return newBlobs(name, b), nil
}

func newSFTPBackend(client *sftp.Client, dir string) (*sftpBackend, error) {
	if err := mkdirAllSFTP(client, dir); err != nil {
		return nil, fmt.Errorf("ensure remote dir %s: %w", dir, err)
	}
	return &sftpBackend{client: client, dir: dir}, nil
}

func (b *sftpBackend) path(key string) string {
	return path.Join(b.dir, key)
}

func (b *sftpBackend) write(_ context.Context, key string, r io.Reader, _ int64) error {
	remotePath := b.path(key)
	f, err := b.client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", remotePath, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		b.client.Remove(remotePath)
		return fmt.Errorf("copy to remote file %s: %w", remotePath, err)
	}
	return f.Close()
}

func (b *sftpBackend) open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := b.client.Open(b.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (b *sftpBackend) remove(_ context.Context, key string) error {
	p := b.path(key)
	if _, err := b.client.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return b.client.Remove(p)
}

func (b *sftpBackend) keys(_ context.Context) ([]string, error) {
	entries, err := b.client.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (b *sftpBackend) close() error {
	err := b.client.Close()
	if b.ssh != nil {
		if cerr := b.ssh.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// mkdirAllSFTP mimics os.MkdirAll for an SFTP server by creating each segment of the path.
func mkdirAllSFTP(client *sftp.Client, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}

	parts := strings.Split(dir, "/")
	cur := ""
	if strings.HasPrefix(dir, "/") {
		cur = "/"
	}
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = path.Join(cur, p)
		if _, err := client.Stat(cur); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("stat %s: %w", cur, err)
			}
			if err := client.Mkdir(cur); err != nil {
				return fmt.Errorf("mkdir %s: %w", cur, err)
			}
		}
	}
	return nil
}
