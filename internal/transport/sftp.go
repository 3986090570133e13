package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const dialTimeout = 10 * time.Second

// sftpEndpoint wraps one ssh+sftp connection. The connection is dialed on
// first use and lives for the duration of a feed pass.
type sftpEndpoint struct {
	host      string
	user      string
	port      uint16
	key       string
	agentSock string
	strict    bool
	home      string

	conn   *ssh.Client
	client *sftp.Client
}

var _ Endpoint = (*sftpEndpoint)(nil)

func (self *sftpEndpoint) Local() bool { return false }

func (self *sftpEndpoint) connect(ctx context.Context) (*sftp.Client, error) {
	if self.client != nil {
		return self.client, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	auth, err := self.authMethods()
	if err != nil {
		return nil, &Error{Kind: KindAuth, Op: "connect", Path: self.host, Err: err}
	}
	hostKeys, err := self.hostKeyCallback()
	if err != nil {
		return nil, &Error{Kind: KindAuth, Op: "connect", Path: self.host, Err: err}
	}

	cfg := &ssh.ClientConfig{
		User:            self.user,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(self.host, fmt.Sprint(self.port))
	conn, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		kind := KindConnect
		if errors.Is(err, os.ErrDeadlineExceeded) {
			kind = KindTimeout
		}
		return nil, &Error{Kind: kind, Op: "connect", Path: addr, Err: err}
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, &Error{Kind: KindConnect, Op: "connect", Path: addr, Err: err}
	}

	self.conn, self.client = conn, client
	return client, nil
}

// authMethods builds the key-based auth chain: the identity file, plus the
// agent when SSH_AUTH_SOCK is set. No password fallback.
func (self *sftpEndpoint) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	pem, err := os.ReadFile(self.key)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %w", self.key, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key %s: %w", self.key, err)
	}

	if self.agentSock != "" {
		if conn, err := net.Dial("unix", self.agentSock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no usable identity: %s missing and no agent", self.key)
	}
	return methods, nil
}

func (self *sftpEndpoint) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !self.strict {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return knownhosts.New(path.Join(self.home, ".ssh", "known_hosts"))
}

func (self *sftpEndpoint) List(ctx context.Context, dir string) ([]FileInfo, error) {
	client, err := self.connect(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := client.ReadDir(dir)
	if err != nil {
		return nil, wrapErr("list", dir, err)
	}

	infos := make([]FileInfo, 0, len(entries))
	for _, fi := range entries {
		infos = append(infos, fromFileInfo(fi))
	}
	return infos, nil
}

func (self *sftpEndpoint) Stat(ctx context.Context, p string) (FileInfo, error) {
	client, err := self.connect(ctx)
	if err != nil {
		return FileInfo{}, err
	}

	fi, err := client.Lstat(p)
	if errors.Is(err, os.ErrNotExist) {
		return FileInfo{Name: path.Base(p)}, nil
	} else if err != nil {
		return FileInfo{}, wrapErr("stat", p, err)
	}
	return fromFileInfo(fi), nil
}

func (self *sftpEndpoint) Put(ctx context.Context, localPath, p string) (int64, error) {
	client, err := self.connect(ctx)
	if err != nil {
		return 0, err
	}

	in, err := os.Open(localPath)
	if err != nil {
		return 0, wrapErr("put", localPath, err)
	}
	defer in.Close()

	out, err := client.Create(p)
	if err != nil {
		return 0, wrapErr("put", p, err)
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, wrapErr("put", p, err)
	}
	return n, wrapErr("put", p, out.Close())
}

func (self *sftpEndpoint) Get(ctx context.Context, p, localPath string) (int64, error) {
	client, err := self.connect(ctx)
	if err != nil {
		return 0, err
	}

	in, err := client.Open(p)
	if err != nil {
		return 0, wrapErr("get", p, err)
	}
	defer in.Close()

	out, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, wrapErr("get", localPath, err)
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, wrapErr("get", p, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return n, wrapErr("get", localPath, err)
	}
	return n, wrapErr("get", localPath, out.Close())
}

// Rename uses posix-rename so an existing target is replaced atomically,
// matching local rename semantics.
func (self *sftpEndpoint) Rename(ctx context.Context, oldPath, newPath string) error {
	client, err := self.connect(ctx)
	if err != nil {
		return err
	}
	return wrapErr("rename", oldPath, client.PosixRename(oldPath, newPath))
}

func (self *sftpEndpoint) Remove(ctx context.Context, p string) error {
	client, err := self.connect(ctx)
	if err != nil {
		return err
	}
	return wrapErr("remove", p, client.Remove(p))
}

func (self *sftpEndpoint) Symlink(ctx context.Context, target, link string) error {
	client, err := self.connect(ctx)
	if err != nil {
		return err
	}

	// sftp has no atomic replace for links
	if err := client.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
		return wrapErr("symlink", link, err)
	}
	return wrapErr("symlink", link, client.Symlink(target, link))
}

func (self *sftpEndpoint) MkdirAll(ctx context.Context, dir string) error {
	client, err := self.connect(ctx)
	if err != nil {
		return err
	}
	return wrapErr("mkdir", dir, client.MkdirAll(dir))
}

func (self *sftpEndpoint) Close() error {
	var err error
	if self.client != nil {
		err = self.client.Close()
		self.client = nil
	}
	if self.conn != nil {
		if cerr := self.conn.Close(); err == nil {
			err = cerr
		}
		self.conn = nil
	}
	return err
}
