// Package transport gives the pipeline one capability set over local and
// SSH endpoints: list, stat, byte-exact copy in/out, rename, remove,
// symlink.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/kenfar/buffalofq/config"
)

// Endpoint is one side of a transfer. Implementations: local filesystem
// and sftp. Rename must be atomic within one filesystem. Stat on a missing
// path returns Exists=false, not an error.
type Endpoint interface {
	List(ctx context.Context, dir string) ([]FileInfo, error)
	Stat(ctx context.Context, path string) (FileInfo, error)

	// Put copies a local file to path on this endpoint; Get copies path on
	// this endpoint to a local file. Both return the byte count.
	Put(ctx context.Context, localPath, path string) (int64, error)
	Get(ctx context.Context, path, localPath string) (int64, error)

	Rename(ctx context.Context, oldPath, newPath string) error
	Remove(ctx context.Context, path string) error
	Symlink(ctx context.Context, target, link string) error
	MkdirAll(ctx context.Context, dir string) error

	Local() bool
	Close() error
}

// FileInfo is the stat result. Lstat semantics: a symlink reports
// Symlink=true and is never Regular.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
	Exists  bool
	Regular bool
	Symlink bool
}

// Side selects which half of the feed an endpoint serves.
type Side int

const (
	Source Side = iota
	Dest
)

func (self Side) String() string {
	if self == Source {
		return "source"
	}
	return "dest"
}

// New builds the endpoint for one side of the feed. Local when the host is
// "localhost" or empty; sftp otherwise. Remote connections are dialed
// lazily on first use.
func New(feed *config.Feed, side Side, env *config.Env) Endpoint {
	host, user, local := feed.DestHost, feed.DestUser, feed.DestLocal()
	if side == Source {
		host, user, local = feed.SourceHost, feed.SourceUser, feed.SourceLocal()
	}
	if local {
		return &localEndpoint{}
	}

	key := feed.KeyFilename
	if key == "" {
		key = env.DefaultKeyFilename()
	}
	return &sftpEndpoint{
		host:      host,
		user:      user,
		port:      feed.Port,
		key:       key,
		agentSock: env.SSHAuthSock,
		strict:    feed.StrictHostKey != "no",
		home:      env.Home,
	}
}

// Kind classifies a transport failure.
type Kind int

const (
	KindAuth Kind = iota + 1
	KindConnect
	KindNotFound
	KindPermission
	KindTimeout
	KindIO
)

func (self Kind) String() string {
	switch self {
	case KindAuth:
		return "auth"
	case KindConnect:
		return "connect"
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission"
	case KindTimeout:
		return "timeout"
	case KindIO:
		return "io"
	}
	return fmt.Sprintf("Kind(%d)", int(self))
}

type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (self *Error) Error() string {
	return fmt.Sprintf("transport %s %s: %s: %v", self.Op, self.Path, self.Kind, self.Err)
}

func (self *Error) Unwrap() error { return self.Err }

// IsNotFound reports whether err is a not_found transport error.
func IsNotFound(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindNotFound
}

// wrapErr classifies err into an *Error; nil stays nil.
func wrapErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}

	kind := KindIO
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = KindNotFound
	case errors.Is(err, fs.ErrPermission):
		kind = KindPermission
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}
