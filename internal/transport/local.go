package transport

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

type localEndpoint struct{}

var _ Endpoint = (*localEndpoint)(nil)

func (self *localEndpoint) Local() bool  { return true }
func (self *localEndpoint) Close() error { return nil }

func (self *localEndpoint) List(ctx context.Context, dir string) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, wrapErr("list", dir, err)
	}

	infos := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		infos = append(infos, fromFileInfo(fi))
	}
	return infos, nil
}

func (self *localEndpoint) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return FileInfo{}, err
	}

	fi, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return FileInfo{Name: filepath.Base(path)}, nil
	} else if err != nil {
		return FileInfo{}, wrapErr("stat", path, err)
	}
	return fromFileInfo(fi), nil
}

func (self *localEndpoint) Put(ctx context.Context, localPath, path string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := copyFile(localPath, path)
	return n, wrapErr("put", path, err)
}

func (self *localEndpoint) Get(ctx context.Context, path, localPath string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := copyFile(path, localPath)
	return n, wrapErr("get", path, err)
}

func (self *localEndpoint) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrapErr("rename", oldPath, os.Rename(oldPath, newPath))
}

func (self *localEndpoint) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrapErr("remove", path, os.Remove(path))
}

// Symlink replaces link atomically: the new link is created under a scratch
// name and renamed over any existing one.
func (self *localEndpoint) Symlink(ctx context.Context, target, link string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return wrapErr("symlink", link, err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return wrapErr("symlink", link, err)
	}
	return nil
}

func (self *localEndpoint) MkdirAll(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrapErr("mkdir", dir, os.MkdirAll(dir, 0o755))
}

func fromFileInfo(fi fs.FileInfo) FileInfo {
	return FileInfo{
		Name:    fi.Name(),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		Exists:  true,
		Regular: fi.Mode().IsRegular(),
		Symlink: fi.Mode()&fs.ModeSymlink != 0,
	}
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return n, err
	}
	return n, out.Close()
}
