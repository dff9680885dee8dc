package sftp

import (
	"context"
	"os"
	"path"

	"github.com/kr/fs"
)

// walkFS adapts a Session to the fs.FileSystem used by the kr/fs walker.
type walkFS struct {
	ctx context.Context
	s   *Session
}

func (w walkFS) ReadDir(dirname string) ([]os.FileInfo, error) {
	return w.s.List(w.ctx, dirname)
}

func (w walkFS) Lstat(name string) (os.FileInfo, error) {
	return w.s.Lstat(w.ctx, name)
}

func (w walkFS) Join(elem ...string) string {
	return path.Join(elem...)
}

// Walk returns a new Walker rooted at root.
// Every directory visited is listed with List, so it is read to the end and closed before its entries are stepped through.
func (s *Session) Walk(ctx context.Context, root string) *fs.Walker {
	return fs.WalkFS(root, walkFS{ctx: ctx, s: s})
}
