package weights

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"diffusiond/internal/common/fsutil"
	"diffusiond/internal/errdefs"
	"diffusiond/internal/registry"
	"diffusiond/internal/tensor"
)

// DirStore reads safetensors files below a root directory. Concurrent loads
// of the same file at the same precision share one read.
type DirStore struct {
	root  string
	log   zerolog.Logger
	group singleflight.Group
}

func NewDirStore(root string, log zerolog.Logger) (*DirStore, error) {
	base, err := fsutil.ExpandHome(root)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	return &DirStore{root: abs, log: log}, nil
}

// Root is the absolute store root.
func (s *DirStore) Root() string { return s.root }

// Path returns the absolute file path for ref. Refs that resolve outside
// the root are rejected.
func (s *DirStore) Path(ref Ref) (string, error) {
	path := filepath.Join(s.root, filepath.FromSlash(ref.RelPath()))
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errdefs.ErrInvalidRequest("weights path", fmt.Sprintf("%q escapes the store root", ref.RelPath()))
	}
	return path, nil
}

func (s *DirStore) Load(ctx context.Context, ref Ref, p registry.Precision) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.Path(ref)
	if err != nil {
		return nil, err
	}
	key := path + "@" + string(p)
	ch := s.group.DoChan(key, func() (any, error) {
		raw, err := ReadSafetensors(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, errdefs.ErrNotFound("weights", ref.RelPath())
			}
			return nil, fmt.Errorf("load %s: %w", ref, err)
		}
		tensors := make(map[string]tensor.Tensor, len(raw))
		for name, t := range raw {
			tensors[name] = Quantize(t, p)
		}
		s.log.Debug().Str("event", "weights_load").Str("ref", ref.String()).Str("precision", string(p)).Int("tensors", len(tensors)).Msg("weights loaded")
		return tensors, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		// shared results are read-only; each caller gets its own map header
		shared := res.Val.(map[string]tensor.Tensor)
		tensors := make(map[string]tensor.Tensor, len(shared))
		for k, v := range shared {
			tensors[k] = v
		}
		return &Blob{Ref: ref, Precision: p, Tensors: tensors}, nil
	}
}

// Save writes tensors for ref below the root, creating directories.
func (s *DirStore) Save(ref Ref, tensors map[string]tensor.Tensor, dtype string) error {
	path, err := s.Path(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return WriteSafetensors(path, tensors, dtype)
}

// Has reports whether ref exists on disk.
func (s *DirStore) Has(ref Ref) bool {
	path, err := s.Path(ref)
	return err == nil && fsutil.PathExists(path)
}
