package watch

import (
	"context"
	"io/fs"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// Scan walks every root concurrently and submits each regular file.
// Used for the startup sweep and for scheduled rescans.
func Scan(ctx context.Context, roots []string, submit Submit) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, root := range roots {
		root := root
		g.Go(func() error {
			return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if d.Type().IsRegular() {
					submit(path)
				}
				return nil
			})
		})
	}
	return g.Wait()
}
