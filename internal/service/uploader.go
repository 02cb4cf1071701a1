package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/manticore/internal/model"
)

// Uploader receives the JSON lines of a finished batch. Uploaders
// implementing io.Closer are closed with the service.
type Uploader interface {
	Upload(ctx context.Context, raw []byte) error
}

func uploaders(_ context.Context, cfg model.Service) ([]Uploader, error) {
	if cfg.Dir == "" && (cfg.Repository == nil || !cfg.Repository.Enabled) {
		return []Uploader{NewWriteUploader(os.Stdout)}, nil
	}
	var uploaders []Uploader
	if cfg.Dir != "" {
		u, err := NewOSRootUploader(cfg.Dir)
		if err != nil {
			return nil, err
		}
		uploaders = append(uploaders, u)
	}

	if cfg.Repository != nil && cfg.Repository.Enabled {
		u, err := NewRepoUploader(*cfg.Repository)
		if err != nil {
			for _, x := range uploaders {
				if c, ok := x.(io.Closer); ok {
					_ = c.Close()
				}
			}
			return nil, err
		}
		uploaders = append(uploaders, u)
	}
	return uploaders, nil
}

type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, raw []byte) error {
	if u.w == nil {
		u.w = os.Stdout
	}
	_, err := u.w.Write(raw)
	return err
}

// OSRootUploader stores every batch in a new file of a directory.
type OSRootUploader struct {
	root *os.Root
	now  func() time.Time
}

func NewOSRootUploader(path string) (*OSRootUploader, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootUploader{root: root, now: time.Now}, nil
}

func (u *OSRootUploader) Upload(ctx context.Context, b []byte) error {
	if u.root == nil {
		return errors.New("root already closed")
	}

	path := "manticore-" + u.now().Format("2006-01-02-15-04-05.000") + ".jsonl"

	f, err := u.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating manticore results: %w", err)
	}
	_, err = f.Write(b)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving manticore results: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing manticore results: %w", err)
	}
	slog.InfoContext(ctx, "results saved", "path", path)
	return nil
}

func (u *OSRootUploader) Close() error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}
