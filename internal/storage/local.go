// Package storage saves uploaded product images and hands back the public
// reference that is stored on the product row.
package storage

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"marketplace_api/internal/apperror"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const PublicPrefix = "/uploads"

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

type Local struct {
	dir      string
	maxBytes int64
}

func NewLocal(dir string, maxBytes int64) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
	}
	return &Local{dir: dir, maxBytes: maxBytes}, nil
}

func (l *Local) Dir() string {
	return l.dir
}

// Save copies the uploaded file under a random name and returns its public path.
func (l *Local) Save(ctx context.Context, fh *multipart.FileHeader) (string, error) {
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if !allowedExtensions[ext] {
		return "", apperror.Validation("image must be a jpg, jpeg, png, gif or webp file")
	}
	if l.maxBytes > 0 && fh.Size > l.maxBytes {
		return "", apperror.Validation(fmt.Sprintf("image must be at most %d bytes", l.maxBytes))
	}
	if err := ctx.Err(); err != nil {
		return "", apperror.Dependency("image upload cancelled", err)
	}

	src, err := fh.Open()
	if err != nil {
		return "", apperror.Dependency("failed to read uploaded image", err)
	}
	defer src.Close()

	name := uuid.NewString() + ext
	dst, err := os.OpenFile(filepath.Join(l.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", apperror.Dependency("failed to store image", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(dst.Name())
		return "", apperror.Dependency("failed to store image", err)
	}
	if err := dst.Close(); err != nil {
		return "", apperror.Dependency("failed to store image", err)
	}

	logrus.WithFields(logrus.Fields{
		"file": name,
		"size": fh.Size,
	}).Info("Product image stored")

	return PublicPrefix + "/" + name, nil
}

// Remove deletes an image previously returned by Save. References outside
// PublicPrefix and already missing files are ignored.
func (l *Local) Remove(ctx context.Context, ref string) error {
	name, ok := strings.CutPrefix(ref, PublicPrefix+"/")
	if !ok || name == "" || name != filepath.Base(name) {
		return nil
	}
	if err := os.Remove(filepath.Join(l.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove image %s: %w", name, err)
	}
	return nil
}
