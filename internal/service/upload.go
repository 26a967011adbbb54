package service

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/medscan-diagnosis-server/internal/domain"
)

// DefaultMaxUploadBytes bounds uploads when no limit is configured
const DefaultMaxUploadBytes int64 = 32 << 20

// Upload is a payload staged on local disk for the lifetime of one request
type Upload struct {
	Path string
	Name string
	Kind domain.ContentKind
	Size int64

	logger *logrus.Logger
}

// Release removes the staged file. Safe to call more than once.
func (u *Upload) Release() {
	if u == nil || u.Path == "" {
		return
	}
	if err := os.Remove(u.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		u.logger.WithError(err).WithField("path", u.Path).Warn("Failed to remove staged upload")
	}
	u.Path = ""
}

// Stager copies request bodies into uniquely named temp files
type Stager struct {
	dir      string
	maxBytes int64
	logger   *logrus.Logger
}

// NewStager creates a stager writing under dir
func NewStager(dir string, maxBytes int64, logger *logrus.Logger) *Stager {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if dir == "" {
		dir = os.TempDir()
	}
	return &Stager{dir: dir, maxBytes: maxBytes, logger: logger}
}

// Stage writes body to a new temp file. On any error nothing is left on disk.
func (s *Stager) Stage(name string, body io.Reader) (*Upload, error) {
	if body == nil {
		return nil, domain.NewNoInputError()
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, domain.NewPipelineError(domain.ErrInternal, "Upload directory unavailable", s.dir, err)
	}

	safe := SanitizeFilename(name)
	f, err := os.CreateTemp(s.dir, "upload-*-"+safe)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrInternal, "Failed to stage upload", "", err)
	}
	upload := &Upload{Path: f.Name(), Name: safe, Kind: domain.KindFromFilename(safe), logger: s.logger}

	n, err := io.Copy(f, io.LimitReader(body, s.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	switch {
	case err != nil:
		upload.Release()
		return nil, domain.NewInvalidInputError("unreadable upload", err)
	case n == 0:
		upload.Release()
		return nil, domain.NewNoInputError()
	case n > s.maxBytes:
		upload.Release()
		return nil, domain.NewInvalidInputError("file too large",
			fmt.Errorf("upload exceeds %d bytes", s.maxBytes))
	}
	upload.Size = n
	return upload, nil
}

// SanitizeFilename reduces a client supplied name to a safe base name,
// keeping the extension.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "upload"
	}
	return out
}
