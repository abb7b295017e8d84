// Package storage owns the two artifact directories: inbound uploads and
// produced audio. Every artifact is named by a fresh UUID plus extension so
// concurrent conversions never touch the same file.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"
)

// AudioExt is the extension used for produced audio artifacts.
const AudioExt = ".wav"

var (
	ErrInvalidFilename   = errors.New("invalid filename")
	ErrFileNotFound      = errors.New("file not found")
	ErrInsufficientSpace = errors.New("insufficient free disk space")
)

// Dirs manages the upload and output directories.
type Dirs struct {
	uploadDir   string
	outputDir   string
	minFreeDisk int64
	logger      *zap.Logger

	// freeSpace reports free bytes for a path; replaced in tests.
	freeSpace func(path string) (uint64, error)
}

// New creates both directories if needed. minFreeDisk of zero disables the
// free space guard.
func New(uploadDir, outputDir string, minFreeDisk int64, logger *zap.Logger) (*Dirs, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, dir := range []string{uploadDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create artifact directory %s: %w", dir, err)
		}
	}
	return &Dirs{
		uploadDir:   uploadDir,
		outputDir:   outputDir,
		minFreeDisk: minFreeDisk,
		logger:      logger,
		freeSpace:   diskFree,
	}, nil
}

func diskFree(path string) (uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

func (d *Dirs) UploadDir() string { return d.uploadDir }
func (d *Dirs) OutputDir() string { return d.outputDir }

// NewID returns a fresh artifact identifier.
func NewID() string { return uuid.NewString() }

// UploadPath is the location of the input artifact id with extension ext.
func (d *Dirs) UploadPath(id, ext string) string {
	return filepath.Join(d.uploadDir, id+strings.ToLower(ext))
}

// OutputPath is the location of the audio artifact id.
func (d *Dirs) OutputPath(id string) string {
	return filepath.Join(d.outputDir, id+AudioExt)
}

// SaveUpload writes data as a new input artifact.
func (d *Dirs) SaveUpload(id, ext string, data []byte) (string, error) {
	path := d.UploadPath(id, ext)
	if err := writeFile(path, data); err != nil {
		return "", fmt.Errorf("save upload: %w", err)
	}
	return path, nil
}

// WriteOutput persists audio bytes at path, creating parent directories. A
// partially written file is removed before the error is returned.
func (d *Dirs) WriteOutput(path string, data []byte) error {
	if err := d.checkSpace(filepath.Dir(path), int64(len(data))); err != nil {
		return err
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}

func (d *Dirs) checkSpace(dir string, need int64) error {
	if d.minFreeDisk <= 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	free, err := d.freeSpace(dir)
	if err != nil {
		d.logger.Warn("could not get disk usage", zap.String("path", dir), zap.Error(err))
		return nil
	}
	if free < uint64(d.minFreeDisk+need) {
		return fmt.Errorf("%w: available %d, required %d", ErrInsufficientSpace, free, d.minFreeDisk+need)
	}
	return nil
}

// Remove deletes an artifact. Failures are logged and swallowed so that they
// never replace the outcome of the operation that owns the artifact.
func (d *Dirs) Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("failed to remove artifact", zap.String("path", path), zap.Error(err))
	}
}

// ResolveOutput maps a bare output filename to its path.
func (d *Dirs) ResolveOutput(filename string) (string, error) {
	clean := filepath.Base(filename)
	if clean != filename || clean == "." || clean == ".." || clean == string(filepath.Separator) {
		return "", ErrInvalidFilename
	}
	full := filepath.Join(d.outputDir, clean)
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrFileNotFound
	}
	return full, nil
}

// Usage summarises free resources for health reporting.
type Usage struct {
	DiskFree  uint64 `json:"diskFree"`
	DiskTotal uint64 `json:"diskTotal"`
}

func (d *Dirs) Usage() (Usage, error) {
	u, err := disk.Usage(d.outputDir)
	if err != nil {
		return Usage{}, err
	}
	return Usage{DiskFree: u.Free, DiskTotal: u.Total}, nil
}
