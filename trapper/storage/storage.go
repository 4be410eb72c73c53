package storage

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/google/uuid"
)

type UsageStats struct {
	TotalBytes uint64
	FreeBytes  uint64
}

// Storage is the media store. All paths are relative to the store root.
type Storage interface {
	Read(path string) (io.ReadCloser, error)

	Write(path string, data io.Reader) error

	Delete(path string) error

	Exists(path string) (bool, error)

	Size(path string) (int64, error)

	Usage() (UsageStats, error)

	Location() string
}

// Store layout helpers. Media files live under resources/<id>/, derived
// artifacts next to the original, user exports under packages/<user id>/.

func ResourceDir(resourceId uuid.UUID) string {
	return filepath.Join("resources", resourceId.String())
}

func ResourceFilePath(resourceId uuid.UUID, ext string) string {
	return filepath.Join(ResourceDir(resourceId), "file"+ext)
}

func ThumbnailPath(resourceId uuid.UUID) string {
	return filepath.Join(ResourceDir(resourceId), "thumbnail.jpg")
}

func PreviewPath(resourceId uuid.UUID) string {
	return filepath.Join(ResourceDir(resourceId), "preview.jpg")
}

func UploadPath(uploadId uuid.UUID, name string) string {
	return filepath.Join("uploads", uploadId.String(), name)
}

func PackagePath(userId uuid.UUID, filename string) string {
	return filepath.Join("packages", userId.String(), filename)
}

func PackageFilename(projectAcronym string, timestamp string) string {
	return fmt.Sprintf("results_%v_%v.zip", projectAcronym, timestamp)
}
