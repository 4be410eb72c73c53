package media

import (
	"fmt"
	"path/filepath"
	"strings"
	"trapper/trapper/schema"
)

// Probe derives mime and resource type from a filename. The extension must
// be in the allowed media set.
func Probe(filename string) (mime string, resourceType string, err error) {
	ext := strings.ToLower(filepath.Ext(filename))
	mime, ok := schema.MimeByExtension[ext]
	if !ok {
		return "", "", fmt.Errorf("Not allowed mime type: *%v", ext)
	}
	return mime, ResourceTypeForMime(mime), nil
}

// ResourceTypeForMime maps a mime class prefix to the single letter resource
// type stored on the row.
func ResourceTypeForMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return schema.ResourceTypeImage
	case strings.HasPrefix(mime, "video/"):
		return schema.ResourceTypeVideo
	case strings.HasPrefix(mime, "audio/"):
		return schema.ResourceTypeAudio
	default:
		return ""
	}
}

// AllowedExtension reports whether the filename carries a supported media
// extension.
func AllowedExtension(filename string) bool {
	_, ok := schema.MediaExtensions[strings.ToLower(filepath.Ext(filename))]
	return ok
}
