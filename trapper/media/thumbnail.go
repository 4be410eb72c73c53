package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"trapper/trapper/schema"
	"trapper/trapper/storage"

	"github.com/google/uuid"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	previewMaxDim = 800
	thumbnailDim  = 200

	jpegQuality = 85
)

// Processor renders previews and square thumbnails for stored resources and
// records the derived paths on the row. Audio resources get no derived
// images; video frames are extracted with ffmpeg when available.
type Processor struct {
	db      *gorm.DB
	storage storage.Storage

	// Path of the ffmpeg binary, empty to disable video frames.
	FfmpegPath string

	// Number of resources processed concurrently by a batch.
	Parallelism int
}

func NewProcessor(db *gorm.DB, store storage.Storage) *Processor {
	return &Processor{db: db, storage: store, FfmpegPath: "ffmpeg", Parallelism: 4}
}

// Process generates the preview and thumbnail for one resource. A failure to
// extract a video frame leaves the paths blank without error.
func (p *Processor) Process(ctx context.Context, resourceId uuid.UUID) error {
	resource, err := schema.GetResource(resourceId, p.db, false, false)
	if err != nil {
		return err
	}

	src, err := p.sourceImage(ctx, resource)
	if err != nil {
		return err
	}
	if src == nil {
		return nil
	}

	preview := scaleToFit(src, previewMaxDim)
	thumbnail := scaleToFit(squareCrop(src), thumbnailDim)

	previewPath := storage.PreviewPath(resource.Id)
	if err := p.writeJpeg(previewPath, preview); err != nil {
		return err
	}
	thumbnailPath := storage.ThumbnailPath(resource.Id)
	if err := p.writeJpeg(thumbnailPath, thumbnail); err != nil {
		return err
	}

	err = p.db.Model(&schema.Resource{}).Where("id = ?", resource.Id).
		Updates(map[string]interface{}{
			"preview_path":   previewPath,
			"thumbnail_path": thumbnailPath,
		}).Error
	if err != nil {
		slog.Error("sql error saving derived media paths", "resource_id", resource.Id, "error", err)
		return schema.ErrDbAccessFailed
	}
	return nil
}

// ProcessBatch runs Process over many resources, a few at a time. Failures
// are logged and counted, never fatal to the batch.
func (p *Processor) ProcessBatch(ctx context.Context, resourceIds []uuid.UUID) string {
	parallelism := p.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(parallelism)

	var failed atomic.Int64
	for _, resourceId := range resourceIds {
		resourceId := resourceId
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			if err := p.Process(groupCtx, resourceId); err != nil {
				slog.Error("thumbnail generation failed", "resource_id", resourceId, "error", err)
				failed.Add(1)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Sprintf("thumbnail batch cancelled: %v", err)
	}

	return fmt.Sprintf("Generated thumbnails for %d of %d resources.",
		int64(len(resourceIds))-failed.Load(), len(resourceIds))
}

func (p *Processor) sourceImage(ctx context.Context, resource schema.Resource) (image.Image, error) {
	switch resource.ResourceType {
	case schema.ResourceTypeImage:
		reader, err := p.storage.Read(resource.FilePath)
		if err != nil {
			return nil, err
		}
		defer reader.Close()
		return decodeImage(reader, resource.FilePath)
	case schema.ResourceTypeVideo:
		frame, err := p.videoFrame(ctx, resource.FilePath)
		if err != nil {
			slog.Warn("unable to extract video frame", "resource_id", resource.Id, "error", err)
			return nil, nil
		}
		return frame, nil
	default:
		return nil, nil
	}
}

func decodeImage(reader io.Reader, path string) (image.Image, error) {
	var img image.Image
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		img, err = png.Decode(reader)
	case ".gif":
		img, err = gif.Decode(reader)
	default:
		img, err = jpeg.Decode(reader)
	}
	if err != nil {
		return nil, fmt.Errorf("error decoding image %v: %w", path, err)
	}
	return img, nil
}

// videoFrame shells out to ffmpeg for the frame at one second in.
func (p *Processor) videoFrame(ctx context.Context, path string) (image.Image, error) {
	if p.FfmpegPath == "" {
		return nil, fmt.Errorf("video frame extraction disabled")
	}

	fullPath := filepath.Join(p.storage.Location(), path)
	cmd := exec.CommandContext(ctx, p.FfmpegPath,
		"-ss", "00:00:01", "-i", fullPath, "-vframes", "1", "-f", "image2", "-")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed on %v: %w", path, err)
	}

	img, err := jpeg.Decode(&out)
	if err != nil {
		return nil, fmt.Errorf("error decoding extracted frame: %w", err)
	}
	return img, nil
}

func (p *Processor) writeJpeg(path string, img image.Image) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return fmt.Errorf("error encoding jpeg %v: %w", path, err)
	}
	return p.storage.Write(path, &buf)
}

func scaleToFit(src image.Image, maxDim int) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxDim && h <= maxDim {
		return src
	}

	scale := float64(maxDim) / float64(w)
	if h > w {
		scale = float64(maxDim) / float64(h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, int(float64(w)*scale), int(float64(h)*scale)))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	return dst
}

func squareCrop(src image.Image) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	side := w
	if h < side {
		side = h
	}
	x0 := bounds.Min.X + (w-side)/2
	y0 := bounds.Min.Y + (h-side)/2

	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(dst, dst.Bounds(), src, image.Pt(x0, y0), draw.Src)
	return dst
}
