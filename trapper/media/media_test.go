package media_test

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
	"time"
	"trapper/trapper/media"
	"trapper/trapper/schema"
	"trapper/trapper/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestProbe(t *testing.T) {
	mime, resourceType, err := media.Probe("deer.JPG")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mime)
	assert.Equal(t, schema.ResourceTypeImage, resourceType)

	mime, resourceType, err = media.Probe("clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, "video/mp4", mime)
	assert.Equal(t, schema.ResourceTypeVideo, resourceType)

	_, resourceType, err = media.Probe("call.wav")
	require.NoError(t, err)
	assert.Equal(t, schema.ResourceTypeAudio, resourceType)

	_, _, err = media.Probe("notes.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Not allowed mime type: *.txt")
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), A: 255})
		}
	}
	return img
}

func setup(t *testing.T) (*gorm.DB, storage.Storage, *media.Processor) {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%v?mode=memory&cache=shared", uuid.New())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(schema.AllModels()...))

	store := storage.NewSharedDisk(t.TempDir())
	processor := media.NewProcessor(db, store)
	processor.FfmpegPath = ""
	return db, store, processor
}

func newResource(t *testing.T, db *gorm.DB, store storage.Storage, resourceType string, img image.Image) schema.Resource {
	owner := schema.User{Id: uuid.New(), Username: uuid.NewString()[:8], Email: uuid.NewString()[:8] + "@mail.com"}
	require.NoError(t, db.Create(&owner).Error)

	resource := schema.Resource{
		Id: uuid.New(), Name: "R", ResourceType: resourceType,
		Status: schema.StatusPrivate, OwnerId: owner.Id, DateRecorded: time.Now().UTC(),
	}
	resource.FilePath = storage.ResourceFilePath(resource.Id, ".png")
	require.NoError(t, db.Create(&resource).Error)

	if img != nil {
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, img))
		require.NoError(t, store.Write(resource.FilePath, &buf))
	}
	return resource
}

func TestProcessImage(t *testing.T) {
	db, store, processor := setup(t)
	resource := newResource(t, db, store, schema.ResourceTypeImage, testImage(1200, 900))

	require.NoError(t, processor.Process(context.Background(), resource.Id))

	var got schema.Resource
	require.NoError(t, db.First(&got, "id = ?", resource.Id).Error)
	assert.Equal(t, storage.PreviewPath(resource.Id), got.PreviewPath)
	assert.Equal(t, storage.ThumbnailPath(resource.Id), got.ThumbnailPath)

	reader, err := store.Read(got.ThumbnailPath)
	require.NoError(t, err)
	defer reader.Close()
	thumbnail, err := jpeg.Decode(reader)
	require.NoError(t, err)
	assert.Equal(t, 200, thumbnail.Bounds().Dx())
	assert.Equal(t, 200, thumbnail.Bounds().Dy())

	reader, err = store.Read(got.PreviewPath)
	require.NoError(t, err)
	defer reader.Close()
	preview, err := jpeg.Decode(reader)
	require.NoError(t, err)
	assert.Equal(t, 800, preview.Bounds().Dx())
	assert.Equal(t, 600, preview.Bounds().Dy())
}

func TestProcessAudioSkipped(t *testing.T) {
	db, store, processor := setup(t)
	resource := newResource(t, db, store, schema.ResourceTypeAudio, nil)

	require.NoError(t, processor.Process(context.Background(), resource.Id))

	var got schema.Resource
	require.NoError(t, db.First(&got, "id = ?", resource.Id).Error)
	assert.Empty(t, got.PreviewPath)
	assert.Empty(t, got.ThumbnailPath)
}

func TestProcessVideoFrameFailureTolerated(t *testing.T) {
	db, store, processor := setup(t)
	resource := newResource(t, db, store, schema.ResourceTypeVideo, nil)

	require.NoError(t, processor.Process(context.Background(), resource.Id))

	var got schema.Resource
	require.NoError(t, db.First(&got, "id = ?", resource.Id).Error)
	assert.Empty(t, got.ThumbnailPath)
}

func TestProcessBatch(t *testing.T) {
	db, store, processor := setup(t)

	ids := []uuid.UUID{}
	for i := 0; i < 3; i++ {
		ids = append(ids, newResource(t, db, store, schema.ResourceTypeImage, testImage(300, 300)).Id)
	}
	ids = append(ids, uuid.New()) // unknown resource fails

	log := processor.ProcessBatch(context.Background(), ids)
	assert.Contains(t, log, "Generated thumbnails for 3 of 4 resources.")
}
