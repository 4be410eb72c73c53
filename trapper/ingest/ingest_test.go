package ingest_test

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"testing"
	"trapper/trapper/access"
	"trapper/trapper/ingest"
	"trapper/trapper/schema"
	"trapper/trapper/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupDb(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%v?mode=memory&cache=shared", uuid.New())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(schema.AllModels()...))
	return db
}

func buildArchive(t *testing.T, files map[string][]byte) []byte {
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for name, data := range files {
		entry, err := writer.Create(name)
		require.NoError(t, err)
		_, err = entry.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

type fixture struct {
	db         *gorm.DB
	svc        *ingest.Service
	store      storage.Storage
	owner      schema.User
	manager    schema.User
	project    schema.ResearchProject
	deployment schema.Deployment
}

func setup(t *testing.T) *fixture {
	db := setupDb(t)
	store := storage.NewSharedDisk(t.TempDir())
	svc := ingest.NewService(db, access.NewService(db), store)

	f := &fixture{db: db, svc: svc, store: store}

	f.owner = schema.User{Id: uuid.New(), Username: "alice", Email: "alice@mail.com"}
	require.NoError(t, db.Create(&f.owner).Error)
	f.manager = schema.User{Id: uuid.New(), Username: "bob", Email: "bob@mail.com"}
	require.NoError(t, db.Create(&f.manager).Error)

	f.project = schema.ResearchProject{
		Id: uuid.New(), Name: "Wolves", Acronym: "WLV",
		OwnerId: f.owner.Id, Status: schema.ProjectApproved,
	}
	require.NoError(t, db.Create(&f.project).Error)

	location := schema.Location{
		Id: uuid.New(), LocationID: "L1", X: 21.5, Y: 52.2, Timezone: "UTC", OwnerId: f.owner.Id,
	}
	require.NoError(t, db.Create(&location).Error)
	f.deployment = schema.Deployment{
		Id: uuid.New(), DeploymentCode: "D1", LocationId: location.Id,
		Location: &location, OwnerId: f.owner.Id,
	}
	f.deployment.RefreshDeploymentID()
	require.NoError(t, db.Omit("Location").Create(&f.deployment).Error)

	return f
}

func (f *fixture) manifest(deploymentID string) string {
	return fmt.Sprintf(`
collections:
  - name: Spring survey
    resources_dir: media
    project_name: WLV
    managers:
      - username: bob
    deployments:
      - deployment_id: %v
        resources:
          - name: R1
            file: r1.jpg
            date_recorded: "2026-04-01T10:00:00Z"
          - name: R2
            file: r2.jpg
            date_recorded: "2026-04-01T10:05:00Z"
    resources:
      - name: Free
        file: free.mp4
        date_recorded: "2026-04-02T08:00:00Z"
`, deploymentID)
}

func (f *fixture) archive(t *testing.T, deploymentID string) []byte {
	return buildArchive(t, map[string][]byte{
		"media/" + deploymentID + "/r1.jpg": []byte("jpeg-1"),
		"media/" + deploymentID + "/r2.jpg": []byte("jpeg-2"),
		"media/free.mp4":                    []byte("mp4-data"),
	})
}

func TestIngestPipeline(t *testing.T) {
	f := setup(t)

	log, err := f.svc.Run(context.Background(), f.owner,
		[]byte(f.manifest(f.deployment.DeploymentID)), f.archive(t, f.deployment.DeploymentID))
	require.NoError(t, err)
	assert.Contains(t, log, "2 resources created")
	assert.Contains(t, log, "1 resources created")

	var collection schema.Collection
	require.NoError(t, f.db.Preload("Managers").Preload("Resources").
		First(&collection, "name = ?", "Spring survey").Error)
	assert.Equal(t, f.owner.Id, collection.OwnerId)
	require.Len(t, collection.Managers, 1)
	assert.Equal(t, "bob", collection.Managers[0].Username)
	require.Len(t, collection.Resources, 3)

	var linked int64
	require.NoError(t, f.db.Model(&schema.ResearchProjectCollection{}).
		Where("project_id = ? AND collection_id = ?", f.project.Id, collection.Id).
		Count(&linked).Error)
	assert.EqualValues(t, 1, linked)

	byName := map[string]schema.Resource{}
	for _, resource := range collection.Resources {
		byName[resource.Name] = resource
	}
	require.NotNil(t, byName["R1"].DeploymentId)
	assert.Equal(t, f.deployment.Id, *byName["R1"].DeploymentId)
	assert.Nil(t, byName["Free"].DeploymentId)
	assert.Equal(t, "image/jpeg", byName["R1"].MimeType)
	assert.Equal(t, schema.ResourceTypeVideo, byName["Free"].ResourceType)

	exists, err := f.store.Exists(byName["R1"].FilePath)
	require.NoError(t, err)
	assert.True(t, exists)

	// the period is refreshed from the ingested resources; a single
	// contributing location leaves the bbox null
	assert.NotNil(t, collection.PeriodBegin)
	assert.NotNil(t, collection.PeriodEnd)
	assert.Nil(t, collection.BboxWest)
	assert.Nil(t, collection.BboxNorth)
}

func TestIngestIdempotentOnCollectionName(t *testing.T) {
	f := setup(t)

	manifest := []byte(f.manifest(f.deployment.DeploymentID))
	archive := f.archive(t, f.deployment.DeploymentID)

	_, err := f.svc.Run(context.Background(), f.owner, manifest, archive)
	require.NoError(t, err)
	_, err = f.svc.Run(context.Background(), f.owner, manifest, archive)
	require.NoError(t, err)

	var collections int64
	require.NoError(t, f.db.Model(&schema.Collection{}).
		Where("name = ?", "Spring survey").Count(&collections).Error)
	assert.EqualValues(t, 1, collections)
}

func TestIngestReferenceValidation(t *testing.T) {
	f := setup(t)

	manifest := []byte(`
collections:
  - name: Broken
    resources_dir: media
    project_name: NOPE
    managers:
      - username: ghost
    deployments:
      - deployment_id: D9-L9
        resources:
          - name: R1
            file: r1.jpg
            date_recorded: "2026-04-01T10:00:00Z"
`)

	_, err := f.svc.Run(context.Background(), f.owner, manifest, buildArchive(t, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Research project NOPE does not exist")
	assert.Contains(t, err.Error(), "User ghost does not exist")
	assert.Contains(t, err.Error(), "Deployment D9-L9 does not exist")

	var collections int64
	require.NoError(t, f.db.Model(&schema.Collection{}).Count(&collections).Error)
	assert.Zero(t, collections, "validation failures must not write anything")
}

func TestIngestDeploymentPermission(t *testing.T) {
	f := setup(t)

	stranger := schema.User{Id: uuid.New(), Username: "carol", Email: "carol@mail.com"}
	require.NoError(t, f.db.Create(&stranger).Error)

	_, err := f.svc.Run(context.Background(), stranger,
		[]byte(f.manifest(f.deployment.DeploymentID)), f.archive(t, f.deployment.DeploymentID))
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("Deployment %v is not available to you", f.deployment.DeploymentID))
}

func TestIngestStructuralValidation(t *testing.T) {
	f := setup(t)

	manifest := []byte(`
collections:
  - name: NoDir
    resources:
      - name: R1
        file: r1.jpg
        date_recorded: "not-a-date"
`)

	_, err := f.svc.Run(context.Background(), f.owner, manifest, buildArchive(t, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resources_dir is required")
	assert.Contains(t, err.Error(), `invalid date_recorded "not-a-date"`)
}

func TestIngestPerResourceIsolation(t *testing.T) {
	f := setup(t)

	// r2.jpg is referenced but absent from the archive
	archive := buildArchive(t, map[string][]byte{
		"media/" + f.deployment.DeploymentID + "/r1.jpg": []byte("jpeg-1"),
		"media/free.mp4": []byte("mp4-data"),
	})

	log, err := f.svc.Run(context.Background(), f.owner,
		[]byte(f.manifest(f.deployment.DeploymentID)), archive)
	require.NoError(t, err)
	assert.Contains(t, log, "not found in archive")

	var resources int64
	require.NoError(t, f.db.Model(&schema.Resource{}).Count(&resources).Error)
	assert.EqualValues(t, 2, resources)
}

func TestIngestBadExtensionIsolated(t *testing.T) {
	f := setup(t)

	manifest := []byte(`
collections:
  - name: Mixed
    resources_dir: media
    resources:
      - name: Good
        file: good.jpg
        date_recorded: "2026-04-01T10:00:00Z"
      - name: Bad
        file: notes.txt
        date_recorded: "2026-04-01T10:05:00Z"
`)
	archive := buildArchive(t, map[string][]byte{
		"media/good.jpg":  []byte("jpeg-1"),
		"media/notes.txt": []byte("plain text"),
	})

	log, err := f.svc.Run(context.Background(), f.owner, manifest, archive)
	require.NoError(t, err)
	assert.Contains(t, log, "Not allowed mime type: *.txt")

	var collections int64
	require.NoError(t, f.db.Model(&schema.Collection{}).Count(&collections).Error)
	assert.EqualValues(t, 1, collections)

	var resources []schema.Resource
	require.NoError(t, f.db.Find(&resources).Error)
	require.Len(t, resources, 1)
	assert.Equal(t, "Good", resources[0].Name)
}

func TestIngestFileSizeCap(t *testing.T) {
	f := setup(t)
	f.svc.MaxFileSize = 4

	log, err := f.svc.Run(context.Background(), f.owner,
		[]byte(f.manifest(f.deployment.DeploymentID)), f.archive(t, f.deployment.DeploymentID))
	require.NoError(t, err)
	assert.Contains(t, log, "exceeds the size limit")

	var resources int64
	require.NoError(t, f.db.Model(&schema.Resource{}).Count(&resources).Error)
	assert.Zero(t, resources)
}

func TestParseDateRecordedLayouts(t *testing.T) {
	manifest := []byte(`
collections:
  - name: Layouts
    resources_dir: media
    resources:
      - name: A
        file: a.jpg
        date_recorded: "2026-04-01 10:00:00"
      - name: B
        file: b.jpg
        date_recorded: "2026-04-01"
`)
	_, err := ingest.ParseManifest(manifest)
	require.NoError(t, err)
}
