package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"
	"trapper/trapper/access"
	"trapper/trapper/media"
	"trapper/trapper/messaging"
	"trapper/trapper/schema"
	"trapper/trapper/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const DefaultMaxFileSize = 256 << 20

// Thumbnailer is satisfied by media.Processor or by an async wrapper that
// submits the batch as a job.
type Thumbnailer interface {
	ProcessBatch(ctx context.Context, resourceIds []uuid.UUID) string
}

type Service struct {
	db      *gorm.DB
	access  *access.Service
	storage storage.Storage

	Thumbnails Thumbnailer

	// Individual files larger than this are skipped with a per-file error.
	MaxFileSize int64
}

func NewService(db *gorm.DB, acl *access.Service, store storage.Storage) *Service {
	return &Service{db: db, access: acl, storage: store, MaxFileSize: DefaultMaxFileSize}
}

// ResourceError records one failed resource entry. Deployment is empty for
// free resources.
type ResourceError struct {
	Collection string
	Deployment string
	File       string
	Error      string
}

// Report tallies the outcome of one ingest run.
type Report struct {
	Created map[string]int
	Errors  []ResourceError
}

func (r *Report) bucket(collection, deployment string) string {
	if deployment == "" {
		return collection
	}
	return collection + "/" + deployment
}

func (r *Report) addError(collection, deployment, file string, err error) {
	r.Errors = append(r.Errors, ResourceError{
		Collection: collection, Deployment: deployment, File: file, Error: err.Error(),
	})
}

func (r *Report) Log() string {
	lines := []string{}
	for bucket, count := range r.Created {
		lines = append(lines, fmt.Sprintf("%v: %d resources created", bucket, count))
	}
	for _, e := range r.Errors {
		lines = append(lines, fmt.Sprintf("%v: %v: %v", r.bucket(e.Collection, e.Deployment), e.File, e.Error))
	}
	return strings.Join(lines, "\n")
}

// Run executes the whole pipeline: parse, validate, materialize. Validation
// failures abort before any write; materialization isolates per-resource
// failures into the report.
func (s *Service) Run(ctx context.Context, user schema.User, manifestData, archiveData []byte) (string, error) {
	manifest, err := ParseManifest(manifestData)
	if err != nil {
		return "", err
	}

	refs, report := validateRefs(s.db, s.access, user, manifest)
	if !report.Ok() {
		return "", report
	}

	archive, err := zip.NewReader(bytes.NewReader(archiveData), int64(len(archiveData)))
	if err != nil {
		return "", fmt.Errorf("error opening archive: %w", err)
	}

	result := &Report{Created: map[string]int{}}
	var thumbnailIds []uuid.UUID

	for _, definition := range manifest.Collections {
		collection, err := s.upsertCollection(user, definition, refs)
		if err != nil {
			return "", err
		}

		for _, deployment := range definition.Deployments {
			row := refs.deployments[deployment.DeploymentID]
			created := s.ingestBucket(ctx, user, archive, collection, definition,
				deployment.DeploymentID, &row, deployment.Resources, result, &thumbnailIds)
			result.Created[result.bucket(definition.Name, deployment.DeploymentID)] = created
		}
		if len(definition.Resources) > 0 {
			created := s.ingestBucket(ctx, user, archive, collection, definition,
				"", nil, definition.Resources, result, &thumbnailIds)
			result.Created[result.bucket(definition.Name, "")] = created
		}

		if err := schema.RefreshCollectionDerived(collection.Id, s.db); err != nil {
			return "", err
		}
		if err := ctx.Err(); err != nil {
			break
		}
	}

	if len(thumbnailIds) > 0 && s.Thumbnails != nil {
		s.Thumbnails.ProcessBatch(ctx, thumbnailIds)
	}

	total := 0
	for _, count := range result.Created {
		total += count
	}
	subject := fmt.Sprintf("Collection upload finished: %d resources created, %d failed",
		total, len(result.Errors))
	if err := messaging.Send(s.db, user.Id, user.Id, messaging.TypeIngestReport, subject, result.Log()); err != nil {
		return "", err
	}

	return result.Log(), nil
}

// upsertCollection finds or creates the collection by (name, owner) and
// refreshes managers and the research project link.
func (s *Service) upsertCollection(user schema.User, definition ManifestCollection, refs manifestRefs) (schema.Collection, error) {
	var collection schema.Collection

	err := s.db.Transaction(func(txn *gorm.DB) error {
		err := txn.Where(schema.Collection{Name: definition.Name, OwnerId: user.Id}).
			Attrs(schema.Collection{
				Id: uuid.New(), Status: schema.StatusPrivate, DateCreated: time.Now().UTC(),
			}).
			FirstOrCreate(&collection).Error
		if err != nil {
			slog.Error("sql error upserting collection", "name", definition.Name, "error", err)
			return schema.ErrDbAccessFailed
		}

		if len(definition.Managers) > 0 {
			managers := make([]schema.User, 0, len(definition.Managers))
			for _, manager := range definition.Managers {
				managers = append(managers, refs.managers[manager.Username])
			}
			if err := txn.Model(&collection).Association("Managers").Replace(managers); err != nil {
				slog.Error("sql error attaching collection managers", "collection_id", collection.Id, "error", err)
				return schema.ErrDbAccessFailed
			}
		}

		if definition.ProjectName != "" {
			project := refs.projects[definition.ProjectName]
			link := schema.ResearchProjectCollection{
				ProjectId: project.Id, CollectionId: collection.Id,
			}
			err := txn.Where(link).Attrs(schema.ResearchProjectCollection{Id: uuid.New()}).
				FirstOrCreate(&link).Error
			if err != nil {
				slog.Error("sql error linking collection to project", "collection_id", collection.Id, "error", err)
				return schema.ErrDbAccessFailed
			}
		}
		return nil
	})
	if err != nil {
		return schema.Collection{}, err
	}

	return collection, nil
}

// ingestBucket creates the resources of one deployment (or the free bucket)
// one at a time, so a bad entry never rolls back its neighbours.
func (s *Service) ingestBucket(ctx context.Context, user schema.User, archive *zip.Reader,
	collection schema.Collection, definition ManifestCollection, deploymentID string,
	deployment *schema.Deployment, entries []ManifestResource, report *Report,
	thumbnailIds *[]uuid.UUID) int {

	created := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return created
		}
		resource, err := s.ingestResource(user, archive, collection, definition, deploymentID, deployment, entry)
		if err != nil {
			report.addError(definition.Name, deploymentID, entry.File, err)
			continue
		}
		created++
		if resource.ResourceType != schema.ResourceTypeAudio {
			*thumbnailIds = append(*thumbnailIds, resource.Id)
		}
	}
	return created
}

func (s *Service) ingestResource(user schema.User, archive *zip.Reader,
	collection schema.Collection, definition ManifestCollection, deploymentID string,
	deployment *schema.Deployment, entry ManifestResource) (schema.Resource, error) {

	recorded, err := parseDateRecorded(entry.DateRecorded)
	if err != nil {
		return schema.Resource{}, err
	}
	mime, resourceType, err := media.Probe(entry.File)
	if err != nil {
		return schema.Resource{}, err
	}

	fileBytes, err := s.readArchiveFile(archive, archivePath(definition.ResourcesDir, deploymentID, entry.File))
	if err != nil {
		return schema.Resource{}, err
	}
	var extraBytes []byte
	var extraMime string
	if entry.ExtraFile != "" {
		extraMime, _, err = media.Probe(entry.ExtraFile)
		if err != nil {
			return schema.Resource{}, err
		}
		extraBytes, err = s.readArchiveFile(archive, archivePath(definition.ResourcesDir, deploymentID, entry.ExtraFile))
		if err != nil {
			return schema.Resource{}, err
		}
	}

	resource := schema.Resource{
		Id:           uuid.New(),
		Name:         entry.Name,
		MimeType:     mime,
		ResourceType: resourceType,
		DateUploaded: time.Now().UTC(),
		DateRecorded: recorded,
		Status:       schema.StatusPrivate,
		OwnerId:      user.Id,
	}
	if deployment != nil {
		resource.DeploymentId = &deployment.Id
	}
	resource.FilePath = storage.ResourceFilePath(resource.Id, strings.ToLower(filepath.Ext(entry.File)))
	if entry.ExtraFile != "" {
		resource.ExtraFilePath = filepath.Join(storage.ResourceDir(resource.Id),
			"extra"+strings.ToLower(filepath.Ext(entry.ExtraFile)))
		resource.ExtraMimeType = extraMime
	}

	if err := s.storage.Write(resource.FilePath, bytes.NewReader(fileBytes)); err != nil {
		return schema.Resource{}, err
	}
	if entry.ExtraFile != "" {
		if err := s.storage.Write(resource.ExtraFilePath, bytes.NewReader(extraBytes)); err != nil {
			return schema.Resource{}, err
		}
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := txn.Create(&resource).Error; err != nil {
			slog.Error("sql error creating resource", "name", entry.Name, "error", err)
			return schema.ErrDbAccessFailed
		}
		err := txn.Exec("INSERT INTO collection_resources (collection_id, resource_id) VALUES (?, ?)",
			collection.Id, resource.Id).Error
		if err != nil {
			slog.Error("sql error attaching resource to collection", "resource_id", resource.Id, "error", err)
			return schema.ErrDbAccessFailed
		}
		return nil
	})
	if err != nil {
		if deleteErr := s.storage.Delete(storage.ResourceDir(resource.Id)); deleteErr != nil {
			slog.Error("error removing files of failed resource", "resource_id", resource.Id, "error", deleteErr)
		}
		return schema.Resource{}, err
	}

	return resource, nil
}

func archivePath(resourcesDir, deploymentID, file string) string {
	if deploymentID == "" {
		return path.Join(resourcesDir, file)
	}
	return path.Join(resourcesDir, deploymentID, file)
}

func (s *Service) readArchiveFile(archive *zip.Reader, name string) ([]byte, error) {
	file, err := archive.Open(name)
	if err != nil {
		return nil, fmt.Errorf("file %v not found in archive", name)
	}
	defer file.Close()

	info, err := file.Stat()
	if err == nil && info.Size() > s.MaxFileSize {
		return nil, fmt.Errorf("file %v exceeds the size limit", name)
	}

	data, err := io.ReadAll(io.LimitReader(file, s.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("error reading %v from archive: %w", name, err)
	}
	if int64(len(data)) > s.MaxFileSize {
		return nil, fmt.Errorf("file %v exceeds the size limit", name)
	}
	return data, nil
}
