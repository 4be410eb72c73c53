package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"trapper/trapper/access"
	"trapper/trapper/auth"
	"trapper/trapper/ingest"
	"trapper/trapper/media"
	"trapper/trapper/messaging"
	"trapper/trapper/schema"
	"trapper/trapper/tasks"
	"trapper/trapper/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const maxUploadBytes = 2 << 30

type CollectionService struct {
	db       *gorm.DB
	acl      *access.Service
	ingest   *ingest.Service
	thumbs   *media.Processor
	runner   tasks.Runner
	identity *auth.IdentityProvider
}

func (s *CollectionService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.identity.Middleware()...)

	r.Get("/list", s.List)
	r.Post("/upload", s.Upload)

	r.Route("/{collection_id}", func(r chi.Router) {
		r.Get("/", s.Get)
		r.Post("/update", s.Update)
		r.Delete("/", s.Delete)

		r.Get("/resources", s.Resources)
		r.Post("/thumbnails", s.RebuildThumbnails)

		r.Post("/members/{user_id}", s.AddMember)
		r.Delete("/members/{user_id}", s.RemoveMember)
	})

	return r
}

type collectionInfo struct {
	Id          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	OwnerId     uuid.UUID  `json:"owner_id"`
	BboxWest    *float64   `json:"bbox_west"`
	BboxSouth   *float64   `json:"bbox_south"`
	BboxEast    *float64   `json:"bbox_east"`
	BboxNorth   *float64   `json:"bbox_north"`
	PeriodBegin *time.Time `json:"period_begin"`
	PeriodEnd   *time.Time `json:"period_end"`
	DateCreated time.Time  `json:"date_created"`
}

func collectionInfoOf(c schema.Collection) collectionInfo {
	return collectionInfo{
		Id: c.Id, Name: c.Name, Description: c.Description, Status: c.Status,
		OwnerId: c.OwnerId,
		BboxWest: c.BboxWest, BboxSouth: c.BboxSouth, BboxEast: c.BboxEast, BboxNorth: c.BboxNorth,
		PeriodBegin: c.PeriodBegin, PeriodEnd: c.PeriodEnd, DateCreated: c.DateCreated,
	}
}

func (s *CollectionService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var collections []schema.Collection
	if err := s.acl.AccessibleCollections(user).Order("name").Find(&collections).Error; err != nil {
		slog.Error("sql error listing collections", "error", err)
		http.Error(w, "error listing collections", http.StatusInternalServerError)
		return
	}

	infos := make([]collectionInfo, 0, len(collections))
	for _, c := range collections {
		infos = append(infos, collectionInfoOf(c))
	}
	utils.WriteJsonResponse(w, infos)
}

type taskResponse struct {
	TaskId string `json:"task_id"`
}

// Upload accepts a multipart form with a yaml manifest and a zip archive and
// schedules the ingest pipeline as an async task.
func (s *CollectionService) Upload(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, fmt.Sprintf("error parsing multipart form: %v", err), http.StatusBadRequest)
		return
	}

	manifestData, err := readFormFile(r, "manifest")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	archiveData, err := readFormFile(r, "archive")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	taskId, err := s.runner.Submit(user, "collection_upload", func(ctx context.Context) (string, error) {
		return s.ingest.Run(ctx, user, manifestData, archiveData)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	utils.WriteJsonResponse(w, taskResponse{TaskId: taskId})
}

func readFormFile(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("missing %v file in upload form", field)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("error reading %v file: %w", field, err)
	}
	return data, nil
}

func (s *CollectionService) Get(w http.ResponseWriter, r *http.Request) {
	user, collection, ok := s.loadCollection(w, r)
	if !ok {
		return
	}

	if !s.acl.CanViewCollection(user, collection, true) {
		writePermissionDenied(w)
		return
	}

	utils.WriteJsonResponse(w, collectionInfoOf(collection))
}

type updateCollectionRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

func (s *CollectionService) Update(w http.ResponseWriter, r *http.Request) {
	user, collection, ok := s.loadCollection(w, r)
	if !ok {
		return
	}

	var params updateCollectionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if !s.acl.CanUpdateCollection(user, collection) {
		writePermissionDenied(w)
		return
	}

	updates := map[string]interface{}{}
	if params.Name != nil {
		updates["name"] = *params.Name
	}
	if params.Description != nil {
		updates["description"] = *params.Description
	}
	if params.Status != nil {
		switch *params.Status {
		case schema.StatusPrivate, schema.StatusOnDemand, schema.StatusPublic:
		default:
			http.Error(w, fmt.Sprintf("invalid status %v", *params.Status), http.StatusBadRequest)
			return
		}
		updates["status"] = *params.Status
	}
	if len(updates) == 0 {
		utils.WriteSuccess(w)
		return
	}

	if err := s.db.Model(&schema.Collection{Id: collection.Id}).Updates(updates).Error; err != nil {
		slog.Error("sql error updating collection", "collection_id", collection.Id, "error", err)
		http.Error(w, "error updating collection", http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

// Delete removes a collection not referenced by any research project and
// notifies its managers.
func (s *CollectionService) Delete(w http.ResponseWriter, r *http.Request) {
	user, collection, ok := s.loadCollection(w, r)
	if !ok {
		return
	}

	if !s.acl.CanDeleteCollection(user, collection) {
		writePermissionDenied(w)
		return
	}

	err := s.db.Transaction(func(txn *gorm.DB) error {
		var links int64
		if err := txn.Model(&schema.ResearchProjectCollection{}).
			Where("collection_id = ?", collection.Id).Count(&links).Error; err != nil {
			slog.Error("sql error counting collection links", "collection_id", collection.Id, "error", err)
			return schema.ErrDbAccessFailed
		}
		if links > 0 {
			return access.ErrCollectionInUse
		}

		subject := fmt.Sprintf("Collection %v was deleted", collection.Name)
		for _, manager := range collection.Managers {
			if manager.Id == user.Id {
				continue
			}
			text := fmt.Sprintf("The collection %v you managed was deleted by %v.", collection.Name, user.Username)
			if err := messaging.Send(txn, user.Id, manager.Id, messaging.TypeCollectionDeleted, subject, text); err != nil {
				return err
			}
		}

		if err := txn.Select("Managers", "Resources").Delete(&schema.Collection{Id: collection.Id}).Error; err != nil {
			slog.Error("sql error deleting collection", "collection_id", collection.Id, "error", err)
			return schema.ErrDbAccessFailed
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	utils.WriteSuccess(w)
}

func (s *CollectionService) Resources(w http.ResponseWriter, r *http.Request) {
	user, collection, ok := s.loadCollection(w, r)
	if !ok {
		return
	}

	if !s.acl.CanViewCollection(user, collection, true) {
		writePermissionDenied(w)
		return
	}

	var resources []schema.Resource
	err := s.db.Preload("Deployment").
		Joins("JOIN collection_resources cr ON cr.resource_id = resources.id").
		Where("cr.collection_id = ?", collection.Id).
		Order("resources.date_recorded").
		Find(&resources).Error
	if err != nil {
		slog.Error("sql error listing collection resources", "collection_id", collection.Id, "error", err)
		http.Error(w, "error listing resources", http.StatusInternalServerError)
		return
	}

	infos := make([]resourceInfo, 0, len(resources))
	for _, resource := range resources {
		infos = append(infos, resourceInfoOf(resource))
	}
	utils.WriteJsonResponse(w, infos)
}

// RebuildThumbnails regenerates previews and thumbnails for every resource in
// the collection.
func (s *CollectionService) RebuildThumbnails(w http.ResponseWriter, r *http.Request) {
	user, collection, ok := s.loadCollection(w, r)
	if !ok {
		return
	}

	if !s.acl.CanUpdateCollection(user, collection) {
		writePermissionDenied(w)
		return
	}

	var resourceIds []uuid.UUID
	err := s.db.Model(&schema.Resource{}).
		Joins("JOIN collection_resources cr ON cr.resource_id = resources.id").
		Where("cr.collection_id = ?", collection.Id).
		Pluck("resources.id", &resourceIds).Error
	if err != nil {
		slog.Error("sql error listing collection resource ids", "collection_id", collection.Id, "error", err)
		http.Error(w, "error listing resources", http.StatusInternalServerError)
		return
	}

	taskId, err := s.runner.Submit(user, "thumbnail_rebuild", func(ctx context.Context) (string, error) {
		return s.thumbs.ProcessBatch(ctx, resourceIds), nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	utils.WriteJsonResponse(w, taskResponse{TaskId: taskId})
}

type memberRequest struct {
	Level int `json:"level"`
}

func (s *CollectionService) AddMember(w http.ResponseWriter, r *http.Request) {
	user, collection, ok := s.loadCollection(w, r)
	if !ok {
		return
	}
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params memberRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.Level < schema.LevelAccessBasic || params.Level > schema.LevelAccessRequest {
		http.Error(w, fmt.Sprintf("invalid membership level %v", params.Level), http.StatusBadRequest)
		return
	}

	if !s.acl.CanUpdateCollection(user, collection) {
		writePermissionDenied(w)
		return
	}

	if _, err := schema.GetUser(userId, s.db); err != nil {
		writeError(w, err)
		return
	}

	member := schema.CollectionMember{UserId: userId, CollectionId: collection.Id, Level: params.Level}
	if err := s.db.Where(&member).FirstOrCreate(&member).Error; err != nil {
		slog.Error("sql error adding collection member", "collection_id", collection.Id, "error", err)
		http.Error(w, "error adding collection member", http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

func (s *CollectionService) RemoveMember(w http.ResponseWriter, r *http.Request) {
	user, collection, ok := s.loadCollection(w, r)
	if !ok {
		return
	}
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.acl.CanUpdateCollection(user, collection) {
		writePermissionDenied(w)
		return
	}

	result := s.db.Where("user_id = ? AND collection_id = ?", userId, collection.Id).
		Delete(&schema.CollectionMember{})
	if result.Error != nil {
		slog.Error("sql error removing collection member", "collection_id", collection.Id, "error", result.Error)
		http.Error(w, "error removing collection member", http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

func (s *CollectionService) loadCollection(w http.ResponseWriter, r *http.Request) (schema.User, schema.Collection, bool) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return schema.User{}, schema.Collection{}, false
	}

	collectionId, err := utils.URLParamUUID(r, "collection_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return schema.User{}, schema.Collection{}, false
	}

	collection, err := schema.GetCollection(collectionId, s.db, true)
	if err != nil {
		writeError(w, err)
		return schema.User{}, schema.Collection{}, false
	}
	return user, collection, true
}
