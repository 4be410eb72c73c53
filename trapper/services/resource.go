package services

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"
	"trapper/trapper/access"
	"trapper/trapper/auth"
	"trapper/trapper/schema"
	"trapper/trapper/storage"
	"trapper/trapper/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ResourceService struct {
	db       *gorm.DB
	acl      *access.Service
	storage  storage.Storage
	identity *auth.IdentityProvider
}

func (s *ResourceService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.identity.Middleware()...)

	r.Get("/list", s.List)

	r.Route("/{resource_id}", func(r chi.Router) {
		r.Get("/", s.Get)
		r.Post("/update", s.Update)
		r.Delete("/", s.Delete)

		r.Get("/download", s.Download)
		r.Get("/thumbnail", s.Thumbnail)
		r.Get("/preview", s.Preview)
	})

	return r
}

type resourceInfo struct {
	Id           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	PrefixedName string    `json:"prefixed_name"`
	Description  string    `json:"description"`
	MimeType     string    `json:"mime_type"`
	ResourceType string    `json:"resource_type"`
	Status       string    `json:"status"`
	DeploymentID string    `json:"deployment_id"`
	DateRecorded time.Time `json:"date_recorded"`
	DateUploaded time.Time `json:"date_uploaded"`
	OwnerId      uuid.UUID `json:"owner_id"`
	InWindow     bool      `json:"date_recorded_in_window"`
}

func resourceInfoOf(r schema.Resource) resourceInfo {
	info := resourceInfo{
		Id: r.Id, Name: r.Name, PrefixedName: r.PrefixedName(),
		Description: r.Description, MimeType: r.MimeType, ResourceType: r.ResourceType,
		Status: r.Status, DateRecorded: r.DateRecordedTz(), DateUploaded: r.DateUploaded,
		OwnerId: r.OwnerId, InWindow: r.CheckDateRecorded(),
	}
	if r.Deployment != nil {
		info.DeploymentID = r.Deployment.DeploymentID
	}
	return info
}

func (s *ResourceService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var resources []schema.Resource
	err = s.acl.AccessibleResources(user).Preload("Deployment").
		Order("date_recorded").Find(&resources).Error
	if err != nil {
		slog.Error("sql error listing resources", "error", err)
		http.Error(w, "error listing resources", http.StatusInternalServerError)
		return
	}

	infos := make([]resourceInfo, 0, len(resources))
	for _, resource := range resources {
		infos = append(infos, resourceInfoOf(resource))
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *ResourceService) Get(w http.ResponseWriter, r *http.Request) {
	user, resource, ok := s.loadResource(w, r)
	if !ok {
		return
	}

	if !s.acl.CanViewResource(user, resource, true) {
		writePermissionDenied(w)
		return
	}

	utils.WriteJsonResponse(w, resourceInfoOf(resource))
}

type updateResourceRequest struct {
	Description   *string `json:"description"`
	Status        *string `json:"status"`
	InheritPrefix *bool   `json:"inherit_prefix"`
	CustomPrefix  *string `json:"custom_prefix"`
}

func (s *ResourceService) Update(w http.ResponseWriter, r *http.Request) {
	user, resource, ok := s.loadResource(w, r)
	if !ok {
		return
	}

	var params updateResourceRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if !s.acl.CanUpdateResource(user, resource) {
		writePermissionDenied(w)
		return
	}

	updates := map[string]interface{}{}
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
	if params.InheritPrefix != nil {
		updates["inherit_prefix"] = *params.InheritPrefix
	}
	if params.CustomPrefix != nil {
		updates["custom_prefix"] = *params.CustomPrefix
	}
	if len(updates) == 0 {
		utils.WriteSuccess(w)
		return
	}

	if err := s.db.Model(&schema.Resource{Id: resource.Id}).Updates(updates).Error; err != nil {
		slog.Error("sql error updating resource", "resource_id", resource.Id, "error", err)
		http.Error(w, "error updating resource", http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

func (s *ResourceService) Delete(w http.ResponseWriter, r *http.Request) {
	user, resource, ok := s.loadResource(w, r)
	if !ok {
		return
	}

	if !s.acl.CanDeleteResource(user, resource) {
		writePermissionDenied(w)
		return
	}

	err := s.db.Transaction(func(txn *gorm.DB) error {
		var collectionIds []uuid.UUID
		err := txn.Table("collection_resources").Where("resource_id = ?", resource.Id).
			Pluck("collection_id", &collectionIds).Error
		if err != nil {
			slog.Error("sql error listing collections of resource", "resource_id", resource.Id, "error", err)
			return schema.ErrDbAccessFailed
		}
		if err := txn.Exec("DELETE FROM collection_resources WHERE resource_id = ?", resource.Id).Error; err != nil {
			slog.Error("sql error unlinking resource from collections", "resource_id", resource.Id, "error", err)
			return schema.ErrDbAccessFailed
		}
		if err := txn.Select("Managers", "Tags").Delete(&schema.Resource{Id: resource.Id}).Error; err != nil {
			slog.Error("sql error deleting resource", "resource_id", resource.Id, "error", err)
			return schema.ErrDbAccessFailed
		}
		for _, collectionId := range collectionIds {
			if err := schema.RefreshCollectionDerived(collectionId, txn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.storage.Delete(storage.ResourceDir(resource.Id)); err != nil {
		slog.Error("error removing resource files", "resource_id", resource.Id, "error", err)
	}

	utils.WriteSuccess(w)
}

// Download streams the original media file. Requires full access, basic
// membership only covers metadata and derived thumbnails.
func (s *ResourceService) Download(w http.ResponseWriter, r *http.Request) {
	user, resource, ok := s.loadResource(w, r)
	if !ok {
		return
	}

	if !s.acl.CanViewResource(user, resource, false) {
		writePermissionDenied(w)
		return
	}

	filename := resource.PrefixedName() + filepath.Ext(resource.FilePath)
	s.streamFile(w, resource.FilePath, resource.MimeType, filename)
}

func (s *ResourceService) Thumbnail(w http.ResponseWriter, r *http.Request) {
	s.streamDerived(w, r, func(resource schema.Resource) string { return resource.ThumbnailPath })
}

func (s *ResourceService) Preview(w http.ResponseWriter, r *http.Request) {
	s.streamDerived(w, r, func(resource schema.Resource) string { return resource.PreviewPath })
}

func (s *ResourceService) streamDerived(w http.ResponseWriter, r *http.Request, path func(schema.Resource) string) {
	user, resource, ok := s.loadResource(w, r)
	if !ok {
		return
	}

	if !s.acl.CanViewResource(user, resource, true) {
		writePermissionDenied(w)
		return
	}

	derived := path(resource)
	if derived == "" {
		http.Error(w, "no derived image for this resource", http.StatusNotFound)
		return
	}
	s.streamFile(w, derived, "image/jpeg", filepath.Base(derived))
}

func (s *ResourceService) streamFile(w http.ResponseWriter, path, mimeType, filename string) {
	file, err := s.storage.Read(path)
	if err != nil {
		slog.Error("error opening media file", "path", path, "error", err)
		http.Error(w, "error opening media file", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if _, err := io.Copy(w, file); err != nil {
		slog.Error("error streaming media file", "path", path, "error", err)
	}
}

func (s *ResourceService) loadResource(w http.ResponseWriter, r *http.Request) (schema.User, schema.Resource, bool) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return schema.User{}, schema.Resource{}, false
	}

	resourceId, err := utils.URLParamUUID(r, "resource_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return schema.User{}, schema.Resource{}, false
	}

	resource, err := schema.GetResource(resourceId, s.db, true, true)
	if err != nil {
		writeError(w, err)
		return schema.User{}, schema.Resource{}, false
	}
	return user, resource, true
}
