package services

import (
	"log/slog"
	"net/http"
	"time"
	"trapper/trapper/access"
	"trapper/trapper/auth"
	"trapper/trapper/classification"
	"trapper/trapper/schema"
	"trapper/trapper/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ClassificationService struct {
	db              *gorm.DB
	acl             *access.Service
	classifications *classification.Service
	identity        *auth.IdentityProvider
}

func (s *ClassificationService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.identity.Middleware()...)

	r.Get("/list", s.List)

	r.Post("/approve", s.BulkApprove)
	r.Post("/clear", s.BulkClear)

	r.Post("/drafts/{draft_id}/approve", s.Approve)

	r.Post("/sequences", s.CreateSequence)

	r.Route("/{classification_id}", func(r chi.Router) {
		r.Get("/", s.Get)
		r.Post("/draft", s.SaveDraft)
		r.Post("/clear-one", s.Clear)
		r.Post("/classify-multiple", s.ClassifyMultiple)
	})

	return r
}

type classificationInfo struct {
	Id           uuid.UUID                `json:"id"`
	ResourceId   uuid.UUID                `json:"resource_id"`
	ProjectId    uuid.UUID                `json:"project_id"`
	CollectionId uuid.UUID                `json:"collection_id"`
	SequenceId   *uuid.UUID               `json:"sequence_id"`
	Status       string                   `json:"status"`
	StaticAttrs  map[string]interface{}   `json:"static_attrs"`
	DynamicAttrs []map[string]interface{} `json:"dynamic_attrs"`
	ApprovedById *uuid.UUID               `json:"approved_by_id"`
	ApprovedAt   *time.Time               `json:"approved_at"`
}

func classificationInfoOf(c schema.Classification) classificationInfo {
	info := classificationInfo{
		Id: c.Id, ResourceId: c.ResourceId, ProjectId: c.ProjectId,
		CollectionId: c.CollectionId, SequenceId: c.SequenceId, Status: c.Status,
		StaticAttrs:  c.StaticAttrs,
		ApprovedById: c.ApprovedById, ApprovedAt: c.ApprovedAt,
	}
	for _, row := range c.DynamicAttrs {
		info.DynamicAttrs = append(info.DynamicAttrs, row.Attrs)
	}
	return info
}

func (s *ClassificationService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	query := s.acl.AccessibleClassifications(user).Preload("DynamicAttrs")
	if projectParam := r.URL.Query().Get("project_id"); projectParam != "" {
		projectId, err := uuid.Parse(projectParam)
		if err != nil {
			http.Error(w, "invalid project_id parameter", http.StatusBadRequest)
			return
		}
		query = query.Where("classifications.project_id = ?", projectId)
	}
	if status := r.URL.Query().Get("status"); status != "" {
		query = query.Where("classifications.status = ?", status)
	}

	var classifications []schema.Classification
	if err := query.Find(&classifications).Error; err != nil {
		slog.Error("sql error listing classifications", "error", err)
		http.Error(w, "error listing classifications", http.StatusInternalServerError)
		return
	}

	infos := make([]classificationInfo, 0, len(classifications))
	for _, c := range classifications {
		infos = append(infos, classificationInfoOf(c))
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *ClassificationService) Get(w http.ResponseWriter, r *http.Request) {
	user, c, ok := s.loadClassification(w, r)
	if !ok {
		return
	}

	if !s.acl.CanViewClassification(user, c) {
		writePermissionDenied(w)
		return
	}

	utils.WriteJsonResponse(w, classificationInfoOf(c))
}

type saveDraftRequest struct {
	Static  map[string]string   `json:"static"`
	Dynamic []map[string]string `json:"dynamic"`
}

type saveDraftResponse struct {
	DraftId uuid.UUID `json:"draft_id"`
}

// SaveDraft validates the submitted attrs against the project classificator
// and upserts the caller's draft for this classification.
func (s *ClassificationService) SaveDraft(w http.ResponseWriter, r *http.Request) {
	user, c, ok := s.loadClassification(w, r)
	if !ok {
		return
	}

	var params saveDraftRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	draft, err := s.classifications.SaveDraft(user, c.Id, params.Static, params.Dynamic)
	if err != nil {
		writeError(w, err)
		return
	}

	utils.WriteJsonResponse(w, saveDraftResponse{DraftId: draft.Id})
}

// Approve promotes a draft into the approved community classification.
func (s *ClassificationService) Approve(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	draftId, err := utils.URLParamUUID(r, "draft_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.classifications.Approve(user, draftId); err != nil {
		writeError(w, err)
		return
	}
	utils.WriteSuccess(w)
}

func (s *ClassificationService) Clear(w http.ResponseWriter, r *http.Request) {
	user, c, ok := s.loadClassification(w, r)
	if !ok {
		return
	}

	if err := s.classifications.Clear(user, c.Id); err != nil {
		writeError(w, err)
		return
	}
	utils.WriteSuccess(w)
}

type bulkRequest struct {
	Ids []uuid.UUID `json:"ids"`
}

type bulkResponse struct {
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Summary   string   `json:"summary"`
	Errors    []string `json:"errors,omitempty"`
}

func bulkResponseOf(result classification.BulkResult) bulkResponse {
	resp := bulkResponse{
		Succeeded: result.Succeeded, Failed: len(result.Failed), Summary: result.Summary(),
	}
	for _, failure := range result.Failed {
		resp.Errors = append(resp.Errors, failure.Error)
	}
	return resp
}

func (s *ClassificationService) BulkApprove(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var params bulkRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	utils.WriteJsonResponse(w, bulkResponseOf(s.classifications.BulkApprove(user, params.Ids)))
}

func (s *ClassificationService) BulkClear(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var params bulkRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	utils.WriteJsonResponse(w, bulkResponseOf(s.classifications.BulkClear(user, params.Ids)))
}

type classifyMultipleRequest struct {
	Static            map[string]string   `json:"static"`
	Dynamic           []map[string]string `json:"dynamic"`
	TargetResourceIds []uuid.UUID         `json:"target_resource_ids"`
	ApproveMultiple   bool                `json:"approve_multiple"`
}

// ClassifyMultiple copies one classification's attrs onto other resources in
// the same project, optionally approving them outright.
func (s *ClassificationService) ClassifyMultiple(w http.ResponseWriter, r *http.Request) {
	user, c, ok := s.loadClassification(w, r)
	if !ok {
		return
	}

	var params classifyMultipleRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	result, err := s.classifications.ClassifyMultiple(
		user, c.Id, params.Static, params.Dynamic, params.TargetResourceIds, params.ApproveMultiple)
	if err != nil {
		writeError(w, err)
		return
	}

	utils.WriteJsonResponse(w, bulkResponseOf(result))
}

type createSequenceRequest struct {
	BindingId   uuid.UUID   `json:"binding_id"`
	ResourceIds []uuid.UUID `json:"resource_ids"`
	Description string      `json:"description"`
}

type createSequenceResponse struct {
	SequenceId uuid.UUID `json:"sequence_id"`
	SequenceNo int       `json:"sequence_no"`
}

func (s *ClassificationService) CreateSequence(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var params createSequenceRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	sequence, err := s.classifications.CreateSequence(user, params.BindingId, params.ResourceIds, params.Description)
	if err != nil {
		writeError(w, err)
		return
	}

	utils.WriteJsonResponse(w, createSequenceResponse{
		SequenceId: sequence.Id, SequenceNo: sequence.SequenceID,
	})
}

func (s *ClassificationService) loadClassification(w http.ResponseWriter, r *http.Request) (schema.User, schema.Classification, bool) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return schema.User{}, schema.Classification{}, false
	}

	classificationId, err := utils.URLParamUUID(r, "classification_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return schema.User{}, schema.Classification{}, false
	}

	c, err := schema.GetClassification(classificationId, s.db, true)
	if err != nil {
		writeError(w, err)
		return schema.User{}, schema.Classification{}, false
	}
	return user, c, true
}
