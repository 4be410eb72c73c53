package services

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"trapper/trapper/access"
	"trapper/trapper/auth"
	"trapper/trapper/schema"
	"trapper/trapper/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ResearchService struct {
	db       *gorm.DB
	acl      *access.Service
	identity *auth.IdentityProvider
}

func (s *ResearchService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.identity.Middleware()...)

	r.Get("/list", s.List)
	r.Post("/create", s.Create)

	r.Post("/requests/{request_id}/resolve", s.ResolveRequest)

	r.Route("/{project_id}", func(r chi.Router) {
		r.Get("/", s.Get)
		r.Post("/update", s.Update)
		r.Post("/review", s.Review)

		r.Post("/roles/{user_id}", s.GrantRole)
		r.Delete("/roles/{user_id}", s.RevokeRole)

		r.Post("/collections/{collection_id}", s.LinkCollection)
		r.Delete("/collections/{collection_id}", s.UnlinkCollection)

		r.Post("/request-access", s.RequestAccess)
	})

	return r
}

type researchProjectInfo struct {
	Id          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Acronym     string    `json:"acronym"`
	Description string    `json:"description"`
	Abstract    string    `json:"abstract"`
	Methods     string    `json:"methods"`
	Status      string    `json:"status"`
	OwnerId     uuid.UUID `json:"owner_id"`
	Keywords    []string  `json:"keywords"`
	DateCreated time.Time `json:"date_created"`
}

func researchProjectInfoOf(p schema.ResearchProject) researchProjectInfo {
	keywords := make([]string, 0, len(p.Keywords))
	for _, keyword := range p.Keywords {
		keywords = append(keywords, keyword.Name)
	}
	return researchProjectInfo{
		Id: p.Id, Name: p.Name, Acronym: p.Acronym, Description: p.Description,
		Abstract: p.Abstract, Methods: p.Methods, Status: p.Status,
		OwnerId: p.OwnerId, Keywords: keywords, DateCreated: p.DateCreated,
	}
}

func (s *ResearchService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var projects []schema.ResearchProject
	err = s.acl.AccessibleResearchProjects(user).Preload("Keywords").
		Order("name").Find(&projects).Error
	if err != nil {
		slog.Error("sql error listing research projects", "error", err)
		http.Error(w, "error listing research projects", http.StatusInternalServerError)
		return
	}

	infos := make([]researchProjectInfo, 0, len(projects))
	for _, project := range projects {
		infos = append(infos, researchProjectInfoOf(project))
	}
	utils.WriteJsonResponse(w, infos)
}

type createResearchProjectRequest struct {
	Name        string   `json:"name"`
	Acronym     string   `json:"acronym"`
	Description string   `json:"description"`
	Abstract    string   `json:"abstract"`
	Methods     string   `json:"methods"`
	Keywords    []string `json:"keywords"`
}

type createdResponse struct {
	Id uuid.UUID `json:"id"`
}

// Create registers a new research project. Projects start NotProcessed and
// must be reviewed by a site admin before roles or collections can change.
func (s *ResearchService) Create(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var params createResearchProjectRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.Name == "" || params.Acronym == "" {
		http.Error(w, "name and acronym must be specified", http.StatusBadRequest)
		return
	}

	project := schema.ResearchProject{
		Id: uuid.New(), Name: params.Name, Acronym: params.Acronym,
		Description: params.Description, Abstract: params.Abstract, Methods: params.Methods,
		OwnerId: user.Id, Status: schema.ProjectNotProcessed, DateCreated: time.Now().UTC(),
	}
	for _, keyword := range params.Keywords {
		project.Keywords = append(project.Keywords, schema.ResearchProjectKeyword{
			ResearchProjectId: project.Id, Name: keyword,
		})
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		var existing schema.ResearchProject
		result := txn.Limit(1).Find(&existing, "name = ? OR acronym = ?", params.Name, params.Acronym)
		if result.Error != nil {
			slog.Error("sql error checking for duplicate research project", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected != 0 {
			return CodedError(fmt.Errorf("a research project with this name or acronym already exists"), http.StatusConflict)
		}

		if err := txn.Create(&project).Error; err != nil {
			slog.Error("sql error creating research project", "error", err)
			return schema.ErrDbAccessFailed
		}

		role := schema.ResearchProjectRole{
			ProjectId: project.Id, UserId: user.Id,
			Name: schema.RoleAdmin, DateCreated: time.Now().UTC(),
		}
		if err := txn.Create(&role).Error; err != nil {
			slog.Error("sql error creating owner role", "project_id", project.Id, "error", err)
			return schema.ErrDbAccessFailed
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	utils.WriteJsonResponse(w, createdResponse{Id: project.Id})
}

func (s *ResearchService) Get(w http.ResponseWriter, r *http.Request) {
	user, project, ok := s.loadProject(w, r)
	if !ok {
		return
	}

	if !s.acl.CanViewResearchProject(user, project) {
		writePermissionDenied(w)
		return
	}

	if err := s.db.Find(&project.Keywords, "research_project_id = ?", project.Id).Error; err != nil {
		slog.Error("sql error loading project keywords", "project_id", project.Id, "error", err)
		http.Error(w, "error loading research project", http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, researchProjectInfoOf(project))
}

type updateResearchProjectRequest struct {
	Description *string `json:"description"`
	Abstract    *string `json:"abstract"`
	Methods     *string `json:"methods"`
}

func (s *ResearchService) Update(w http.ResponseWriter, r *http.Request) {
	user, project, ok := s.loadProject(w, r)
	if !ok {
		return
	}

	var params updateResearchProjectRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if !s.acl.CanUpdateResearchProject(user, project) {
		writePermissionDenied(w)
		return
	}

	updates := map[string]interface{}{}
	if params.Description != nil {
		updates["description"] = *params.Description
	}
	if params.Abstract != nil {
		updates["abstract"] = *params.Abstract
	}
	if params.Methods != nil {
		updates["methods"] = *params.Methods
	}
	if len(updates) == 0 {
		utils.WriteSuccess(w)
		return
	}

	if err := s.db.Model(&schema.ResearchProject{Id: project.Id}).Updates(updates).Error; err != nil {
		slog.Error("sql error updating research project", "project_id", project.Id, "error", err)
		http.Error(w, "error updating research project", http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

type reviewRequest struct {
	Approve bool `json:"approve"`
}

// Review approves or rejects a pending research project, admin only.
func (s *ResearchService) Review(w http.ResponseWriter, r *http.Request) {
	user, project, ok := s.loadProject(w, r)
	if !ok {
		return
	}

	if !user.IsAdmin {
		writePermissionDenied(w)
		return
	}

	var params reviewRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	status := schema.ProjectRejected
	if params.Approve {
		status = schema.ProjectApproved
	}
	now := time.Now().UTC()

	err := s.db.Model(&schema.ResearchProject{Id: project.Id}).
		Updates(map[string]interface{}{"status": status, "status_date": now}).Error
	if err != nil {
		slog.Error("sql error reviewing research project", "project_id", project.Id, "error", err)
		http.Error(w, "error reviewing research project", http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

type grantRoleRequest struct {
	Role string `json:"role"`
}

func (s *ResearchService) GrantRole(w http.ResponseWriter, r *http.Request) {
	user, project, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params grantRoleRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if !s.acl.CanUpdateResearchProject(user, project) {
		writePermissionDenied(w)
		return
	}

	if err := s.acl.GrantResearchRole(project.Id, userId, params.Role); err != nil {
		writeError(w, err)
		return
	}
	utils.WriteSuccess(w)
}

func (s *ResearchService) RevokeRole(w http.ResponseWriter, r *http.Request) {
	user, project, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.acl.CanUpdateResearchProject(user, project) {
		writePermissionDenied(w)
		return
	}

	if err := s.acl.RevokeResearchRole(project.Id, userId); err != nil {
		writeError(w, err)
		return
	}
	utils.WriteSuccess(w)
}

func (s *ResearchService) LinkCollection(w http.ResponseWriter, r *http.Request) {
	user, project, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	collectionId, err := utils.URLParamUUID(r, "collection_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.acl.CanUpdateResearchProject(user, project) {
		writePermissionDenied(w)
		return
	}

	if err := s.acl.AddProjectCollection(project.Id, collectionId); err != nil {
		writeError(w, err)
		return
	}
	utils.WriteSuccess(w)
}

func (s *ResearchService) UnlinkCollection(w http.ResponseWriter, r *http.Request) {
	user, project, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	collectionId, err := utils.URLParamUUID(r, "collection_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.acl.CanUpdateResearchProject(user, project) {
		writePermissionDenied(w)
		return
	}

	if err := s.acl.RemoveProjectCollection(project.Id, collectionId); err != nil {
		writeError(w, err)
		return
	}
	utils.WriteSuccess(w)
}

type requestAccessRequest struct {
	CollectionIds []uuid.UUID `json:"collection_ids"`
	Text          string      `json:"text"`
}

type requestAccessResponse struct {
	RequestIds []uuid.UUID `json:"request_ids"`
}

// RequestAccess asks the owners of on-demand collections for elevated access
// within the project. One request is created per collection owner.
func (s *ResearchService) RequestAccess(w http.ResponseWriter, r *http.Request) {
	user, project, ok := s.loadProject(w, r)
	if !ok {
		return
	}

	var params requestAccessRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	requests, err := s.acl.RequestCollectionAccess(user, project.Id, params.CollectionIds, params.Text)
	if err != nil {
		writeError(w, err)
		return
	}

	ids := make([]uuid.UUID, 0, len(requests))
	for _, request := range requests {
		ids = append(ids, request.Id)
	}
	utils.WriteJsonResponse(w, requestAccessResponse{RequestIds: ids})
}

type resolveRequestRequest struct {
	Approve bool `json:"approve"`
}

func (s *ResearchService) ResolveRequest(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	requestId, err := utils.URLParamUUID(r, "request_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params resolveRequestRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := s.acl.ResolveCollectionRequest(requestId, user, params.Approve); err != nil {
		writeError(w, err)
		return
	}
	utils.WriteSuccess(w)
}

func (s *ResearchService) loadProject(w http.ResponseWriter, r *http.Request) (schema.User, schema.ResearchProject, bool) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return schema.User{}, schema.ResearchProject{}, false
	}

	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return schema.User{}, schema.ResearchProject{}, false
	}

	project, err := schema.GetResearchProject(projectId, s.db)
	if err != nil {
		writeError(w, err)
		return schema.User{}, schema.ResearchProject{}, false
	}
	return user, project, true
}
