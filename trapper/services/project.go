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
	"trapper/trapper/classification"
	"trapper/trapper/classificator"
	"trapper/trapper/schema"
	"trapper/trapper/tasks"
	"trapper/trapper/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProjectService is the boundary for classification projects: membership,
// collection bindings, sequencing, imports, and tag propagation.
type ProjectService struct {
	db              *gorm.DB
	acl             *access.Service
	classifications *classification.Service
	classificators  *classificator.Service
	runner          tasks.Runner
	identity        *auth.IdentityProvider
}

func (s *ProjectService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.identity.Middleware()...)

	r.Get("/list", s.List)
	r.Post("/create", s.Create)

	r.Route("/{project_id}", func(r chi.Router) {
		r.Get("/", s.Get)
		r.Post("/update", s.Update)
		r.Post("/classificator", s.SwapClassificator)

		r.Post("/roles/{user_id}", s.GrantRole)
		r.Delete("/roles/{user_id}", s.RevokeRole)

		r.Post("/collections", s.BindCollection)
		r.Post("/collections/{binding_id}/rebuild", s.Rebuild)
		r.Get("/collections/{binding_id}/orphans", s.Orphans)

		r.Post("/sequences/build", s.BuildSequences)

		r.Post("/import", s.Import)
		r.Post("/tags", s.CreateTags)
	})

	return r
}

type projectInfo struct {
	Id                  uuid.UUID  `json:"id"`
	Name                string     `json:"name"`
	ResearchProjectId   uuid.UUID  `json:"research_project_id"`
	OwnerId             uuid.UUID  `json:"owner_id"`
	ClassificatorId     *uuid.UUID `json:"classificator_id"`
	EnableSequencing    bool       `json:"enable_sequencing"`
	EnableCrowdsourcing bool       `json:"enable_crowdsourcing"`
	DeploymentBasedNav  bool       `json:"deployment_based_nav"`
	Disabled            bool       `json:"disabled"`
	DateCreated         time.Time  `json:"date_created"`
}

func projectInfoOf(p schema.ClassificationProject) projectInfo {
	return projectInfo{
		Id: p.Id, Name: p.Name, ResearchProjectId: p.ResearchProjectId,
		OwnerId: p.OwnerId, ClassificatorId: p.ClassificatorId,
		EnableSequencing: p.EnableSequencing, EnableCrowdsourcing: p.EnableCrowdsourcing,
		DeploymentBasedNav: p.DeploymentBasedNav, Disabled: p.IsDisabled(),
		DateCreated: p.DateCreated,
	}
}

func (s *ProjectService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var projects []schema.ClassificationProject
	err = s.acl.AccessibleClassificationProjects(user).Order("name").Find(&projects).Error
	if err != nil {
		slog.Error("sql error listing classification projects", "error", err)
		http.Error(w, "error listing classification projects", http.StatusInternalServerError)
		return
	}

	infos := make([]projectInfo, 0, len(projects))
	for _, project := range projects {
		infos = append(infos, projectInfoOf(project))
	}
	utils.WriteJsonResponse(w, infos)
}

type createProjectRequest struct {
	Name                string     `json:"name"`
	ResearchProjectId   uuid.UUID  `json:"research_project_id"`
	ClassificatorId     *uuid.UUID `json:"classificator_id"`
	EnableSequencing    bool       `json:"enable_sequencing"`
	EnableCrowdsourcing bool       `json:"enable_crowdsourcing"`
	DeploymentBasedNav  bool       `json:"deployment_based_nav"`
}

func (s *ProjectService) Create(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var params createProjectRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.Name == "" {
		http.Error(w, "project name must be specified", http.StatusBadRequest)
		return
	}

	research, err := schema.GetResearchProject(params.ResearchProjectId, s.db)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.acl.CanUpdateResearchProject(user, research) {
		writePermissionDenied(w)
		return
	}
	if research.Status != schema.ProjectApproved {
		writeError(w, access.ErrProjectNotApproved)
		return
	}

	project := schema.ClassificationProject{
		Id: uuid.New(), Name: params.Name,
		ResearchProjectId: research.Id, OwnerId: user.Id,
		ClassificatorId:     params.ClassificatorId,
		EnableSequencing:    params.EnableSequencing,
		EnableCrowdsourcing: params.EnableCrowdsourcing,
		DeploymentBasedNav:  params.DeploymentBasedNav,
		DateCreated:         time.Now().UTC(),
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if params.ClassificatorId != nil {
			if _, err := schema.GetClassificator(*params.ClassificatorId, txn); err != nil {
				return err
			}
		}

		if err := txn.Create(&project).Error; err != nil {
			slog.Error("sql error creating classification project", "error", err)
			return schema.ErrDbAccessFailed
		}

		role := schema.ClassificationProjectRole{
			ProjectId: project.Id, UserId: user.Id,
			Name: schema.RoleAdmin, DateCreated: time.Now().UTC(),
		}
		if err := txn.Create(&role).Error; err != nil {
			slog.Error("sql error creating project admin role", "project_id", project.Id, "error", err)
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

func (s *ProjectService) Get(w http.ResponseWriter, r *http.Request) {
	user, project, ok := s.loadProject(w, r)
	if !ok {
		return
	}

	if !s.acl.CanViewClassificationProject(user, project) {
		writePermissionDenied(w)
		return
	}

	utils.WriteJsonResponse(w, projectInfoOf(project))
}

type updateProjectRequest struct {
	Name                *string `json:"name"`
	EnableSequencing    *bool   `json:"enable_sequencing"`
	EnableCrowdsourcing *bool   `json:"enable_crowdsourcing"`
	DeploymentBasedNav  *bool   `json:"deployment_based_nav"`
	Disabled            *bool   `json:"disabled"`
}

func (s *ProjectService) Update(w http.ResponseWriter, r *http.Request) {
	user, project, ok := s.loadProject(w, r)
	if !ok {
		return
	}

	var params updateProjectRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if !s.acl.CanUpdateClassificationProject(user, project) {
		writePermissionDenied(w)
		return
	}

	updates := map[string]interface{}{}
	if params.Name != nil {
		updates["name"] = *params.Name
	}
	if params.EnableSequencing != nil {
		updates["enable_sequencing"] = *params.EnableSequencing
	}
	if params.EnableCrowdsourcing != nil {
		updates["enable_crowdsourcing"] = *params.EnableCrowdsourcing
	}
	if params.DeploymentBasedNav != nil {
		updates["deployment_based_nav"] = *params.DeploymentBasedNav
	}
	if params.Disabled != nil {
		if *params.Disabled {
			now := time.Now().UTC()
			updates["disabled_at"] = now
			updates["disabled_by_id"] = user.Id
		} else {
			updates["disabled_at"] = nil
			updates["disabled_by_id"] = nil
		}
	}
	if len(updates) == 0 {
		utils.WriteSuccess(w)
		return
	}

	if err := s.db.Model(&schema.ClassificationProject{Id: project.Id}).Updates(updates).Error; err != nil {
		slog.Error("sql error updating classification project", "project_id", project.Id, "error", err)
		http.Error(w, "error updating classification project", http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

type swapClassificatorRequest struct {
	ClassificatorId *uuid.UUID `json:"classificator_id"`
}

func (s *ProjectService) SwapClassificator(w http.ResponseWriter, r *http.Request) {
	user, project, ok := s.loadProject(w, r)
	if !ok {
		return
	}

	var params swapClassificatorRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := s.classificators.SwapProjectClassificator(project.Id, params.ClassificatorId, user); err != nil {
		writeError(w, err)
		return
	}
	utils.WriteSuccess(w)
}

func (s *ProjectService) GrantRole(w http.ResponseWriter, r *http.Request) {
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

	if !s.acl.CanUpdateClassificationProject(user, project) {
		writePermissionDenied(w)
		return
	}

	if err := s.acl.GrantClassificationRole(project.Id, userId, params.Role); err != nil {
		writeError(w, err)
		return
	}
	utils.WriteSuccess(w)
}

func (s *ProjectService) RevokeRole(w http.ResponseWriter, r *http.Request) {
	user, project, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.acl.CanUpdateClassificationProject(user, project) {
		writePermissionDenied(w)
		return
	}

	if err := s.acl.RevokeClassificationRole(project.Id, userId); err != nil {
		writeError(w, err)
		return
	}
	utils.WriteSuccess(w)
}

type bindCollectionRequest struct {
	ResearchCollectionId uuid.UUID `json:"research_collection_id"`
	SequencingExperts    bool      `json:"sequencing_experts"`
	Crowdsourcing        bool      `json:"crowdsourcing"`
}

type bindCollectionResponse struct {
	BindingId uuid.UUID `json:"binding_id"`
}

func (s *ProjectService) BindCollection(w http.ResponseWriter, r *http.Request) {
	user, project, ok := s.loadProject(w, r)
	if !ok {
		return
	}

	var params bindCollectionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	binding, err := s.classifications.BindCollection(
		user, project.Id, params.ResearchCollectionId, params.SequencingExperts, params.Crowdsourcing)
	if err != nil {
		writeError(w, err)
		return
	}

	utils.WriteJsonResponse(w, bindCollectionResponse{BindingId: binding.Id})
}

type rebuildResponse struct {
	Created int `json:"created"`
}

func (s *ProjectService) Rebuild(w http.ResponseWriter, r *http.Request) {
	user, project, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	bindingId, err := utils.URLParamUUID(r, "binding_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.acl.IsProjectAdmin(user, project) {
		writePermissionDenied(w)
		return
	}

	created, err := s.classifications.RebuildClassifications(bindingId)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.WriteJsonResponse(w, rebuildResponse{Created: created})
}

type orphanInfo struct {
	ClassificationId uuid.UUID `json:"classification_id"`
	ResourceId       uuid.UUID `json:"resource_id"`
	Status           string    `json:"status"`
}

// Orphans lists classification rows whose resource has since been removed
// from the bound collection.
func (s *ProjectService) Orphans(w http.ResponseWriter, r *http.Request) {
	user, project, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	bindingId, err := utils.URLParamUUID(r, "binding_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.acl.IsProjectAdmin(user, project) {
		writePermissionDenied(w)
		return
	}

	orphans, err := s.classifications.GetOrphanedResources(bindingId)
	if err != nil {
		writeError(w, err)
		return
	}

	infos := make([]orphanInfo, 0, len(orphans))
	for _, orphan := range orphans {
		infos = append(infos, orphanInfo{
			ClassificationId: orphan.Id, ResourceId: orphan.ResourceId, Status: orphan.Status,
		})
	}
	utils.WriteJsonResponse(w, infos)
}

type buildSequencesRequest struct {
	BindingIds   []uuid.UUID `json:"binding_ids"`
	DeltaMinutes int         `json:"delta_minutes"`
	ByDeployment bool        `json:"by_deployment"`
	Overwrite    bool        `json:"overwrite"`
}

// BuildSequences groups temporally adjacent resources into sequences across
// the given bindings, running as an async task.
func (s *ProjectService) BuildSequences(w http.ResponseWriter, r *http.Request) {
	user, _, ok := s.loadProject(w, r)
	if !ok {
		return
	}

	var params buildSequencesRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.DeltaMinutes <= 0 {
		http.Error(w, "delta_minutes must be positive", http.StatusBadRequest)
		return
	}

	delta := time.Duration(params.DeltaMinutes) * time.Minute
	taskId, err := s.runner.Submit(user, "sequence_build", func(ctx context.Context) (string, error) {
		return s.classifications.BuildSequences(user, params.BindingIds, delta, params.ByDeployment, params.Overwrite)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	utils.WriteJsonResponse(w, taskResponse{TaskId: taskId})
}

// Import reads a results csv and recreates approved classifications for
// matching resources, running as an async task.
func (s *ProjectService) Import(w http.ResponseWriter, r *http.Request) {
	user, project, ok := s.loadProject(w, r)
	if !ok {
		return
	}

	approveAll := r.URL.Query().Get("approve_all") == "true"

	csvData, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<20))
	if err != nil {
		http.Error(w, fmt.Sprintf("error reading import data: %v", err), http.StatusBadRequest)
		return
	}

	taskId, err := s.runner.Submit(user, "classification_import", func(ctx context.Context) (string, error) {
		return s.classifications.ImportClassifications(user, project.Id, csvData, approveAll)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	utils.WriteJsonResponse(w, taskResponse{TaskId: taskId})
}

type createTagsRequest struct {
	AttrNames []string `json:"attr_names"`
}

type logResponse struct {
	Log string `json:"log"`
}

// CreateTags copies approved attribute values onto resource tags.
func (s *ProjectService) CreateTags(w http.ResponseWriter, r *http.Request) {
	user, project, ok := s.loadProject(w, r)
	if !ok {
		return
	}

	var params createTagsRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	log, err := s.classifications.CreateTags(user, project.Id, params.AttrNames)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.WriteJsonResponse(w, logResponse{Log: log})
}

func (s *ProjectService) loadProject(w http.ResponseWriter, r *http.Request) (schema.User, schema.ClassificationProject, bool) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return schema.User{}, schema.ClassificationProject{}, false
	}

	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return schema.User{}, schema.ClassificationProject{}, false
	}

	project, err := schema.GetClassificationProject(projectId, s.db, false)
	if err != nil {
		writeError(w, err)
		return schema.User{}, schema.ClassificationProject{}, false
	}
	return user, project, true
}
