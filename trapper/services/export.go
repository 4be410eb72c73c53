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
	"trapper/trapper/export"
	"trapper/trapper/schema"
	"trapper/trapper/tasks"
	"trapper/trapper/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ExportService struct {
	db       *gorm.DB
	acl      *access.Service
	exports  *export.Service
	runner   tasks.Runner
	identity *auth.IdentityProvider
}

func (s *ExportService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.identity.Middleware()...)

	r.Post("/results/{project_id}", s.BuildResults)
	r.Post("/media", s.BuildMedia)

	r.Get("/results/{project_id}/csv", s.ResultsCSV)
	r.Get("/aggregation/{project_id}", s.Aggregation)

	r.Get("/packages", s.Packages)
	r.Get("/packages/{package_id}/download", s.Download)

	return r
}

type buildResultsRequest struct {
	Deployments bool `json:"deployments"`
	EML         bool `json:"eml"`
}

// BuildResults schedules a full results package build: the csv tables plus
// the EML metadata document, zipped under the user's packages.
func (s *ExportService) BuildResults(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params buildResultsRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	options := export.ResultsOptions{Deployments: params.Deployments, EML: params.EML}
	taskId, err := s.runner.Submit(user, "results_package", func(ctx context.Context) (string, error) {
		return s.exports.BuildResultsPackage(user, projectId, options)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	utils.WriteJsonResponse(w, taskResponse{TaskId: taskId})
}

type buildMediaRequest struct {
	Name        string      `json:"name"`
	ResourceIds []uuid.UUID `json:"resource_ids"`
}

func (s *ExportService) BuildMedia(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var params buildMediaRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if len(params.ResourceIds) == 0 {
		http.Error(w, "resource_ids must not be empty", http.StatusBadRequest)
		return
	}

	taskId, err := s.runner.Submit(user, "media_package", func(ctx context.Context) (string, error) {
		return s.exports.BuildMediaPackage(user, params.Name, params.ResourceIds)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	utils.WriteJsonResponse(w, taskResponse{TaskId: taskId})
}

// ResultsCSV streams the results table without building a package.
func (s *ExportService) ResultsCSV(w http.ResponseWriter, r *http.Request) {
	user, project, ok := s.loadProject(w, r)
	if !ok {
		return
	}

	if !s.acl.CanViewClassificationProject(user, project) {
		writePermissionDenied(w)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="results.csv"`)
	if err := s.exports.WriteResults(w, project.Id); err != nil {
		slog.Error("error writing results csv", "project_id", project.Id, "error", err)
	}
}

// Aggregation reduces approved classifications onto deployments or locations
// and streams the result as csv or geojson.
func (s *ExportService) Aggregation(w http.ResponseWriter, r *http.Request) {
	user, project, ok := s.loadProject(w, r)
	if !ok {
		return
	}

	if !s.acl.CanViewClassificationProject(user, project) {
		writePermissionDenied(w)
		return
	}

	query := r.URL.Query()
	params := export.AggregationParams{
		BySequence:  query.Get("by_seq") == "true",
		ByLocation:  query.Get("by_loc") == "true",
		SequenceFun: query.Get("seq_fun"),
		CountFun:    query.Get("count_fun"),
		CountVar:    query.Get("count_var"),
		AllDep:      query.Get("all_dep") == "true",
		MergeHow:    query.Get("merge_how"),
		Geo:         query.Get("geo"),
	}
	if params.CountFun == "" {
		params.CountFun = "sum"
	}
	if params.SequenceFun == "" {
		params.SequenceFun = "max"
	}
	if params.MergeHow == "" {
		params.MergeHow = export.MergeLeft
	}
	if params.Geo == "" {
		params.Geo = export.GeoCSV
	}

	if params.Geo == export.GeoGeoJSON {
		w.Header().Set("Content-Type", "application/geo+json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}

	if err := s.exports.WriteAggregation(w, project.Id, params); err != nil {
		writeError(w, CodedError(err, http.StatusBadRequest))
	}
}

type packageInfo struct {
	Id          uuid.UUID `json:"id"`
	PackageType string    `json:"package_type"`
	DateCreated time.Time `json:"date_created"`
}

func (s *ExportService) Packages(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	packages, err := s.exports.Packages(user)
	if err != nil {
		writeError(w, err)
		return
	}

	infos := make([]packageInfo, 0, len(packages))
	for _, pkg := range packages {
		infos = append(infos, packageInfo{
			Id: pkg.Id, PackageType: pkg.PackageType, DateCreated: pkg.DateCreated,
		})
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *ExportService) Download(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	packageId, err := utils.URLParamUUID(r, "package_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	file, filename, err := s.exports.OpenPackage(user, packageId)
	if err != nil {
		writeError(w, err)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if _, err := io.Copy(w, file); err != nil {
		slog.Error("error streaming data package", "package_id", packageId, "error", err)
	}
}

func (s *ExportService) loadProject(w http.ResponseWriter, r *http.Request) (schema.User, schema.ClassificationProject, bool) {
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
