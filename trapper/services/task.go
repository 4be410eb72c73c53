package services

import (
	"net/http"
	"time"
	"trapper/trapper/auth"
	"trapper/trapper/tasks"
	"trapper/trapper/utils"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

type TaskService struct {
	db       *gorm.DB
	runner   tasks.Runner
	identity *auth.IdentityProvider
}

func (s *TaskService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.identity.Middleware()...)

	r.Get("/list", s.List)
	r.Post("/{task_id}/cancel", s.Cancel)

	return r
}

type taskInfo struct {
	TaskId     string     `json:"task_id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Log        string     `json:"log"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

func (s *TaskService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	rows, err := tasks.Dashboard(user, s.db)
	if err != nil {
		writeError(w, err)
		return
	}

	infos := make([]taskInfo, 0, len(rows))
	for _, row := range rows {
		infos = append(infos, taskInfo{
			TaskId: row.TaskId, Name: row.Name, Status: row.Status, Log: row.Log,
			CreatedAt: row.CreatedAt, FinishedAt: row.FinishedAt,
		})
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *TaskService) Cancel(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	taskId, err := utils.URLParam(r, "task_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.runner.Cancel(user, taskId); err != nil {
		writeError(w, err)
		return
	}
	utils.WriteSuccess(w)
}

