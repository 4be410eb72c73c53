package services

import (
	"log/slog"
	"net/http"
	"time"
	"trapper/trapper/auth"
	"trapper/trapper/classificator"
	"trapper/trapper/schema"
	"trapper/trapper/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ClassificatorService struct {
	db             *gorm.DB
	classificators *classificator.Service
	identity       *auth.IdentityProvider
}

func (s *ClassificatorService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.identity.Middleware()...)

	r.Get("/list", s.List)
	r.Post("/create", s.Create)

	r.Route("/{classificator_id}", func(r chi.Router) {
		r.Get("/", s.Get)
		r.Delete("/", s.Delete)
		r.Post("/clone", s.Clone)

		r.Post("/attrs/custom", s.SetCustomAttr)
		r.Delete("/attrs/custom/{name}", s.RemoveCustomAttr)
		r.Post("/attrs/predefined", s.SetPredefinedAttrs)
		r.Post("/order", s.UpdateOrder)
	})

	return r
}

type classificatorInfo struct {
	Id                uuid.UUID  `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description"`
	Template          string     `json:"template"`
	OwnerId           uuid.UUID  `json:"owner_id"`
	StaticAttrsOrder  string     `json:"static_attrs_order"`
	DynamicAttrsOrder string     `json:"dynamic_attrs_order"`
	CopyOfId          *uuid.UUID `json:"copy_of_id"`
	Disabled          bool       `json:"disabled"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func classificatorInfoOf(c schema.Classificator) classificatorInfo {
	return classificatorInfo{
		Id: c.Id, Name: c.Name, Description: c.Description, Template: c.Template,
		OwnerId: c.OwnerId, StaticAttrsOrder: c.StaticAttrsOrder,
		DynamicAttrsOrder: c.DynamicAttrsOrder, CopyOfId: c.CopyOfId,
		Disabled: c.IsDisabled(), UpdatedAt: c.UpdatedAt,
	}
}

func (s *ClassificatorService) List(w http.ResponseWriter, r *http.Request) {
	var classificators []schema.Classificator
	err := s.classificators.AccessibleClassificators().Order("name").Find(&classificators).Error
	if err != nil {
		slog.Error("sql error listing classificators", "error", err)
		http.Error(w, "error listing classificators", http.StatusInternalServerError)
		return
	}

	infos := make([]classificatorInfo, 0, len(classificators))
	for _, c := range classificators {
		infos = append(infos, classificatorInfoOf(c))
	}
	utils.WriteJsonResponse(w, infos)
}

type createClassificatorRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Template    string `json:"template"`
}

func (s *ClassificatorService) Create(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var params createClassificatorRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.Name == "" {
		http.Error(w, "classificator name must be specified", http.StatusBadRequest)
		return
	}

	created, err := s.classificators.Create(user, params.Name, params.Description, params.Template)
	if err != nil {
		writeError(w, err)
		return
	}

	utils.WriteJsonResponse(w, createdResponse{Id: created.Id})
}

type classificatorDetail struct {
	classificatorInfo

	Form classificator.FormFields `json:"form"`
}

func (s *ClassificatorService) Get(w http.ResponseWriter, r *http.Request) {
	cls, ok := s.loadClassificator(w, r)
	if !ok {
		return
	}

	form, err := s.classificators.PrepareFormFields(cls)
	if err != nil {
		writeError(w, err)
		return
	}

	utils.WriteJsonResponse(w, classificatorDetail{
		classificatorInfo: classificatorInfoOf(cls), Form: form,
	})
}

func (s *ClassificatorService) Delete(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	cls, ok := s.loadClassificator(w, r)
	if !ok {
		return
	}

	if err := s.classificators.Delete(cls.Id, user); err != nil {
		writeError(w, err)
		return
	}
	utils.WriteSuccess(w)
}

func (s *ClassificatorService) Clone(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	cls, ok := s.loadClassificator(w, r)
	if !ok {
		return
	}

	clone, err := s.classificators.Clone(cls.Id, user)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.WriteJsonResponse(w, createdResponse{Id: clone.Id})
}

type setCustomAttrRequest struct {
	Name     string                     `json:"name"`
	Settings classificator.AttrSettings `json:"settings"`
}

func (s *ClassificatorService) SetCustomAttr(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	cls, ok := s.loadClassificator(w, r)
	if !ok {
		return
	}

	var params setCustomAttrRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := s.classificators.SetCustomAttr(cls.Id, user, params.Name, params.Settings); err != nil {
		writeError(w, err)
		return
	}
	utils.WriteSuccess(w)
}

func (s *ClassificatorService) RemoveCustomAttr(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	cls, ok := s.loadClassificator(w, r)
	if !ok {
		return
	}

	name, err := utils.URLParam(r, "name")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.classificators.RemoveCustomAttr(cls.Id, user, name); err != nil {
		writeError(w, err)
		return
	}
	utils.WriteSuccess(w)
}

type setPredefinedAttrsRequest struct {
	Attrs map[string]classificator.PredefinedSettings `json:"attrs"`
}

func (s *ClassificatorService) SetPredefinedAttrs(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	cls, ok := s.loadClassificator(w, r)
	if !ok {
		return
	}

	var params setPredefinedAttrsRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := s.classificators.SetPredefinedAttrs(cls.Id, user, params.Attrs); err != nil {
		writeError(w, err)
		return
	}
	utils.WriteSuccess(w)
}

type updateOrderRequest struct {
	Static  []string `json:"static"`
	Dynamic []string `json:"dynamic"`
}

func (s *ClassificatorService) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	cls, ok := s.loadClassificator(w, r)
	if !ok {
		return
	}

	var params updateOrderRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := s.classificators.UpdateAttrsOrder(cls.Id, user, params.Static, params.Dynamic); err != nil {
		writeError(w, err)
		return
	}
	utils.WriteSuccess(w)
}

func (s *ClassificatorService) loadClassificator(w http.ResponseWriter, r *http.Request) (schema.Classificator, bool) {
	classificatorId, err := utils.URLParamUUID(r, "classificator_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return schema.Classificator{}, false
	}

	cls, err := schema.GetClassificator(classificatorId, s.db)
	if err != nil {
		writeError(w, err)
		return schema.Classificator{}, false
	}
	return cls, true
}
