package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"trapper/trapper/auth"
	"trapper/trapper/schema"
	"trapper/trapper/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserService struct {
	db       *gorm.DB
	identity *auth.IdentityProvider
}

func (s *UserService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/login", s.Login)
	r.Post("/signup", s.Signup)

	r.Group(func(r chi.Router) {
		r.Use(s.identity.Middleware()...)

		r.Get("/info", s.Info)
		r.Get("/list", s.List)
	})

	return r
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	UserId      uuid.UUID `json:"user_id"`
	AccessToken string    `json:"access_token"`
}

func (s *UserService) Login(w http.ResponseWriter, r *http.Request) {
	var params loginRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	result, err := s.identity.Login(params.Email, params.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFoundWithEmail) || errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, CodedError(err, http.StatusUnauthorized))
			return
		}
		http.Error(w, fmt.Sprintf("error logging in: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, loginResponse{UserId: result.UserId, AccessToken: result.AccessToken})
}

type signupRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Institution string `json:"institution"`
}

type signupResponse struct {
	UserId uuid.UUID `json:"user_id"`
}

func (s *UserService) Signup(w http.ResponseWriter, r *http.Request) {
	var params signupRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Username == "" || params.Email == "" || params.Password == "" {
		http.Error(w, "username, email, and password must be specified", http.StatusBadRequest)
		return
	}

	userId, err := s.identity.CreateUser(auth.SignupArgs{
		Username: params.Username, Email: params.Email, Password: params.Password,
		FirstName: params.FirstName, LastName: params.LastName, Institution: params.Institution,
	})
	if err != nil {
		if errors.Is(err, auth.ErrUsernameAlreadyInUse) || errors.Is(err, auth.ErrEmailAlreadyInUse) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, fmt.Sprintf("error creating user: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, signupResponse{UserId: userId})
}

type userInfo struct {
	Id          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	Institution string    `json:"institution"`
	IsAdmin     bool      `json:"is_admin"`
}

func userInfoOf(user schema.User) userInfo {
	return userInfo{
		Id: user.Id, Username: user.Username, Email: user.Email,
		FirstName: user.FirstName, LastName: user.LastName,
		Institution: user.Institution, IsAdmin: user.IsAdmin,
	}
}

func (s *UserService) Info(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	utils.WriteJsonResponse(w, userInfoOf(user))
}

func (s *UserService) List(w http.ResponseWriter, r *http.Request) {
	var users []schema.User
	if err := s.db.Order("username").Find(&users).Error; err != nil {
		slog.Error("sql error listing users", "error", err)
		http.Error(w, "error listing users", http.StatusInternalServerError)
		return
	}

	infos := make([]userInfo, 0, len(users))
	for _, user := range users {
		infos = append(infos, userInfoOf(user))
	}

	utils.WriteJsonResponse(w, infos)
}
