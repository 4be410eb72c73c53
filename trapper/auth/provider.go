package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"trapper/trapper/schema"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrUserNotFoundWithEmail = errors.New("no user found with the given email")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrUsernameAlreadyInUse  = errors.New("username is already in use")
	ErrEmailAlreadyInUse     = errors.New("email is already in use")
	ErrGeneratingJwt         = errors.New("error generating access token")
)

const tokenExpiration = 24 * time.Hour

type IdentityProvider struct {
	jwtManager *JwtManager
	db         *gorm.DB
}

type ProviderArgs struct {
	Secret        []byte
	AdminUsername string
	AdminEmail    string
	AdminPassword string
}

func NewIdentityProvider(db *gorm.DB, args ProviderArgs) (*IdentityProvider, error) {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(args.AdminPassword), 10)
	if err != nil {
		return nil, fmt.Errorf("error encrypting admin password: %w", err)
	}

	err = addInitialAdmin(db, args.AdminUsername, args.AdminEmail, hashedPwd)
	if err != nil {
		return nil, fmt.Errorf("error adding initial admin to db: %w", err)
	}

	return &IdentityProvider{jwtManager: NewJwtManager(args.Secret), db: db}, nil
}

func addInitialAdmin(db *gorm.DB, username, email string, hashedPwd []byte) error {
	return db.Transaction(func(txn *gorm.DB) error {
		var existing schema.User
		result := txn.Limit(1).Find(&existing, "is_admin = ?", true)
		if result.Error != nil {
			slog.Error("sql error checking for existing admin", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected != 0 {
			return nil
		}

		admin := schema.User{
			Id: uuid.New(), Username: username, Email: email,
			Password: hashedPwd, IsAdmin: true,
		}
		if err := txn.Create(&admin).Error; err != nil {
			slog.Error("sql error creating initial admin", "error", err)
			return schema.ErrDbAccessFailed
		}
		return nil
	})
}

func (auth *IdentityProvider) addUserToContext() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			userId, err := userIdFromClaims(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			user, err := schema.GetUser(userId, auth.db)
			if err != nil {
				if errors.Is(err, schema.ErrUserNotFound) {
					http.Error(w, err.Error(), http.StatusUnauthorized)
					return
				}
				http.Error(w, fmt.Sprintf("unable to find user %v: %v", userId, err), http.StatusInternalServerError)
				return
			}

			reqCtx := context.WithValue(r.Context(), userRequestContextKey, user)
			next.ServeHTTP(w, r.WithContext(reqCtx))
		}

		return http.HandlerFunc(handler)
	}
}

func (auth *IdentityProvider) Middleware() chi.Middlewares {
	return chi.Middlewares{auth.jwtManager.Verifier(), auth.jwtManager.Authenticator(), auth.addUserToContext()}
}

type LoginResult struct {
	UserId      uuid.UUID
	AccessToken string
}

func (auth *IdentityProvider) Login(email, password string) (LoginResult, error) {
	var user schema.User
	result := auth.db.First(&user, "email = ?", email)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return LoginResult{}, ErrUserNotFoundWithEmail
		}
		slog.Error("sql error looking up user by email", "error", result.Error)
		return LoginResult{}, schema.ErrDbAccessFailed
	}

	if err := bcrypt.CompareHashAndPassword(user.Password, []byte(password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := auth.jwtManager.CreateUserJwt(user.Id, tokenExpiration)
	if err != nil {
		return LoginResult{}, ErrGeneratingJwt
	}

	return LoginResult{UserId: user.Id, AccessToken: token}, nil
}

type SignupArgs struct {
	Username    string
	Email       string
	Password    string
	FirstName   string
	LastName    string
	Institution string
}

func (auth *IdentityProvider) CreateUser(args SignupArgs) (uuid.UUID, error) {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(args.Password), 10)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("error encrypting password: %w", err)
	}

	newUser := schema.User{
		Id: uuid.New(), Username: args.Username, Email: args.Email, Password: hashedPwd,
		FirstName: args.FirstName, LastName: args.LastName, Institution: args.Institution,
	}

	err = auth.db.Transaction(func(txn *gorm.DB) error {
		var existingUser schema.User
		result := txn.Limit(1).Find(&existingUser, "username = ? or email = ?", args.Username, args.Email)
		if result.Error != nil {
			slog.Error("sql error checking for existing username/email", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected != 0 {
			if existingUser.Username == args.Username {
				return ErrUsernameAlreadyInUse
			}
			return ErrEmailAlreadyInUse
		}

		if err := txn.Create(&newUser).Error; err != nil {
			slog.Error("sql error creating new user entry", "error", err)
			return schema.ErrDbAccessFailed
		}
		return nil
	})

	if err != nil {
		return uuid.UUID{}, err
	}

	return newUser.Id, nil
}
