package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	"trapper/trapper/auth"
	"trapper/trapper/schema"
	"trapper/trapper/storage"
	"trapper/trapper/tasks"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	adminEmail    = "admin@example.org"
	adminPassword = "admin-password"
)

type apiFixture struct {
	db     *gorm.DB
	router chi.Router
}

func setupApi(t *testing.T) *apiFixture {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%v?mode=memory&cache=shared", uuid.New())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(schema.AllModels()...))

	identity, err := auth.NewIdentityProvider(db, auth.ProviderArgs{
		Secret:        []byte("test-secret"),
		AdminUsername: "admin",
		AdminEmail:    adminEmail,
		AdminPassword: adminPassword,
	})
	require.NoError(t, err)

	trapper := NewTrapper(db, storage.NewSharedDisk(t.TempDir()), identity, tasks.NewDisabled(db), Variables{})
	return &apiFixture{db: db, router: trapper.Routes()}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer = bytes.NewBuffer(nil)
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(data)
	}

	req := httptest.NewRequest(method, path, reqBody)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) signup(t *testing.T, username string) {
	w := f.do(t, http.MethodPost, "/user/signup", "", map[string]string{
		"username": username,
		"email":    username + "@example.org",
		"password": username + "-password",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func (f *apiFixture) login(t *testing.T, email, password string) string {
	w := f.do(t, http.MethodPost, "/user/login", "", map[string]string{
		"email": email, "password": password,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func (f *apiFixture) loginUser(t *testing.T, username string) string {
	return f.login(t, username+"@example.org", username+"-password")
}

func TestHealth(t *testing.T) {
	f := setupApi(t)

	w := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	f := setupApi(t)

	w := f.do(t, http.MethodGet, "/collection/list", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/collection/list", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginFlow(t *testing.T) {
	f := setupApi(t)

	f.signup(t, "alice")
	token := f.loginUser(t, "alice")

	w := f.do(t, http.MethodGet, "/user/info", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info struct {
		Username string `json:"username"`
		IsAdmin  bool   `json:"is_admin"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "alice", info.Username)
	assert.False(t, info.IsAdmin)

	w = f.do(t, http.MethodPost, "/user/login", "", map[string]string{
		"email": "alice@example.org", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"success": false, "msg": "Authentication required"}`, w.Body.String())

	w = f.do(t, http.MethodPost, "/user/signup", "", map[string]string{
		"username": "alice", "email": "other@example.org", "password": "pwd",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestResearchProjectFlow(t *testing.T) {
	f := setupApi(t)

	f.signup(t, "alice")
	f.signup(t, "bob")
	alice := f.loginUser(t, "alice")
	bob := f.loginUser(t, "bob")
	admin := f.login(t, adminEmail, adminPassword)

	w := f.do(t, http.MethodPost, "/research/create", alice, map[string]interface{}{
		"name": "Wolves of Bialowieza", "acronym": "WLV", "keywords": []string{"wolf"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var created struct {
		Id uuid.UUID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	var bobUser schema.User
	require.NoError(t, f.db.First(&bobUser, "username = ?", "bob").Error)

	grantPath := fmt.Sprintf("/research/%v/roles/%v", created.Id, bobUser.Id)

	// Roles cannot change before a site admin approves the project.
	w = f.do(t, http.MethodPost, grantPath, alice, map[string]string{"role": schema.RoleExpert})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, fmt.Sprintf("/research/%v/review", created.Id), bob, map[string]bool{"approve": true})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"success": false, "msg": "Permission denied"}`, w.Body.String())

	w = f.do(t, http.MethodPost, fmt.Sprintf("/research/%v/review", created.Id), admin, map[string]bool{"approve": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, grantPath, alice, map[string]string{"role": schema.RoleExpert})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, fmt.Sprintf("/research/%v", created.Id), bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var project struct {
		Acronym  string   `json:"acronym"`
		Status   string   `json:"status"`
		Keywords []string `json:"keywords"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &project))
	assert.Equal(t, "WLV", project.Acronym)
	assert.Equal(t, schema.ProjectApproved, project.Status)
	assert.Equal(t, []string{"wolf"}, project.Keywords)
}

func TestResourceDeleteRefreshesCollection(t *testing.T) {
	f := setupApi(t)

	f.signup(t, "alice")
	alice := f.loginUser(t, "alice")

	var owner schema.User
	require.NoError(t, f.db.First(&owner, "username = ?", "alice").Error)

	resource := schema.Resource{
		Id: uuid.New(), Name: "IMG_001", FilePath: "f",
		ResourceType: schema.ResourceTypeImage, Status: schema.StatusPrivate,
		OwnerId: owner.Id, DateRecorded: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, f.db.Create(&resource).Error)
	collection := schema.Collection{
		Id: uuid.New(), Name: "C1", OwnerId: owner.Id, Status: schema.StatusPrivate,
	}
	require.NoError(t, f.db.Create(&collection).Error)
	require.NoError(t, f.db.Exec(
		"INSERT INTO collection_resources (collection_id, resource_id) VALUES (?, ?)",
		collection.Id, resource.Id).Error)
	require.NoError(t, schema.RefreshCollectionDerived(collection.Id, f.db))

	var before schema.Collection
	require.NoError(t, f.db.First(&before, "id = ?", collection.Id).Error)
	require.NotNil(t, before.PeriodBegin)

	w := f.do(t, http.MethodDelete, fmt.Sprintf("/resource/%v", resource.Id), alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var after schema.Collection
	require.NoError(t, f.db.First(&after, "id = ?", collection.Id).Error)
	assert.Nil(t, after.PeriodBegin)
	assert.Nil(t, after.PeriodEnd)
}

func TestClassificatorEndpoints(t *testing.T) {
	f := setupApi(t)

	f.signup(t, "alice")
	alice := f.loginUser(t, "alice")

	w := f.do(t, http.MethodPost, "/classificator/create", alice, map[string]string{
		"name": "Mammals K1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var created struct {
		Id uuid.UUID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = f.do(t, http.MethodPost, fmt.Sprintf("/classificator/%v/attrs/custom", created.Id), alice, map[string]interface{}{
		"name": "Quality",
		"settings": map[string]interface{}{
			"field_type": schema.FieldString, "target": schema.TargetStatic, "values": "Good,Bad",
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Validation failures come back as a field error map.
	w = f.do(t, http.MethodPost, fmt.Sprintf("/classificator/%v/attrs/custom", created.Id), alice, map[string]interface{}{
		"name": "bad name!",
		"settings": map[string]interface{}{
			"field_type": "X", "target": schema.TargetStatic,
		},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, fmt.Sprintf("/classificator/%v", created.Id), alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		Name string `json:"name"`
		Form struct {
			Static []struct {
				Name string `json:"Name"`
			} `json:"Static"`
		} `json:"form"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, "Mammals K1", detail.Name)
	require.Len(t, detail.Form.Static, 1)
	assert.Equal(t, "Quality", detail.Form.Static[0].Name)
}

func TestTaskDashboard(t *testing.T) {
	f := setupApi(t)

	f.signup(t, "alice")
	alice := f.loginUser(t, "alice")

	w := f.do(t, http.MethodGet, "/task/list", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = f.do(t, http.MethodPost, "/task/some-task-id/cancel", alice, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}
