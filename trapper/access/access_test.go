package access_test

import (
	"fmt"
	"testing"
	"time"
	"trapper/trapper/access"
	"trapper/trapper/messaging"
	"trapper/trapper/schema"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupDb(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%v?mode=memory&cache=shared", uuid.New())), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(schema.AllModels()...))

	return db
}

func newUser(t *testing.T, db *gorm.DB, username string) schema.User {
	user := schema.User{Id: uuid.New(), Username: username, Email: username + "@mail.com"}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func newCollection(t *testing.T, db *gorm.DB, owner schema.User, name, status string) schema.Collection {
	collection := schema.Collection{
		Id: uuid.New(), Name: name, OwnerId: owner.Id, Status: status,
		DateCreated: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&collection).Error)
	return collection
}

func newResearchProject(t *testing.T, db *gorm.DB, owner schema.User, name, status string) schema.ResearchProject {
	project := schema.ResearchProject{
		Id: uuid.New(), Name: name, Acronym: name[:3], OwnerId: owner.Id,
		Status: status, DateCreated: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&project).Error)
	return project
}

func linkCollection(t *testing.T, db *gorm.DB, project schema.ResearchProject, collection schema.Collection) schema.ResearchProjectCollection {
	link := schema.ResearchProjectCollection{Id: uuid.New(), ProjectId: project.Id, CollectionId: collection.Id}
	require.NoError(t, db.Create(&link).Error)
	return link
}

func memberLevels(t *testing.T, db *gorm.DB, user schema.User, collection schema.Collection) []int {
	var levels []int
	require.NoError(t, db.Model(&schema.CollectionMember{}).
		Where("user_id = ? AND collection_id = ?", user.Id, collection.Id).
		Order("level").Pluck("level", &levels).Error)
	return levels
}

func TestGrantResearchRolePropagatesAccess(t *testing.T) {
	db := setupDb(t)
	svc := access.NewService(db)

	owner := newUser(t, db, "owner")
	member := newUser(t, db, "member")

	project := newResearchProject(t, db, owner, "wolves", schema.ProjectApproved)
	private := newCollection(t, db, owner, "winter", schema.StatusPrivate)
	public := newCollection(t, db, owner, "summer", schema.StatusPublic)
	linkCollection(t, db, project, private)
	linkCollection(t, db, project, public)

	require.NoError(t, svc.GrantResearchRole(project.Id, member.Id, schema.RoleCollaborator))

	assert.Equal(t, []int{schema.LevelAccess}, memberLevels(t, db, member, private))
	// public collections need no membership
	assert.Empty(t, memberLevels(t, db, member, public))

	// repeated grant only changes the role name
	require.NoError(t, svc.GrantResearchRole(project.Id, member.Id, schema.RoleAdmin))
	assert.Equal(t, []int{schema.LevelAccess}, memberLevels(t, db, member, private))

	role, err := schema.GetProjectRole(project.Id, member.Id, db)
	require.NoError(t, err)
	assert.Equal(t, schema.RoleAdmin, role)
}

func TestGrantResearchRoleRequiresApproval(t *testing.T) {
	db := setupDb(t)
	svc := access.NewService(db)

	owner := newUser(t, db, "owner")
	member := newUser(t, db, "member")
	project := newResearchProject(t, db, owner, "pending", schema.ProjectNotProcessed)

	err := svc.GrantResearchRole(project.Id, member.Id, schema.RoleExpert)
	assert.ErrorIs(t, err, access.ErrProjectNotApproved)
}

func TestRevokeResearchRoleKeepsJustifiedAccess(t *testing.T) {
	db := setupDb(t)
	svc := access.NewService(db)

	owner := newUser(t, db, "owner")
	member := newUser(t, db, "member")

	shared := newCollection(t, db, owner, "shared", schema.StatusPrivate)
	only := newCollection(t, db, owner, "only", schema.StatusPrivate)

	first := newResearchProject(t, db, owner, "first", schema.ProjectApproved)
	second := newResearchProject(t, db, owner, "second", schema.ProjectApproved)
	linkCollection(t, db, first, shared)
	linkCollection(t, db, first, only)
	linkCollection(t, db, second, shared)

	require.NoError(t, svc.GrantResearchRole(first.Id, member.Id, schema.RoleExpert))
	require.NoError(t, svc.GrantResearchRole(second.Id, member.Id, schema.RoleExpert))

	require.NoError(t, svc.RevokeResearchRole(first.Id, member.Id))

	// access through the second project survives
	assert.Equal(t, []int{schema.LevelAccess}, memberLevels(t, db, member, shared))
	assert.Empty(t, memberLevels(t, db, member, only))

	require.NoError(t, svc.RevokeResearchRole(second.Id, member.Id))
	assert.Empty(t, memberLevels(t, db, member, shared))

	assert.ErrorIs(t, svc.RevokeResearchRole(second.Id, member.Id), access.ErrRoleNotFound)
}

func TestClassificationRoleGrantsBasicAccess(t *testing.T) {
	db := setupDb(t)
	svc := access.NewService(db)

	owner := newUser(t, db, "owner")
	member := newUser(t, db, "member")

	collection := newCollection(t, db, owner, "cameras", schema.StatusPrivate)
	research := newResearchProject(t, db, owner, "lynx", schema.ProjectApproved)
	link := linkCollection(t, db, research, collection)

	project := schema.ClassificationProject{
		Id: uuid.New(), Name: "lynx 2026", ResearchProjectId: research.Id, OwnerId: owner.Id,
	}
	require.NoError(t, db.Create(&project).Error)
	binding := schema.ClassificationProjectCollection{
		Id: uuid.New(), ProjectId: project.Id, ResearchCollectionId: link.Id, IsActive: true,
	}
	require.NoError(t, db.Create(&binding).Error)

	require.NoError(t, svc.GrantClassificationRole(project.Id, member.Id, schema.RoleExpert))
	assert.Equal(t, []int{schema.LevelAccessBasic}, memberLevels(t, db, member, collection))

	require.NoError(t, svc.RevokeClassificationRole(project.Id, member.Id))
	assert.Empty(t, memberLevels(t, db, member, collection))
}

func TestCrowdsourcingProjectVisibility(t *testing.T) {
	db := setupDb(t)
	svc := access.NewService(db)

	owner := newUser(t, db, "owner")
	stranger := newUser(t, db, "stranger")

	research := newResearchProject(t, db, owner, "lynx", schema.ProjectApproved)
	closed := schema.ClassificationProject{
		Id: uuid.New(), Name: "members only", ResearchProjectId: research.Id, OwnerId: owner.Id,
	}
	require.NoError(t, db.Create(&closed).Error)
	open := schema.ClassificationProject{
		Id: uuid.New(), Name: "open to all", ResearchProjectId: research.Id, OwnerId: owner.Id,
		EnableCrowdsourcing: true,
	}
	require.NoError(t, db.Create(&open).Error)

	assert.False(t, svc.CanViewClassificationProject(stranger, closed))
	assert.True(t, svc.CanViewClassificationProject(stranger, open))

	var names []string
	require.NoError(t, svc.AccessibleClassificationProjects(stranger).
		Order("name").Pluck("name", &names).Error)
	assert.Equal(t, []string{"open to all"}, names)
}

func TestAddAndRemoveProjectCollection(t *testing.T) {
	db := setupDb(t)
	svc := access.NewService(db)

	owner := newUser(t, db, "owner")
	member := newUser(t, db, "member")

	project := newResearchProject(t, db, owner, "birds", schema.ProjectApproved)
	collection := newCollection(t, db, owner, "spring", schema.StatusPrivate)

	require.NoError(t, svc.GrantResearchRole(project.Id, member.Id, schema.RoleCollaborator))

	require.NoError(t, svc.AddProjectCollection(project.Id, collection.Id))
	assert.Equal(t, []int{schema.LevelAccess}, memberLevels(t, db, member, collection))

	assert.ErrorIs(t, svc.AddProjectCollection(project.Id, collection.Id), access.ErrCollectionLinkExists)

	require.NoError(t, svc.RemoveProjectCollection(project.Id, collection.Id))
	assert.Empty(t, memberLevels(t, db, member, collection))
}

func TestRemoveProjectCollectionBlockedByBinding(t *testing.T) {
	db := setupDb(t)
	svc := access.NewService(db)

	owner := newUser(t, db, "owner")
	project := newResearchProject(t, db, owner, "deer", schema.ProjectApproved)
	collection := newCollection(t, db, owner, "autumn", schema.StatusPrivate)
	link := linkCollection(t, db, project, collection)

	cproject := schema.ClassificationProject{
		Id: uuid.New(), Name: "deer class", ResearchProjectId: project.Id, OwnerId: owner.Id,
	}
	require.NoError(t, db.Create(&cproject).Error)
	binding := schema.ClassificationProjectCollection{
		Id: uuid.New(), ProjectId: cproject.Id, ResearchCollectionId: link.Id, IsActive: true,
	}
	require.NoError(t, db.Create(&binding).Error)

	assert.ErrorIs(t, svc.RemoveProjectCollection(project.Id, collection.Id), access.ErrCollectionInUse)
}

func TestCollectionRequestFloodControl(t *testing.T) {
	db := setupDb(t)
	svc := access.NewService(db)

	owner := newUser(t, db, "owner")
	requester := newUser(t, db, "requester")

	project := newResearchProject(t, db, owner, "boars", schema.ProjectApproved)
	collection := newCollection(t, db, owner, "ondemand", schema.StatusOnDemand)

	requests, err := svc.RequestCollectionAccess(requester, project.Id, []uuid.UUID{collection.Id}, "please")
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, owner.Id, requests[0].UserId)

	// second request inside the flood window is rejected
	_, err = svc.RequestCollectionAccess(requester, project.Id, []uuid.UUID{collection.Id}, "again")
	assert.ErrorIs(t, err, access.ErrRequestFlood)

	// expired unresolved requests no longer block
	svc.FloodDelay = time.Nanosecond
	time.Sleep(time.Millisecond)
	_, err = svc.RequestCollectionAccess(requester, project.Id, []uuid.UUID{collection.Id}, "again")
	require.NoError(t, err)
}

func TestResolveCollectionRequest(t *testing.T) {
	db := setupDb(t)
	svc := access.NewService(db)
	msgs := messaging.NewService(db)

	owner := newUser(t, db, "owner")
	requester := newUser(t, db, "requester")
	stranger := newUser(t, db, "stranger")

	project := newResearchProject(t, db, owner, "foxes", schema.ProjectApproved)
	collection := newCollection(t, db, owner, "dens", schema.StatusOnDemand)

	requests, err := svc.RequestCollectionAccess(requester, project.Id, []uuid.UUID{collection.Id}, "need files")
	require.NoError(t, err)
	request := requests[0]

	assert.ErrorIs(t, svc.ResolveCollectionRequest(request.Id, stranger, true), access.ErrNotRequestOwner)

	require.NoError(t, svc.ResolveCollectionRequest(request.Id, owner, true))
	assert.Equal(t, []int{schema.LevelAccessRequest}, memberLevels(t, db, requester, collection))

	assert.ErrorIs(t, svc.ResolveCollectionRequest(request.Id, owner, true), access.ErrRequestResolved)

	inbox, err := msgs.Inbox(requester.Id)
	require.NoError(t, err)
	require.NotEmpty(t, inbox)
	assert.Equal(t, messaging.TypeRequestResolved, inbox[0].MessageType)

	// full access now applies
	got, err := schema.GetCollection(collection.Id, db, true)
	require.NoError(t, err)
	assert.True(t, svc.CanViewCollection(requester, got, false))
	assert.False(t, svc.CanUpdateCollection(requester, got))
}

func TestResourcePermissions(t *testing.T) {
	db := setupDb(t)
	svc := access.NewService(db)

	owner := newUser(t, db, "owner")
	viewer := newUser(t, db, "viewer")
	admin := newUser(t, db, "admin")
	require.NoError(t, db.Model(&schema.User{}).Where("id = ?", admin.Id).Update("is_admin", true).Error)
	admin.IsAdmin = true

	resource := schema.Resource{
		Id: uuid.New(), Name: "IMG_0001", FilePath: "resources/x/file.jpg",
		ResourceType: schema.ResourceTypeImage, Status: schema.StatusPrivate,
		OwnerId: owner.Id, DateRecorded: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&resource).Error)

	collection := newCollection(t, db, owner, "col", schema.StatusPrivate)
	require.NoError(t, db.Model(&collection).Association("Resources").Append(&resource))

	assert.True(t, svc.CanViewResource(owner, resource, false))
	assert.True(t, svc.CanViewResource(admin, resource, false))
	assert.False(t, svc.CanViewResource(viewer, resource, false))

	// basic membership exposes metadata only
	member := schema.CollectionMember{UserId: viewer.Id, CollectionId: collection.Id, Level: schema.LevelAccessBasic}
	require.NoError(t, db.Create(&member).Error)

	assert.True(t, svc.CanViewResource(viewer, resource, true))
	assert.False(t, svc.CanViewResource(viewer, resource, false))
	assert.False(t, svc.CanUpdateResource(viewer, resource))

	full := schema.CollectionMember{UserId: viewer.Id, CollectionId: collection.Id, Level: schema.LevelAccess}
	require.NoError(t, db.Create(&full).Error)
	assert.True(t, svc.CanViewResource(viewer, resource, false))
}

func TestAccessibleScopes(t *testing.T) {
	db := setupDb(t)
	svc := access.NewService(db)

	owner := newUser(t, db, "owner")
	other := newUser(t, db, "other")

	newCollection(t, db, owner, "mine", schema.StatusPrivate)
	newCollection(t, db, owner, "open", schema.StatusPublic)

	var names []string
	require.NoError(t, svc.AccessibleCollections(other).Order("name").Pluck("name", &names).Error)
	assert.Equal(t, []string{"open"}, names)

	require.NoError(t, svc.AccessibleCollections(owner).Order("name").Pluck("name", &names).Error)
	assert.Equal(t, []string{"mine", "open"}, names)
}
