package schema_test

import (
	"fmt"
	"testing"
	"time"
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

func TestRefreshDeploymentID(t *testing.T) {
	deployment := schema.Deployment{
		DeploymentCode: "D1",
		Location:       &schema.Location{LocationID: "L7"},
	}
	deployment.RefreshDeploymentID()
	assert.Equal(t, "D1-L7", deployment.DeploymentID)

	unlocated := schema.Deployment{DeploymentCode: "D1"}
	unlocated.RefreshDeploymentID()
	assert.Empty(t, unlocated.DeploymentID)
}

func TestPrefixedName(t *testing.T) {
	resource := schema.Resource{Name: "IMG_001"}
	assert.Equal(t, "IMG_001", resource.PrefixedName())

	resource.CustomPrefix = "spring"
	assert.Equal(t, "spring_IMG_001", resource.PrefixedName())

	resource.InheritPrefix = true
	resource.Deployment = &schema.Deployment{DeploymentID: "D1-L7"}
	assert.Equal(t, "spring_D1-L7_IMG_001", resource.PrefixedName())
}

func TestDateRecordedTz(t *testing.T) {
	recorded := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	resource := schema.Resource{DateRecorded: recorded}
	assert.Equal(t, recorded, resource.DateRecordedTz())

	resource.Deployment = &schema.Deployment{
		Location: &schema.Location{Timezone: "Europe/Warsaw"},
	}
	localized := resource.DateRecordedTz()
	assert.Equal(t, 14, localized.Hour())
	assert.True(t, localized.Equal(recorded))
}

func TestCheckDateRecorded(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(10 * 24 * time.Hour)
	resource := schema.Resource{
		DateRecorded: start.Add(24 * time.Hour),
		Deployment:   &schema.Deployment{StartDate: &start, EndDate: &end},
	}
	assert.True(t, resource.CheckDateRecorded())

	resource.DateRecorded = start.Add(-time.Hour)
	assert.False(t, resource.CheckDateRecorded())

	resource.DateRecorded = end.Add(time.Hour)
	assert.False(t, resource.CheckDateRecorded())

	resource.Deployment = nil
	assert.True(t, resource.CheckDateRecorded())
}

func TestRefreshCollectionDerived(t *testing.T) {
	db := setupDb(t)

	owner := schema.User{Id: uuid.New(), Username: "alice", Email: "alice@mail.com"}
	require.NoError(t, db.Create(&owner).Error)

	newLocated := func(locationID string, x, y float64) schema.Deployment {
		location := schema.Location{
			Id: uuid.New(), LocationID: locationID, X: x, Y: y, Timezone: "UTC", OwnerId: owner.Id,
		}
		require.NoError(t, db.Create(&location).Error)
		deployment := schema.Deployment{
			Id: uuid.New(), DeploymentCode: "D-" + locationID, LocationId: location.Id, OwnerId: owner.Id,
		}
		require.NoError(t, db.Create(&deployment).Error)
		return deployment
	}
	d1 := newLocated("L1", 20.0, 50.0)
	d2 := newLocated("L2", 24.0, 54.0)

	collection := schema.Collection{Id: uuid.New(), Name: "C1", OwnerId: owner.Id, Status: schema.StatusPrivate}
	require.NoError(t, db.Create(&collection).Error)

	addResource := func(collectionId, deploymentId uuid.UUID, recorded time.Time) {
		resource := schema.Resource{
			Id: uuid.New(), Name: uuid.NewString()[:8], FilePath: "f",
			ResourceType: schema.ResourceTypeImage, Status: schema.StatusPrivate,
			OwnerId: owner.Id, DateRecorded: recorded, DeploymentId: &deploymentId,
		}
		require.NoError(t, db.Create(&resource).Error)
		require.NoError(t, db.Exec(
			"INSERT INTO collection_resources (collection_id, resource_id) VALUES (?, ?)",
			collectionId, resource.Id).Error)
	}
	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	addResource(collection.Id, d1.Id, t0)
	addResource(collection.Id, d2.Id, t0.Add(48*time.Hour))

	require.NoError(t, schema.RefreshCollectionDerived(collection.Id, db))

	var got schema.Collection
	require.NoError(t, db.First(&got, "id = ?", collection.Id).Error)
	require.NotNil(t, got.BboxWest)
	assert.Equal(t, 20.0, *got.BboxWest)
	assert.Equal(t, 50.0, *got.BboxSouth)
	assert.Equal(t, 24.0, *got.BboxEast)
	assert.Equal(t, 54.0, *got.BboxNorth)
	require.NotNil(t, got.PeriodBegin)
	assert.True(t, got.PeriodBegin.Equal(t0))
	assert.True(t, got.PeriodEnd.Equal(t0.Add(48*time.Hour)))

	// a single contributing location keeps the period but yields no bbox
	single := schema.Collection{Id: uuid.New(), Name: "C2", OwnerId: owner.Id, Status: schema.StatusPrivate}
	require.NoError(t, db.Create(&single).Error)
	addResource(single.Id, d1.Id, t0)
	addResource(single.Id, d1.Id, t0.Add(24*time.Hour))

	require.NoError(t, schema.RefreshCollectionDerived(single.Id, db))

	require.NoError(t, db.First(&got, "id = ?", single.Id).Error)
	assert.Nil(t, got.BboxWest)
	assert.Nil(t, got.BboxSouth)
	assert.Nil(t, got.BboxEast)
	assert.Nil(t, got.BboxNorth)
	require.NotNil(t, got.PeriodBegin)
	assert.True(t, got.PeriodBegin.Equal(t0))
	assert.True(t, got.PeriodEnd.Equal(t0.Add(24*time.Hour)))
}
