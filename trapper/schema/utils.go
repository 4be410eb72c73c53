package schema

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound                  = errors.New("user not found")
	ErrLocationNotFound              = errors.New("location not found")
	ErrDeploymentNotFound            = errors.New("deployment not found")
	ErrResourceNotFound              = errors.New("resource not found")
	ErrCollectionNotFound            = errors.New("collection not found")
	ErrResearchProjectNotFound       = errors.New("research project not found")
	ErrClassificationProjectNotFound = errors.New("classification project not found")
	ErrProjectCollectionNotFound     = errors.New("project collection not found")
	ErrClassificatorNotFound         = errors.New("classificator not found")
	ErrClassificationNotFound        = errors.New("classification not found")
	ErrUserClassificationNotFound    = errors.New("user classification not found")
	ErrSequenceNotFound              = errors.New("sequence not found")
	ErrCollectionRequestNotFound     = errors.New("collection request not found")
	ErrUserTaskNotFound              = errors.New("user task not found")
	ErrDataPackageNotFound           = errors.New("data package not found")
	ErrDbAccessFailed                = errors.New("db access failed")
)

func GetUser(userId uuid.UUID, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "id = ?", userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user", "user_id", userId, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetUserByUsername(username string, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "username = ?", username)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user by username", "username", username, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetLocation(locationId uuid.UUID, db *gorm.DB) (Location, error) {
	var location Location

	result := db.First(&location, "id = ?", locationId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return location, ErrLocationNotFound
		}
		slog.Error("sql error in get location", "location_id", locationId, "error", result.Error)
		return location, ErrDbAccessFailed
	}

	return location, nil
}

func GetDeployment(deploymentId uuid.UUID, db *gorm.DB, loadLocation bool) (Deployment, error) {
	var deployment Deployment

	var result *gorm.DB = db
	if loadLocation {
		result = result.Preload("Location")
	}
	result = result.First(&deployment, "id = ?", deploymentId)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return deployment, ErrDeploymentNotFound
		}
		slog.Error("sql error in get deployment", "deployment_id", deploymentId, "error", result.Error)
		return deployment, ErrDbAccessFailed
	}

	return deployment, nil
}

func GetResource(resourceId uuid.UUID, db *gorm.DB, loadDeployment, loadManagers bool) (Resource, error) {
	var resource Resource

	var result *gorm.DB = db
	if loadDeployment {
		result = result.Preload("Deployment").Preload("Deployment.Location")
	}
	if loadManagers {
		result = result.Preload("Managers")
	}
	result = result.First(&resource, "id = ?", resourceId)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return resource, ErrResourceNotFound
		}
		slog.Error("sql error in get resource", "resource_id", resourceId, "error", result.Error)
		return resource, ErrDbAccessFailed
	}

	return resource, nil
}

func GetCollection(collectionId uuid.UUID, db *gorm.DB, loadManagers bool) (Collection, error) {
	var collection Collection

	var result *gorm.DB = db
	if loadManagers {
		result = result.Preload("Managers")
	}
	result = result.First(&collection, "id = ?", collectionId)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return collection, ErrCollectionNotFound
		}
		slog.Error("sql error in get collection", "collection_id", collectionId, "error", result.Error)
		return collection, ErrDbAccessFailed
	}

	return collection, nil
}

func GetResearchProject(projectId uuid.UUID, db *gorm.DB) (ResearchProject, error) {
	var project ResearchProject

	result := db.First(&project, "id = ?", projectId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return project, ErrResearchProjectNotFound
		}
		slog.Error("sql error in get research project", "project_id", projectId, "error", result.Error)
		return project, ErrDbAccessFailed
	}

	return project, nil
}

func GetClassificationProject(projectId uuid.UUID, db *gorm.DB, loadClassificator bool) (ClassificationProject, error) {
	var project ClassificationProject

	var result *gorm.DB = db
	if loadClassificator {
		result = result.Preload("Classificator")
	}
	result = result.First(&project, "id = ?", projectId)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return project, ErrClassificationProjectNotFound
		}
		slog.Error("sql error in get classification project", "project_id", projectId, "error", result.Error)
		return project, ErrDbAccessFailed
	}

	return project, nil
}

func GetProjectCollection(collectionId uuid.UUID, db *gorm.DB) (ClassificationProjectCollection, error) {
	var binding ClassificationProjectCollection

	result := db.Preload("ResearchCollection").First(&binding, "id = ?", collectionId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return binding, ErrProjectCollectionNotFound
		}
		slog.Error("sql error in get project collection", "collection_id", collectionId, "error", result.Error)
		return binding, ErrDbAccessFailed
	}

	return binding, nil
}

func GetClassificator(classificatorId uuid.UUID, db *gorm.DB) (Classificator, error) {
	var classificator Classificator

	result := db.First(&classificator, "id = ?", classificatorId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return classificator, ErrClassificatorNotFound
		}
		slog.Error("sql error in get classificator", "classificator_id", classificatorId, "error", result.Error)
		return classificator, ErrDbAccessFailed
	}

	return classificator, nil
}

func GetClassification(classificationId uuid.UUID, db *gorm.DB, loadAttrs bool) (Classification, error) {
	var classification Classification

	var result *gorm.DB = db
	if loadAttrs {
		result = result.Preload("DynamicAttrs")
	}
	result = result.First(&classification, "id = ?", classificationId)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return classification, ErrClassificationNotFound
		}
		slog.Error("sql error in get classification", "classification_id", classificationId, "error", result.Error)
		return classification, ErrDbAccessFailed
	}

	return classification, nil
}

func GetUserClassification(userClassificationId uuid.UUID, db *gorm.DB, loadAttrs bool) (UserClassification, error) {
	var userClassification UserClassification

	var result *gorm.DB = db
	if loadAttrs {
		result = result.Preload("DynamicAttrs")
	}
	result = result.First(&userClassification, "id = ?", userClassificationId)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return userClassification, ErrUserClassificationNotFound
		}
		slog.Error("sql error in get user classification", "user_classification_id", userClassificationId, "error", result.Error)
		return userClassification, ErrDbAccessFailed
	}

	return userClassification, nil
}

func GetSequence(sequenceId uuid.UUID, db *gorm.DB) (Sequence, error) {
	var sequence Sequence

	result := db.Preload("Resources").First(&sequence, "id = ?", sequenceId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return sequence, ErrSequenceNotFound
		}
		slog.Error("sql error in get sequence", "sequence_id", sequenceId, "error", result.Error)
		return sequence, ErrDbAccessFailed
	}

	return sequence, nil
}

func GetCollectionRequest(requestId uuid.UUID, db *gorm.DB) (CollectionRequest, error) {
	var request CollectionRequest

	result := db.Preload("Collections").First(&request, "id = ?", requestId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return request, ErrCollectionRequestNotFound
		}
		slog.Error("sql error in get collection request", "request_id", requestId, "error", result.Error)
		return request, ErrDbAccessFailed
	}

	return request, nil
}

func GetUserTask(taskId string, db *gorm.DB) (UserTask, error) {
	var task UserTask

	result := db.First(&task, "task_id = ?", taskId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return task, ErrUserTaskNotFound
		}
		slog.Error("sql error in get user task", "task_id", taskId, "error", result.Error)
		return task, ErrDbAccessFailed
	}

	return task, nil
}

// GetProjectRole returns the role name a user holds in a research project,
// or "" when none.
func GetProjectRole(projectId, userId uuid.UUID, db *gorm.DB) (string, error) {
	var role ResearchProjectRole

	result := db.First(&role, "project_id = ? AND user_id = ?", projectId, userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return "", nil
		}
		slog.Error("sql error in get project role", "project_id", projectId, "user_id", userId, "error", result.Error)
		return "", ErrDbAccessFailed
	}

	return role.Name, nil
}

// GetClassificationProjectRole returns the role name a user holds in a
// classification project, or "" when none.
func GetClassificationProjectRole(projectId, userId uuid.UUID, db *gorm.DB) (string, error) {
	var role ClassificationProjectRole

	result := db.First(&role, "project_id = ? AND user_id = ?", projectId, userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return "", nil
		}
		slog.Error("sql error in get classification project role", "project_id", projectId, "user_id", userId, "error", result.Error)
		return "", ErrDbAccessFailed
	}

	return role.Name, nil
}

// ScannedTime reads aggregate timestamp columns. Aggregates lose the column
// type on sqlite and come back as strings, so Scan accepts both forms.
type ScannedTime struct {
	Time  time.Time
	Valid bool
}

var scannedTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (t *ScannedTime) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		t.Valid = false
		return nil
	case time.Time:
		t.Time, t.Valid = v, true
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("cannot scan %T into a timestamp", value)
	}
}

func (t *ScannedTime) parse(value string) error {
	for _, layout := range scannedTimeLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			t.Time, t.Valid = parsed, true
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", value)
}

func (t ScannedTime) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time
	return &value
}

// RefreshCollectionDerived recomputes the bbox and period columns of a
// collection from its current resources. The bbox is null unless at least
// two distinct locations contribute. Last writer wins on concurrent
// updates; a later recompute converges.
func RefreshCollectionDerived(collectionId uuid.UUID, db *gorm.DB) error {
	type envelope struct {
		Locations int64
		West      *float64
		South     *float64
		East      *float64
		North     *float64
		Begin     ScannedTime
		End       ScannedTime
	}

	var env envelope
	err := db.Table("collection_resources cr").
		Select("COUNT(DISTINCT l.id) AS locations, "+
			"MIN(l.x) AS west, MIN(l.y) AS south, MAX(l.x) AS east, MAX(l.y) AS north, "+
			"MIN(r.date_recorded) AS \"begin\", MAX(r.date_recorded) AS \"end\"").
		Joins("JOIN resources r ON r.id = cr.resource_id").
		Joins("LEFT JOIN deployments d ON d.id = r.deployment_id").
		Joins("LEFT JOIN locations l ON l.id = d.location_id").
		Where("cr.collection_id = ?", collectionId).
		Scan(&env).Error
	if err != nil {
		slog.Error("sql error computing collection envelope", "collection_id", collectionId, "error", err)
		return ErrDbAccessFailed
	}

	if env.Locations < 2 {
		env.West, env.South, env.East, env.North = nil, nil, nil, nil
	}

	err = db.Model(&Collection{}).Where("id = ?", collectionId).
		Updates(map[string]interface{}{
			"bbox_west":    env.West,
			"bbox_south":   env.South,
			"bbox_east":    env.East,
			"bbox_north":   env.North,
			"period_begin": env.Begin.Ptr(),
			"period_end":   env.End.Ptr(),
		}).Error
	if err != nil {
		slog.Error("sql error saving collection envelope", "collection_id", collectionId, "error", err)
		return ErrDbAccessFailed
	}
	return nil
}
