package access

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
	"trapper/trapper/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrProjectNotApproved   = errors.New("research project is not approved")
	ErrCollectionInUse      = errors.New("collection is used by a classification project")
	ErrRoleNotFound         = errors.New("project role not found")
	ErrCollectionNotLinked  = errors.New("collection is not linked to the project")
	ErrCollectionLinkExists = errors.New("collection is already linked to the project")
)

func researchCollectionIds(txn *gorm.DB, projectId uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := txn.Model(&schema.ResearchProjectCollection{}).
		Where("project_id = ?", projectId).Pluck("collection_id", &ids).Error
	if err != nil {
		slog.Error("sql error listing project collections", "project_id", projectId, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return ids, nil
}

func classificationCollectionIds(txn *gorm.DB, projectId uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := txn.Model(&schema.ClassificationProjectCollection{}).
		Select("rpc.collection_id").
		Joins("JOIN research_project_collections rpc ON rpc.id = classification_project_collections.research_collection_id").
		Where("classification_project_collections.project_id = ?", projectId).
		Scan(&ids).Error
	if err != nil {
		slog.Error("sql error listing classification project collections", "project_id", projectId, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return ids, nil
}

// grantMembership creates membership rows at the given level, skipping
// public collections and collections the user already owns or manages.
// Existing rows are left untouched, so repeated grants are idempotent.
func grantMembership(txn *gorm.DB, userId uuid.UUID, collectionIds []uuid.UUID, level int) error {
	for _, collectionId := range collectionIds {
		collection, err := schema.GetCollection(collectionId, txn, true)
		if err != nil {
			return err
		}
		if collection.IsPublic() || collection.OwnerId == userId {
			continue
		}
		isManager := false
		for _, manager := range collection.Managers {
			if manager.Id == userId {
				isManager = true
				break
			}
		}
		if isManager {
			continue
		}

		member := schema.CollectionMember{UserId: userId, CollectionId: collectionId, Level: level}
		err = txn.Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error
		if err != nil {
			slog.Error("sql error granting collection membership", "user_id", userId, "collection_id", collectionId, "level", level, "error", err)
			return schema.ErrDbAccessFailed
		}
	}
	return nil
}

// accessStillJustified reports whether some other research project role of
// the user still covers the collection.
func accessStillJustified(txn *gorm.DB, userId, collectionId, excludeProjectId uuid.UUID) (bool, error) {
	var count int64
	err := txn.Model(&schema.ResearchProjectRole{}).
		Joins("JOIN research_project_collections rpc ON rpc.project_id = research_project_roles.project_id").
		Where("research_project_roles.user_id = ? AND rpc.collection_id = ? AND research_project_roles.project_id <> ?",
			userId, collectionId, excludeProjectId).
		Count(&count).Error
	if err != nil {
		slog.Error("sql error in access justification check", "user_id", userId, "collection_id", collectionId, "error", err)
		return false, schema.ErrDbAccessFailed
	}
	return count > 0, nil
}

// basicStillJustified reports whether some other classification project role
// of the user still covers the collection.
func basicStillJustified(txn *gorm.DB, userId, collectionId, excludeProjectId uuid.UUID) (bool, error) {
	var count int64
	err := txn.Model(&schema.ClassificationProjectRole{}).
		Joins("JOIN classification_project_collections cpc ON cpc.project_id = classification_project_roles.project_id").
		Joins("JOIN research_project_collections rpc ON rpc.id = cpc.research_collection_id").
		Where("classification_project_roles.user_id = ? AND rpc.collection_id = ? AND classification_project_roles.project_id <> ?",
			userId, collectionId, excludeProjectId).
		Count(&count).Error
	if err != nil {
		slog.Error("sql error in basic justification check", "user_id", userId, "collection_id", collectionId, "error", err)
		return false, schema.ErrDbAccessFailed
	}
	return count > 0, nil
}

func revokeMembership(txn *gorm.DB, userId uuid.UUID, collectionId uuid.UUID, level int) error {
	err := txn.Delete(&schema.CollectionMember{UserId: userId, CollectionId: collectionId, Level: level}).Error
	if err != nil {
		slog.Error("sql error revoking collection membership", "user_id", userId, "collection_id", collectionId, "level", level, "error", err)
		return schema.ErrDbAccessFailed
	}
	return nil
}

// GrantResearchRole assigns a role in an approved research project and
// grants ACCESS membership on every collection the project links. A second
// grant for the same user changes the role name only.
func (s *Service) GrantResearchRole(projectId, userId uuid.UUID, roleName string) error {
	return s.db.Transaction(func(txn *gorm.DB) error {
		project, err := schema.GetResearchProject(projectId, txn)
		if err != nil {
			return err
		}
		if project.Status != schema.ProjectApproved {
			return ErrProjectNotApproved
		}
		if _, err := schema.GetUser(userId, txn); err != nil {
			return err
		}

		role := schema.ResearchProjectRole{
			ProjectId: projectId, UserId: userId,
			Name: roleName, DateCreated: time.Now().UTC(),
		}
		err = txn.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name"}),
		}).Create(&role).Error
		if err != nil {
			slog.Error("sql error granting research role", "project_id", projectId, "user_id", userId, "error", err)
			return schema.ErrDbAccessFailed
		}

		collectionIds, err := researchCollectionIds(txn, projectId)
		if err != nil {
			return err
		}
		return grantMembership(txn, userId, collectionIds, schema.LevelAccess)
	})
}

// RevokeResearchRole removes the role and every ACCESS membership the role
// justified, keeping memberships still covered by another project.
func (s *Service) RevokeResearchRole(projectId, userId uuid.UUID) error {
	return s.db.Transaction(func(txn *gorm.DB) error {
		result := txn.Delete(&schema.ResearchProjectRole{ProjectId: projectId, UserId: userId})
		if result.Error != nil {
			slog.Error("sql error revoking research role", "project_id", projectId, "user_id", userId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected == 0 {
			return ErrRoleNotFound
		}

		collectionIds, err := researchCollectionIds(txn, projectId)
		if err != nil {
			return err
		}
		for _, collectionId := range collectionIds {
			justified, err := accessStillJustified(txn, userId, collectionId, projectId)
			if err != nil {
				return err
			}
			if justified {
				continue
			}
			if err := revokeMembership(txn, userId, collectionId, schema.LevelAccess); err != nil {
				return err
			}
		}
		return nil
	})
}

// GrantClassificationRole assigns a role in a classification project and
// grants ACCESS_BASIC membership on the collections its bindings cover.
func (s *Service) GrantClassificationRole(projectId, userId uuid.UUID, roleName string) error {
	return s.db.Transaction(func(txn *gorm.DB) error {
		project, err := schema.GetClassificationProject(projectId, txn, false)
		if err != nil {
			return err
		}
		if project.IsDisabled() {
			return fmt.Errorf("classification project %v is disabled", projectId)
		}
		if _, err := schema.GetUser(userId, txn); err != nil {
			return err
		}

		role := schema.ClassificationProjectRole{
			ProjectId: projectId, UserId: userId,
			Name: roleName, DateCreated: time.Now().UTC(),
		}
		err = txn.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name"}),
		}).Create(&role).Error
		if err != nil {
			slog.Error("sql error granting classification role", "project_id", projectId, "user_id", userId, "error", err)
			return schema.ErrDbAccessFailed
		}

		collectionIds, err := classificationCollectionIds(txn, projectId)
		if err != nil {
			return err
		}
		return grantMembership(txn, userId, collectionIds, schema.LevelAccessBasic)
	})
}

func (s *Service) RevokeClassificationRole(projectId, userId uuid.UUID) error {
	return s.db.Transaction(func(txn *gorm.DB) error {
		result := txn.Delete(&schema.ClassificationProjectRole{ProjectId: projectId, UserId: userId})
		if result.Error != nil {
			slog.Error("sql error revoking classification role", "project_id", projectId, "user_id", userId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected == 0 {
			return ErrRoleNotFound
		}

		collectionIds, err := classificationCollectionIds(txn, projectId)
		if err != nil {
			return err
		}
		for _, collectionId := range collectionIds {
			justified, err := basicStillJustified(txn, userId, collectionId, projectId)
			if err != nil {
				return err
			}
			if justified {
				continue
			}
			if err := revokeMembership(txn, userId, collectionId, schema.LevelAccessBasic); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddProjectCollection links a collection into a research project and fans
// ACCESS membership out to every role holder.
func (s *Service) AddProjectCollection(projectId, collectionId uuid.UUID) error {
	return s.db.Transaction(func(txn *gorm.DB) error {
		project, err := schema.GetResearchProject(projectId, txn)
		if err != nil {
			return err
		}
		if project.Status != schema.ProjectApproved {
			return ErrProjectNotApproved
		}
		if _, err := schema.GetCollection(collectionId, txn, false); err != nil {
			return err
		}

		var existing int64
		err = txn.Model(&schema.ResearchProjectCollection{}).
			Where("project_id = ? AND collection_id = ?", projectId, collectionId).
			Count(&existing).Error
		if err != nil {
			slog.Error("sql error checking project collection link", "project_id", projectId, "collection_id", collectionId, "error", err)
			return schema.ErrDbAccessFailed
		}
		if existing > 0 {
			return ErrCollectionLinkExists
		}

		link := schema.ResearchProjectCollection{Id: uuid.New(), ProjectId: projectId, CollectionId: collectionId}
		if err := txn.Create(&link).Error; err != nil {
			slog.Error("sql error linking collection to project", "project_id", projectId, "collection_id", collectionId, "error", err)
			return schema.ErrDbAccessFailed
		}

		var userIds []uuid.UUID
		err = txn.Model(&schema.ResearchProjectRole{}).
			Where("project_id = ?", projectId).Pluck("user_id", &userIds).Error
		if err != nil {
			slog.Error("sql error listing project role holders", "project_id", projectId, "error", err)
			return schema.ErrDbAccessFailed
		}
		for _, userId := range userIds {
			if err := grantMembership(txn, userId, []uuid.UUID{collectionId}, schema.LevelAccess); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveProjectCollection unlinks a collection from a research project and
// withdraws no longer justified ACCESS memberships. Links referenced by a
// classification project binding cannot be removed.
func (s *Service) RemoveProjectCollection(projectId, collectionId uuid.UUID) error {
	return s.db.Transaction(func(txn *gorm.DB) error {
		var link schema.ResearchProjectCollection
		result := txn.First(&link, "project_id = ? AND collection_id = ?", projectId, collectionId)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return ErrCollectionNotLinked
			}
			slog.Error("sql error finding project collection link", "project_id", projectId, "collection_id", collectionId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		var bindings int64
		err := txn.Model(&schema.ClassificationProjectCollection{}).
			Where("research_collection_id = ?", link.Id).Count(&bindings).Error
		if err != nil {
			slog.Error("sql error checking classification bindings", "link_id", link.Id, "error", err)
			return schema.ErrDbAccessFailed
		}
		if bindings > 0 {
			return ErrCollectionInUse
		}

		if err := txn.Delete(&link).Error; err != nil {
			slog.Error("sql error unlinking collection from project", "project_id", projectId, "collection_id", collectionId, "error", err)
			return schema.ErrDbAccessFailed
		}

		var userIds []uuid.UUID
		err = txn.Model(&schema.ResearchProjectRole{}).
			Where("project_id = ?", projectId).Pluck("user_id", &userIds).Error
		if err != nil {
			slog.Error("sql error listing project role holders", "project_id", projectId, "error", err)
			return schema.ErrDbAccessFailed
		}
		for _, userId := range userIds {
			justified, err := accessStillJustified(txn, userId, collectionId, projectId)
			if err != nil {
				return err
			}
			if justified {
				continue
			}
			if err := revokeMembership(txn, userId, collectionId, schema.LevelAccess); err != nil {
				return err
			}
		}
		return nil
	})
}

// GrantBindingAccess fans ACCESS_BASIC membership out to every role holder
// of a classification project after a new collection binding is created.
// Called inside the binding transaction.
func GrantBindingAccess(txn *gorm.DB, projectId, collectionId uuid.UUID) error {
	var userIds []uuid.UUID
	err := txn.Model(&schema.ClassificationProjectRole{}).
		Where("project_id = ?", projectId).Pluck("user_id", &userIds).Error
	if err != nil {
		slog.Error("sql error listing classification role holders", "project_id", projectId, "error", err)
		return schema.ErrDbAccessFailed
	}
	for _, userId := range userIds {
		if err := grantMembership(txn, userId, []uuid.UUID{collectionId}, schema.LevelAccessBasic); err != nil {
			return err
		}
	}
	return nil
}
