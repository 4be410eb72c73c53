package classification

import (
	"log/slog"
	"trapper/trapper/access"
	"trapper/trapper/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BindCollection attaches a research project collection to a classification
// project and eagerly materializes one REJECTED classification per resource.
func (s *Service) BindCollection(user schema.User, projectId, researchCollectionId uuid.UUID, sequencingExperts, crowdsourcing bool) (schema.ClassificationProjectCollection, error) {
	var binding schema.ClassificationProjectCollection

	err := s.db.Transaction(func(txn *gorm.DB) error {
		project, err := schema.GetClassificationProject(projectId, txn, false)
		if err != nil {
			return err
		}
		if !s.access.IsProjectAdmin(user, project) {
			return ErrPermissionDenied
		}

		var link schema.ResearchProjectCollection
		if err := txn.First(&link, "id = ?", researchCollectionId).Error; err != nil {
			slog.Error("sql error loading research collection link", "link_id", researchCollectionId, "error", err)
			return schema.ErrProjectCollectionNotFound
		}

		binding = schema.ClassificationProjectCollection{
			Id:                      uuid.New(),
			ProjectId:               projectId,
			ResearchCollectionId:    researchCollectionId,
			IsActive:                true,
			EnableSequencingExperts: sequencingExperts,
			EnableCrowdsourcing:     crowdsourcing,
		}
		if err := txn.Create(&binding).Error; err != nil {
			slog.Error("sql error creating collection binding", "project_id", projectId, "error", err)
			return schema.ErrDbAccessFailed
		}

		if err := access.GrantBindingAccess(txn, projectId, link.CollectionId); err != nil {
			return err
		}

		_, err = rebuildClassifications(txn, binding)
		return err
	})
	if err != nil {
		return schema.ClassificationProjectCollection{}, err
	}

	return binding, nil
}

// RebuildClassifications creates missing classification rows for every
// resource currently in the binding's collection. Rows for removed resources
// stay behind; GetOrphanedResources finds them.
func (s *Service) RebuildClassifications(bindingId uuid.UUID) (int, error) {
	var created int
	err := s.db.Transaction(func(txn *gorm.DB) error {
		binding, err := schema.GetProjectCollection(bindingId, txn)
		if err != nil {
			return err
		}
		created, err = rebuildClassifications(txn, binding)
		return err
	})
	return created, err
}

func rebuildClassifications(txn *gorm.DB, binding schema.ClassificationProjectCollection) (int, error) {
	var link schema.ResearchProjectCollection
	if err := txn.First(&link, "id = ?", binding.ResearchCollectionId).Error; err != nil {
		slog.Error("sql error loading research collection link", "link_id", binding.ResearchCollectionId, "error", err)
		return 0, schema.ErrDbAccessFailed
	}

	var resourceIds []uuid.UUID
	err := txn.Table("collection_resources").
		Where("collection_id = ?", link.CollectionId).
		Pluck("resource_id", &resourceIds).Error
	if err != nil {
		slog.Error("sql error listing collection resources", "collection_id", link.CollectionId, "error", err)
		return 0, schema.ErrDbAccessFailed
	}

	var existing []uuid.UUID
	err = txn.Model(&schema.Classification{}).
		Where("collection_id = ?", binding.Id).
		Pluck("resource_id", &existing).Error
	if err != nil {
		slog.Error("sql error listing existing classifications", "binding_id", binding.Id, "error", err)
		return 0, schema.ErrDbAccessFailed
	}
	existingSet := make(map[uuid.UUID]struct{}, len(existing))
	for _, id := range existing {
		existingSet[id] = struct{}{}
	}

	var missing []schema.Classification
	for _, resourceId := range resourceIds {
		if _, ok := existingSet[resourceId]; ok {
			continue
		}
		missing = append(missing, schema.Classification{
			Id:           uuid.New(),
			ResourceId:   resourceId,
			ProjectId:    binding.ProjectId,
			CollectionId: binding.Id,
			Status:       schema.ClassificationRejected,
		})
	}
	if len(missing) == 0 {
		return 0, nil
	}

	if err := txn.CreateInBatches(missing, 500).Error; err != nil {
		slog.Error("sql error materializing classifications", "binding_id", binding.Id, "error", err)
		return 0, schema.ErrDbAccessFailed
	}
	return len(missing), nil
}

// GetOrphanedResources lists classifications in a binding whose resource was
// since removed from the underlying collection.
func (s *Service) GetOrphanedResources(bindingId uuid.UUID) ([]schema.Classification, error) {
	binding, err := schema.GetProjectCollection(bindingId, s.db)
	if err != nil {
		return nil, err
	}

	inCollection := s.db.Table("collection_resources").
		Select("resource_id").
		Where("collection_id = ?", binding.ResearchCollection.CollectionId)

	var orphans []schema.Classification
	err = s.db.
		Where("collection_id = ? AND resource_id NOT IN (?)", bindingId, inCollection).
		Find(&orphans).Error
	if err != nil {
		slog.Error("sql error listing orphaned classifications", "binding_id", bindingId, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return orphans, nil
}
