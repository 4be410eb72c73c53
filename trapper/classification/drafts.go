package classification

import (
	"fmt"
	"log/slog"
	"time"
	"trapper/trapper/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SaveDraft validates the submitted attribute maps against the project's
// classificator and upserts the user's draft. The canonical classification
// row keeps its state; only updated_at/updated_by are touched.
func (s *Service) SaveDraft(user schema.User, classificationId uuid.UUID, static map[string]string, dynamic []map[string]string) (schema.UserClassification, error) {
	classification, err := schema.GetClassification(classificationId, s.db, false)
	if err != nil {
		return schema.UserClassification{}, err
	}
	project, err := schema.GetClassificationProject(classification.ProjectId, s.db, false)
	if err != nil {
		return schema.UserClassification{}, err
	}
	if !s.access.IsProjectExpert(user, project) {
		return schema.UserClassification{}, ErrPermissionDenied
	}

	fields, err := s.projectFormFields(project)
	if err != nil {
		return schema.UserClassification{}, err
	}
	cleanedStatic, errs := fields.ValidateStatic(static)
	if errs != nil {
		return schema.UserClassification{}, errs
	}
	cleanedDynamic, errs := fields.ValidateDynamic(dynamic)
	if errs != nil {
		return schema.UserClassification{}, errs
	}

	var draft schema.UserClassification
	err = s.db.Transaction(func(txn *gorm.DB) error {
		var saveErr error
		draft, saveErr = upsertDraft(txn, user.Id, classificationId, cleanedStatic, cleanedDynamic)
		return saveErr
	})
	if err != nil {
		return schema.UserClassification{}, err
	}

	return draft, nil
}

func upsertDraft(txn *gorm.DB, ownerId, classificationId uuid.UUID, static map[string]string, dynamic []map[string]string) (schema.UserClassification, error) {
	var draft schema.UserClassification
	result := txn.Where(schema.UserClassification{
		ClassificationId: classificationId, OwnerId: ownerId,
	}).Attrs(schema.UserClassification{Id: uuid.New()}).FirstOrCreate(&draft)
	if result.Error != nil {
		slog.Error("sql error upserting draft", "classification_id", classificationId, "owner_id", ownerId, "error", result.Error)
		return draft, schema.ErrDbAccessFailed
	}

	draft.StaticAttrs = mapToAttrs(static)
	if err := txn.Save(&draft).Error; err != nil {
		slog.Error("sql error saving draft attrs", "draft_id", draft.Id, "error", err)
		return draft, schema.ErrDbAccessFailed
	}

	err := txn.Delete(&schema.UserClassificationDynamicAttrs{}, "user_classification_id = ?", draft.Id).Error
	if err != nil {
		slog.Error("sql error clearing draft dynamic rows", "draft_id", draft.Id, "error", err)
		return draft, schema.ErrDbAccessFailed
	}
	for _, row := range dynamic {
		child := schema.UserClassificationDynamicAttrs{
			Id: uuid.New(), UserClassificationId: draft.Id, Attrs: mapToAttrs(row),
		}
		if err := txn.Create(&child).Error; err != nil {
			slog.Error("sql error saving draft dynamic row", "draft_id", draft.Id, "error", err)
			return draft, schema.ErrDbAccessFailed
		}
	}

	now := time.Now().UTC()
	err = txn.Model(&schema.Classification{}).Where("id = ?", classificationId).
		Updates(map[string]interface{}{"updated_at": now, "updated_by_id": ownerId}).Error
	if err != nil {
		slog.Error("sql error touching classification", "classification_id", classificationId, "error", err)
		return draft, schema.ErrDbAccessFailed
	}

	return draft, nil
}

// Approve promotes a draft: the classification becomes APPROVED with a
// bit-exact snapshot of the draft's static and dynamic attributes.
// Re-approving with a different draft overwrites the previous approval.
func (s *Service) Approve(admin schema.User, userClassificationId uuid.UUID) error {
	draft, err := schema.GetUserClassification(userClassificationId, s.db, true)
	if err != nil {
		return err
	}
	classification, err := schema.GetClassification(draft.ClassificationId, s.db, false)
	if err != nil {
		return err
	}
	if !s.access.CanApproveClassification(admin, classification) {
		return ErrPermissionDenied
	}

	return s.db.Transaction(func(txn *gorm.DB) error {
		return approveDraft(txn, admin.Id, draft)
	})
}

func approveDraft(txn *gorm.DB, adminId uuid.UUID, draft schema.UserClassification) error {
	err := txn.Delete(&schema.ClassificationDynamicAttrs{}, "classification_id = ?", draft.ClassificationId).Error
	if err != nil {
		slog.Error("sql error clearing classification dynamic rows", "classification_id", draft.ClassificationId, "error", err)
		return schema.ErrDbAccessFailed
	}
	for _, row := range draft.DynamicAttrs {
		child := schema.ClassificationDynamicAttrs{
			Id: uuid.New(), ClassificationId: draft.ClassificationId, Attrs: row.Attrs,
		}
		if err := txn.Create(&child).Error; err != nil {
			slog.Error("sql error copying dynamic row", "classification_id", draft.ClassificationId, "error", err)
			return schema.ErrDbAccessFailed
		}
	}

	now := time.Now().UTC()
	err = txn.Model(&schema.Classification{}).Where("id = ?", draft.ClassificationId).
		Updates(map[string]interface{}{
			"status":             schema.ClassificationApproved,
			"static_attrs":       draft.StaticAttrs,
			"approved_source_id": draft.Id,
			"approved_by_id":     adminId,
			"approved_at":        now,
			"updated_by_id":      adminId,
			"updated_at":         now,
		}).Error
	if err != nil {
		slog.Error("sql error approving classification", "classification_id", draft.ClassificationId, "error", err)
		return schema.ErrDbAccessFailed
	}
	return nil
}

// Clear resets an approved classification to its initial state; an
// unapproved one is physically deleted together with its drafts.
func (s *Service) Clear(user schema.User, classificationId uuid.UUID) error {
	classification, err := schema.GetClassification(classificationId, s.db, false)
	if err != nil {
		return err
	}
	if !s.access.CanApproveClassification(user, classification) {
		return ErrPermissionDenied
	}

	return s.db.Transaction(func(txn *gorm.DB) error {
		return clearClassification(txn, user.Id, classification)
	})
}

func clearClassification(txn *gorm.DB, userId uuid.UUID, classification schema.Classification) error {
	err := txn.Delete(&schema.ClassificationDynamicAttrs{}, "classification_id = ?", classification.Id).Error
	if err != nil {
		slog.Error("sql error clearing dynamic rows", "classification_id", classification.Id, "error", err)
		return schema.ErrDbAccessFailed
	}

	if classification.IsApproved() {
		err = txn.Model(&schema.Classification{}).Where("id = ?", classification.Id).
			Updates(map[string]interface{}{
				"status":             schema.ClassificationRejected,
				"static_attrs":       nil,
				"approved_source_id": nil,
				"approved_by_id":     nil,
				"approved_at":        nil,
				"updated_by_id":      userId,
				"updated_at":         time.Now().UTC(),
			}).Error
		if err != nil {
			slog.Error("sql error soft clearing classification", "classification_id", classification.Id, "error", err)
			return schema.ErrDbAccessFailed
		}
		return nil
	}

	var draftIds []uuid.UUID
	err = txn.Model(&schema.UserClassification{}).
		Where("classification_id = ?", classification.Id).Pluck("id", &draftIds).Error
	if err != nil {
		slog.Error("sql error listing drafts", "classification_id", classification.Id, "error", err)
		return schema.ErrDbAccessFailed
	}
	if len(draftIds) > 0 {
		err = txn.Delete(&schema.UserClassificationDynamicAttrs{}, "user_classification_id IN ?", draftIds).Error
		if err != nil {
			slog.Error("sql error deleting draft dynamic rows", "classification_id", classification.Id, "error", err)
			return schema.ErrDbAccessFailed
		}
		err = txn.Delete(&schema.UserClassification{}, "id IN ?", draftIds).Error
		if err != nil {
			slog.Error("sql error deleting drafts", "classification_id", classification.Id, "error", err)
			return schema.ErrDbAccessFailed
		}
	}

	if err := txn.Delete(&schema.Classification{Id: classification.Id}).Error; err != nil {
		slog.Error("sql error deleting classification", "classification_id", classification.Id, "error", err)
		return schema.ErrDbAccessFailed
	}
	return nil
}

// BulkFailure records one failed row of a bulk operation.
type BulkFailure struct {
	Id    uuid.UUID
	Error string
}

// BulkResult partitions a bulk operation into succeeded and failed rows.
type BulkResult struct {
	Succeeded int
	Failed    []BulkFailure
}

func (r BulkResult) Summary() string {
	return fmt.Sprintf("%d succeeded, %d failed", r.Succeeded, len(r.Failed))
}

// BulkApprove approves a set of drafts. Each row is atomic on its own;
// failures do not abort the rest.
func (s *Service) BulkApprove(admin schema.User, draftIds []uuid.UUID) BulkResult {
	result := BulkResult{}
	for _, draftId := range draftIds {
		if err := s.Approve(admin, draftId); err != nil {
			result.Failed = append(result.Failed, BulkFailure{Id: draftId, Error: err.Error()})
			continue
		}
		result.Succeeded++
	}
	return result
}

// BulkClear clears a set of classifications, per-row atomic.
func (s *Service) BulkClear(user schema.User, classificationIds []uuid.UUID) BulkResult {
	result := BulkResult{}
	for _, classificationId := range classificationIds {
		if err := s.Clear(user, classificationId); err != nil {
			result.Failed = append(result.Failed, BulkFailure{Id: classificationId, Error: err.Error()})
			continue
		}
		result.Succeeded++
	}
	return result
}

// ClassifyMultiple copies a validated draft onto other resources of the same
// collection binding. With approveMultiple set and admin rights, each copy
// is approved immediately.
func (s *Service) ClassifyMultiple(user schema.User, sourceClassificationId uuid.UUID, static map[string]string, dynamic []map[string]string, targetResourceIds []uuid.UUID, approveMultiple bool) (BulkResult, error) {
	source, err := schema.GetClassification(sourceClassificationId, s.db, false)
	if err != nil {
		return BulkResult{}, err
	}
	project, err := schema.GetClassificationProject(source.ProjectId, s.db, false)
	if err != nil {
		return BulkResult{}, err
	}
	if !s.access.IsProjectExpert(user, project) {
		return BulkResult{}, ErrPermissionDenied
	}
	if approveMultiple && !s.access.IsProjectAdmin(user, project) {
		return BulkResult{}, ErrPermissionDenied
	}

	fields, err := s.projectFormFields(project)
	if err != nil {
		return BulkResult{}, err
	}
	cleanedStatic, errs := fields.ValidateStatic(static)
	if errs != nil {
		return BulkResult{}, errs
	}
	cleanedDynamic, errs := fields.ValidateDynamic(dynamic)
	if errs != nil {
		return BulkResult{}, errs
	}

	targets := append([]uuid.UUID{source.ResourceId}, targetResourceIds...)

	result := BulkResult{}
	for _, resourceId := range targets {
		err := s.db.Transaction(func(txn *gorm.DB) error {
			var target schema.Classification
			findErr := txn.First(&target, "resource_id = ? AND collection_id = ?", resourceId, source.CollectionId).Error
			if findErr != nil {
				return ErrResourceNotInBinding
			}

			draft, saveErr := upsertDraft(txn, user.Id, target.Id, cleanedStatic, cleanedDynamic)
			if saveErr != nil {
				return saveErr
			}

			if approveMultiple {
				loaded, loadErr := schema.GetUserClassification(draft.Id, txn, true)
				if loadErr != nil {
					return loadErr
				}
				return approveDraft(txn, user.Id, loaded)
			}
			return nil
		})
		if err != nil {
			result.Failed = append(result.Failed, BulkFailure{Id: resourceId, Error: err.Error()})
			continue
		}
		result.Succeeded++
	}

	return result, nil
}
