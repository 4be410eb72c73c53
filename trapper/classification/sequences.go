package classification

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"trapper/trapper/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (s *Service) canSequence(user schema.User, binding schema.ClassificationProjectCollection) bool {
	project, err := schema.GetClassificationProject(binding.ProjectId, s.db, false)
	if err != nil {
		return false
	}
	if s.access.IsProjectAdmin(user, project) {
		return true
	}
	return binding.EnableSequencingExperts && s.access.IsProjectExpert(user, project)
}

// CreateSequence groups the given resources into a new manual sequence.
// Every resource must belong to the binding's collection and to no other
// sequence of the binding. The per-binding sequence number is assigned as
// max+1 inside the transaction.
func (s *Service) CreateSequence(user schema.User, bindingId uuid.UUID, resourceIds []uuid.UUID, description string) (schema.Sequence, error) {
	var sequence schema.Sequence

	err := s.db.Transaction(func(txn *gorm.DB) error {
		binding, err := schema.GetProjectCollection(bindingId, txn)
		if err != nil {
			return err
		}
		if !s.canSequence(user, binding) {
			if !binding.EnableSequencingExperts {
				return ErrSequencingDisabled
			}
			return ErrPermissionDenied
		}

		for _, resourceId := range resourceIds {
			var inCollection int64
			err := txn.Table("collection_resources").
				Where("collection_id = ? AND resource_id = ?", binding.ResearchCollection.CollectionId, resourceId).
				Count(&inCollection).Error
			if err != nil {
				slog.Error("sql error checking resource membership", "resource_id", resourceId, "error", err)
				return schema.ErrDbAccessFailed
			}
			if inCollection == 0 {
				return fmt.Errorf("%w: %v", ErrResourceNotInBinding, resourceId)
			}

			var taken int64
			err = txn.Model(&schema.SequenceResource{}).
				Joins("JOIN sequences ON sequences.id = sequence_resources.sequence_id").
				Where("sequences.collection_id = ? AND sequence_resources.resource_id = ?", bindingId, resourceId).
				Count(&taken).Error
			if err != nil {
				slog.Error("sql error checking sequence membership", "resource_id", resourceId, "error", err)
				return schema.ErrDbAccessFailed
			}
			if taken > 0 {
				return fmt.Errorf("%w: %v", ErrResourceAlreadyInSeq, resourceId)
			}
		}

		sequence, err = insertSequence(txn, bindingId, user.Id, resourceIds, description)
		return err
	})
	if err != nil {
		return schema.Sequence{}, err
	}

	return sequence, nil
}

func insertSequence(txn *gorm.DB, bindingId, createdById uuid.UUID, resourceIds []uuid.UUID, description string) (schema.Sequence, error) {
	var maxSeq int
	err := txn.Model(&schema.Sequence{}).
		Where("collection_id = ?", bindingId).
		Select("COALESCE(MAX(sequence_id), 0)").Scan(&maxSeq).Error
	if err != nil {
		slog.Error("sql error finding max sequence id", "binding_id", bindingId, "error", err)
		return schema.Sequence{}, schema.ErrDbAccessFailed
	}

	sequence := schema.Sequence{
		Id:           uuid.New(),
		SequenceID:   maxSeq + 1,
		CollectionId: bindingId,
		Description:  description,
		CreatedById:  createdById,
		CreatedAt:    time.Now().UTC(),
	}
	if err := txn.Create(&sequence).Error; err != nil {
		slog.Error("sql error creating sequence", "binding_id", bindingId, "error", err)
		return schema.Sequence{}, schema.ErrDbAccessFailed
	}

	for _, resourceId := range resourceIds {
		link := schema.SequenceResource{SequenceId: sequence.Id, ResourceId: resourceId}
		if err := txn.Create(&link).Error; err != nil {
			slog.Error("sql error linking sequence resource", "sequence_id", sequence.Id, "error", err)
			return schema.Sequence{}, schema.ErrDbAccessFailed
		}
	}

	err = txn.Model(&schema.Classification{}).
		Where("collection_id = ? AND resource_id IN ?", bindingId, resourceIds).
		Update("sequence_id", sequence.Id).Error
	if err != nil {
		slog.Error("sql error updating classification sequence pointers", "sequence_id", sequence.Id, "error", err)
		return schema.Sequence{}, schema.ErrDbAccessFailed
	}

	return sequence, nil
}

type sequenceCandidate struct {
	ResourceId   uuid.UUID
	DeploymentId *uuid.UUID
	Recorded     time.Time
}

// BuildSequences runs the automatic grouping over the given bindings:
// resources sorted by date_recorded form a sequence wherever consecutive
// gaps stay within delta; runs of a single resource are dropped. Returns a
// human readable log, one line per binding.
func (s *Service) BuildSequences(user schema.User, bindingIds []uuid.UUID, delta time.Duration, byDeployment, overwrite bool) (string, error) {
	var lines []string

	for _, bindingId := range bindingIds {
		created, err := s.buildBindingSequences(user, bindingId, delta, byDeployment, overwrite)
		if err != nil {
			lines = append(lines, fmt.Sprintf("collection %v: %v", bindingId, err))
			continue
		}
		lines = append(lines, fmt.Sprintf("collection %v: %d sequences created", bindingId, created))
	}

	return strings.Join(lines, "\n"), nil
}

func (s *Service) buildBindingSequences(user schema.User, bindingId uuid.UUID, delta time.Duration, byDeployment, overwrite bool) (int, error) {
	var created int

	err := s.db.Transaction(func(txn *gorm.DB) error {
		binding, err := schema.GetProjectCollection(bindingId, txn)
		if err != nil {
			return err
		}
		if !s.canSequence(user, binding) {
			return ErrPermissionDenied
		}

		if overwrite {
			if err := dropBindingSequences(txn, bindingId); err != nil {
				return err
			}
		}

		var candidates []sequenceCandidate
		err = txn.Table("collection_resources cr").
			Select("r.id AS resource_id, r.deployment_id, r.date_recorded AS recorded").
			Joins("JOIN resources r ON r.id = cr.resource_id").
			Where("cr.collection_id = ?", binding.ResearchCollection.CollectionId).
			Scan(&candidates).Error
		if err != nil {
			slog.Error("sql error loading sequence candidates", "binding_id", bindingId, "error", err)
			return schema.ErrDbAccessFailed
		}

		// resources already sequenced stay untouched unless overwriting
		var taken []uuid.UUID
		err = txn.Model(&schema.SequenceResource{}).
			Joins("JOIN sequences ON sequences.id = sequence_resources.sequence_id").
			Where("sequences.collection_id = ?", bindingId).
			Pluck("sequence_resources.resource_id", &taken).Error
		if err != nil {
			slog.Error("sql error listing sequenced resources", "binding_id", bindingId, "error", err)
			return schema.ErrDbAccessFailed
		}
		takenSet := make(map[uuid.UUID]struct{}, len(taken))
		for _, id := range taken {
			takenSet[id] = struct{}{}
		}
		free := candidates[:0]
		for _, candidate := range candidates {
			if _, ok := takenSet[candidate.ResourceId]; !ok {
				free = append(free, candidate)
			}
		}

		partitions := map[uuid.UUID][]sequenceCandidate{}
		if byDeployment {
			for _, candidate := range free {
				key := uuid.Nil
				if candidate.DeploymentId != nil {
					key = *candidate.DeploymentId
				}
				partitions[key] = append(partitions[key], candidate)
			}
		} else {
			partitions[uuid.Nil] = free
		}

		for _, partition := range partitions {
			sort.Slice(partition, func(i, j int) bool {
				return partition[i].Recorded.Before(partition[j].Recorded)
			})

			run := []uuid.UUID{}
			var last time.Time
			flush := func() error {
				if len(run) >= 2 {
					if _, err := insertSequence(txn, bindingId, user.Id, run, ""); err != nil {
						return err
					}
					created++
				}
				run = nil
				return nil
			}

			for _, candidate := range partition {
				if len(run) > 0 && candidate.Recorded.Sub(last) > delta {
					if err := flush(); err != nil {
						return err
					}
				}
				run = append(run, candidate.ResourceId)
				last = candidate.Recorded
			}
			if err := flush(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return created, nil
}

func dropBindingSequences(txn *gorm.DB, bindingId uuid.UUID) error {
	var sequenceIds []uuid.UUID
	err := txn.Model(&schema.Sequence{}).
		Where("collection_id = ?", bindingId).Pluck("id", &sequenceIds).Error
	if err != nil {
		slog.Error("sql error listing sequences", "binding_id", bindingId, "error", err)
		return schema.ErrDbAccessFailed
	}
	if len(sequenceIds) == 0 {
		return nil
	}

	err = txn.Model(&schema.Classification{}).
		Where("collection_id = ?", bindingId).Update("sequence_id", nil).Error
	if err != nil {
		slog.Error("sql error clearing classification sequence pointers", "binding_id", bindingId, "error", err)
		return schema.ErrDbAccessFailed
	}
	err = txn.Delete(&schema.SequenceResource{}, "sequence_id IN ?", sequenceIds).Error
	if err != nil {
		slog.Error("sql error deleting sequence resources", "binding_id", bindingId, "error", err)
		return schema.ErrDbAccessFailed
	}
	if err := txn.Delete(&schema.Sequence{}, "id IN ?", sequenceIds).Error; err != nil {
		slog.Error("sql error deleting sequences", "binding_id", bindingId, "error", err)
		return schema.ErrDbAccessFailed
	}
	return nil
}
