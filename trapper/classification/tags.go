package classification

import (
	"fmt"
	"log/slog"
	"trapper/trapper/schema"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateTags turns the values of chosen attributes of approved
// classifications into resource tags. Task compatible: returns a log line.
func (s *Service) CreateTags(user schema.User, projectId uuid.UUID, attrNames []string) (string, error) {
	project, err := schema.GetClassificationProject(projectId, s.db, false)
	if err != nil {
		return "", err
	}
	if !s.access.IsProjectAdmin(user, project) {
		return "", ErrPermissionDenied
	}

	var classifications []schema.Classification
	err = s.db.Preload("DynamicAttrs").
		Find(&classifications, "project_id = ? AND status = ?", projectId, schema.ClassificationApproved).Error
	if err != nil {
		slog.Error("sql error loading approved classifications", "project_id", projectId, "error", err)
		return "", schema.ErrDbAccessFailed
	}

	created := 0
	err = s.db.Transaction(func(txn *gorm.DB) error {
		for _, classification := range classifications {
			values := []string{}
			static := attrsToMap(classification.StaticAttrs)
			for _, name := range attrNames {
				if value, ok := static[name]; ok && value != "" {
					values = append(values, value)
				}
			}
			for _, row := range classification.DynamicAttrs {
				attrs := attrsToMap(row.Attrs)
				for _, name := range attrNames {
					if value, ok := attrs[name]; ok && value != "" {
						values = append(values, value)
					}
				}
			}

			for _, value := range lo.Uniq(values) {
				tag := schema.ResourceTag{ResourceId: classification.ResourceId, Name: value}
				result := txn.Clauses(clause.OnConflict{DoNothing: true}).Create(&tag)
				if result.Error != nil {
					slog.Error("sql error creating resource tag", "resource_id", classification.ResourceId, "error", result.Error)
					return schema.ErrDbAccessFailed
				}
				created += int(result.RowsAffected)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("Created %d tags from %d classifications.", created, len(classifications)), nil
}
