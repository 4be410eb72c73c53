package classification

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"trapper/trapper/classificator"
	"trapper/trapper/schema"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

type stagedImport struct {
	classificationId uuid.UUID
	static           map[string]string
	dynamic          []map[string]string
}

// ImportClassifications ingests a results style CSV: one or more rows per
// classification id, static columns repeated, dynamic columns contributing
// one dynamic row each. Valid rows are staged as drafts of the submitter and
// committed in one transaction; with approveAll each is approved as well.
// Rows failing validation are excluded and reported in the returned log.
func (s *Service) ImportClassifications(user schema.User, projectId uuid.UUID, csvData []byte, approveAll bool) (string, error) {
	project, err := schema.GetClassificationProject(projectId, s.db, false)
	if err != nil {
		return "", err
	}
	if !s.access.IsProjectExpert(user, project) {
		return "", ErrPermissionDenied
	}
	if approveAll && !s.access.IsProjectAdmin(user, project) {
		return "", ErrPermissionDenied
	}

	fields, err := s.projectFormFields(project)
	if err != nil {
		return "", err
	}
	if project.ClassificatorId == nil {
		return "", ErrNoClassificator
	}
	c, err := schema.GetClassificator(*project.ClassificatorId, s.db)
	if err != nil {
		return "", err
	}
	staticNames := classificator.GetStaticAttrsOrder(c)
	dynamicNames := classificator.GetDynamicAttrsOrder(c)

	reader := csv.NewReader(bytes.NewReader(csvData))
	header, err := reader.Read()
	if err != nil {
		return "", fmt.Errorf("error reading csv header: %w", err)
	}
	if len(header) == 0 || header[0] != "id" {
		return "", fmt.Errorf("csv must start with an id column")
	}
	for _, column := range header[1:] {
		if !lo.Contains(staticNames, column) && !lo.Contains(dynamicNames, column) {
			return "", fmt.Errorf("unknown column %v", column)
		}
	}

	type group struct {
		static  map[string]string
		dynamic []map[string]string
	}
	groups := map[string]*group{}
	order := []string{}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("error reading csv row: %w", err)
		}

		id := record[0]
		g, ok := groups[id]
		if !ok {
			g = &group{static: map[string]string{}}
			groups[id] = g
			order = append(order, id)
		}

		dynamicRow := map[string]string{}
		hasDynamic := false
		for i, column := range header[1:] {
			value := ""
			if i+1 < len(record) {
				value = record[i+1]
			}
			if lo.Contains(staticNames, column) {
				if value != "" {
					g.static[column] = value
				}
				continue
			}
			if value != "" {
				hasDynamic = true
			}
			dynamicRow[column] = value
		}
		if hasDynamic {
			g.dynamic = append(g.dynamic, dynamicRow)
		}
	}

	var staged []stagedImport
	var errorLines []string

	for _, id := range order {
		g := groups[id]

		classificationId, err := uuid.Parse(id)
		if err != nil {
			errorLines = append(errorLines, fmt.Sprintf("%v: not a valid classification id", id))
			continue
		}

		var target schema.Classification
		result := s.db.First(&target, "id = ? AND project_id = ?", classificationId, projectId)
		if result.Error != nil {
			errorLines = append(errorLines, fmt.Sprintf("%v: %v", id, ErrClassificationMissing))
			continue
		}

		cleanedStatic, ferrs := fields.ValidateStatic(g.static)
		if ferrs != nil {
			errorLines = append(errorLines, fmt.Sprintf("%v: %v", id, strings.ReplaceAll(ferrs.Error(), "\n", "; ")))
			continue
		}
		cleanedDynamic, ferrs := fields.ValidateDynamic(g.dynamic)
		if ferrs != nil {
			errorLines = append(errorLines, fmt.Sprintf("%v: %v", id, strings.ReplaceAll(ferrs.Error(), "\n", "; ")))
			continue
		}

		staged = append(staged, stagedImport{
			classificationId: classificationId,
			static:           cleanedStatic,
			dynamic:          cleanedDynamic,
		})
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		affected := make([]uuid.UUID, 0, len(staged))
		for _, row := range staged {
			affected = append(affected, row.classificationId)
		}
		if len(affected) > 0 {
			var oldDraftIds []uuid.UUID
			err := txn.Model(&schema.UserClassification{}).
				Where("owner_id = ? AND classification_id IN ?", user.Id, affected).
				Pluck("id", &oldDraftIds).Error
			if err != nil {
				slog.Error("sql error listing old drafts", "user_id", user.Id, "error", err)
				return schema.ErrDbAccessFailed
			}
			if len(oldDraftIds) > 0 {
				err = txn.Delete(&schema.UserClassificationDynamicAttrs{}, "user_classification_id IN ?", oldDraftIds).Error
				if err != nil {
					slog.Error("sql error deleting old draft dynamic rows", "user_id", user.Id, "error", err)
					return schema.ErrDbAccessFailed
				}
				if err := txn.Delete(&schema.UserClassification{}, "id IN ?", oldDraftIds).Error; err != nil {
					slog.Error("sql error deleting old drafts", "user_id", user.Id, "error", err)
					return schema.ErrDbAccessFailed
				}
			}
		}

		for _, row := range staged {
			draft := schema.UserClassification{
				Id:               uuid.New(),
				ClassificationId: row.classificationId,
				OwnerId:          user.Id,
				StaticAttrs:      mapToAttrs(row.static),
			}
			if err := txn.Create(&draft).Error; err != nil {
				slog.Error("sql error staging import draft", "classification_id", row.classificationId, "error", err)
				return schema.ErrDbAccessFailed
			}
			for _, dynamicRow := range row.dynamic {
				child := schema.UserClassificationDynamicAttrs{
					Id: uuid.New(), UserClassificationId: draft.Id, Attrs: mapToAttrs(dynamicRow),
				}
				if err := txn.Create(&child).Error; err != nil {
					slog.Error("sql error staging import dynamic row", "draft_id", draft.Id, "error", err)
					return schema.ErrDbAccessFailed
				}
			}

			if approveAll {
				loaded, err := schema.GetUserClassification(draft.Id, txn, true)
				if err != nil {
					return err
				}
				if err := approveDraft(txn, user.Id, loaded); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	log := fmt.Sprintf("Imported %d of %d classifications.", len(staged), len(order))
	if len(errorLines) > 0 {
		log += "\n" + strings.Join(errorLines, "\n")
	}
	return log, nil
}
