package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"time"
	"trapper/trapper/access"
	"trapper/trapper/classificator"
	"trapper/trapper/schema"
	"trapper/trapper/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Service struct {
	db             *gorm.DB
	access         *access.Service
	storage        storage.Storage
	classificators *classificator.Service

	// Total size cap for generated data packages, in bytes.
	MaxPackageSize int64
}

const DefaultMaxPackageSize = 1 << 30

func NewService(db *gorm.DB, acl *access.Service, store storage.Storage, classificators *classificator.Service) *Service {
	return &Service{
		db: db, access: acl, storage: store, classificators: classificators,
		MaxPackageSize: DefaultMaxPackageSize,
	}
}

// resultRow is one classification joined with its resource context. A
// classification with dynamic children contributes one CSV row per child.
type resultRow struct {
	classification schema.Classification
	resourceName   string
	resourceType   string
	dateRecorded   time.Time
	deploymentID   string
	sequenceID     string
}

func (s *Service) loadResultRows(projectId uuid.UUID) ([]resultRow, error) {
	var classifications []schema.Classification
	err := s.db.Preload("DynamicAttrs").
		Find(&classifications, "project_id = ?", projectId).Error
	if err != nil {
		slog.Error("sql error loading project classifications", "project_id", projectId, "error", err)
		return nil, schema.ErrDbAccessFailed
	}

	resourceIds := make([]uuid.UUID, 0, len(classifications))
	for _, c := range classifications {
		resourceIds = append(resourceIds, c.ResourceId)
	}
	var resources []schema.Resource
	if len(resourceIds) > 0 {
		err = s.db.Preload("Deployment").Find(&resources, "id IN ?", resourceIds).Error
		if err != nil {
			slog.Error("sql error loading classified resources", "project_id", projectId, "error", err)
			return nil, schema.ErrDbAccessFailed
		}
	}
	resourceById := make(map[uuid.UUID]schema.Resource, len(resources))
	for _, resource := range resources {
		resourceById[resource.Id] = resource
	}

	var sequences []schema.Sequence
	err = s.db.Joins("JOIN classification_project_collections b ON b.id = sequences.collection_id").
		Find(&sequences, "b.project_id = ?", projectId).Error
	if err != nil {
		slog.Error("sql error loading project sequences", "project_id", projectId, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	sequenceById := make(map[uuid.UUID]schema.Sequence, len(sequences))
	for _, sequence := range sequences {
		sequenceById[sequence.Id] = sequence
	}

	rows := make([]resultRow, 0, len(classifications))
	for _, c := range classifications {
		resource := resourceById[c.ResourceId]
		row := resultRow{
			classification: c,
			resourceName:   resource.Name,
			resourceType:   resource.ResourceType,
			dateRecorded:   resource.DateRecorded,
		}
		if resource.Deployment != nil {
			row.deploymentID = resource.Deployment.DeploymentID
		}
		if c.SequenceId != nil {
			if sequence, ok := sequenceById[*c.SequenceId]; ok {
				row.sequenceID = strconv.Itoa(sequence.SequenceID)
			}
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].deploymentID != rows[j].deploymentID {
			return rows[i].deploymentID < rows[j].deploymentID
		}
		return rows[i].resourceName < rows[j].resourceName
	})
	return rows, nil
}

// WriteResults streams the classification results CSV for a project: one
// row per dynamic attr row, or a single row for classifications without
// dynamic data.
func (s *Service) WriteResults(w io.Writer, projectId uuid.UUID) error {
	project, err := schema.GetClassificationProject(projectId, s.db, true)
	if err != nil {
		return err
	}
	if project.Classificator == nil {
		return ErrNoClassificator
	}
	staticNames := classificator.GetStaticAttrsOrder(*project.Classificator)
	dynamicNames := classificator.GetDynamicAttrsOrder(*project.Classificator)

	rows, err := s.loadResultRows(projectId)
	if err != nil {
		return err
	}

	writer := csv.NewWriter(w)
	header := []string{"id", "resource_id", "deployment_id", "name", "resource_type", "date_recorded", "sequence_id"}
	header = append(header, staticNames...)
	header = append(header, dynamicNames...)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("error writing csv header: %w", err)
	}

	for _, row := range rows {
		base := []string{
			row.classification.Id.String(),
			row.classification.ResourceId.String(),
			row.deploymentID,
			row.resourceName,
			row.resourceType,
			row.dateRecorded.UTC().Format(time.RFC3339),
			row.sequenceID,
		}
		for _, name := range staticNames {
			base = append(base, attrValue(row.classification.StaticAttrs, name))
		}

		if len(row.classification.DynamicAttrs) == 0 {
			record := append(base, make([]string, len(dynamicNames))...)
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("error writing csv row: %w", err)
			}
			continue
		}
		for _, child := range row.classification.DynamicAttrs {
			record := append([]string{}, base...)
			for _, name := range dynamicNames {
				record = append(record, attrValue(child.Attrs, name))
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("error writing csv row: %w", err)
			}
		}
	}

	writer.Flush()
	return writer.Error()
}

// WriteDeployments streams one row per distinct deployment contributing a
// classification to the project.
func (s *Service) WriteDeployments(w io.Writer, projectId uuid.UUID) error {
	type deploymentRow struct {
		CollectionId    uuid.UUID
		DeploymentCode  string
		StartDate       *time.Time
		EndDate         *time.Time
		LocationID      string
		X               float64
		Y               float64
		ResearchProject string
	}

	var rows []deploymentRow
	err := s.db.Table("classifications c").
		Select("rc.collection_id AS collection_id, d.deployment_code, d.start_date, d.end_date, "+
			"l.location_id AS location_id, l.x, l.y, rp.acronym AS research_project").
		Joins("JOIN resources r ON r.id = c.resource_id").
		Joins("JOIN deployments d ON d.id = r.deployment_id").
		Joins("JOIN locations l ON l.id = d.location_id").
		Joins("JOIN classification_project_collections b ON b.id = c.collection_id").
		Joins("JOIN research_project_collections rc ON rc.id = b.research_collection_id").
		Joins("JOIN research_projects rp ON rp.id = rc.project_id").
		Where("c.project_id = ?", projectId).
		Group("rc.collection_id, d.deployment_code, d.start_date, d.end_date, l.location_id, l.x, l.y, rp.acronym").
		Order("d.deployment_code").
		Scan(&rows).Error
	if err != nil {
		slog.Error("sql error loading project deployments", "project_id", projectId, "error", err)
		return schema.ErrDbAccessFailed
	}

	writer := csv.NewWriter(w)
	err = writer.Write([]string{"collection_id", "deployment_code", "deployment_start", "deployment_end",
		"location_id", "location_X", "location_Y", "research_project"})
	if err != nil {
		return fmt.Errorf("error writing csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.CollectionId.String(),
			row.DeploymentCode,
			formatOptionalTime(row.StartDate),
			formatOptionalTime(row.EndDate),
			row.LocationID,
			strconv.FormatFloat(row.X, 'f', -1, 64),
			strconv.FormatFloat(row.Y, 'f', -1, 64),
			row.ResearchProject,
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("error writing csv row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

func attrValue(attrs map[string]interface{}, name string) string {
	if attrs == nil {
		return ""
	}
	value, ok := attrs[name]
	if !ok || value == nil {
		return ""
	}
	return fmt.Sprintf("%v", value)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}
