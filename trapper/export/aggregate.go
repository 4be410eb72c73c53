package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"time"
	"trapper/trapper/schema"

	"github.com/google/uuid"
)

// AggregationParams mirror the map query form. CountVar names the attribute
// whose values are aggregated.
type AggregationParams struct {
	BySequence  bool
	ByLocation  bool
	SequenceFun string
	CountFun    string
	CountVar    string
	AllDep      bool
	MergeHow    string
	Geo         string
}

const (
	MergeLeft  = "left"
	MergeInner = "inner"

	GeoCSV     = "csv"
	GeoGeoJSON = "geojson"
)

func sumOf(xs []float64) float64 {
	total := 0.0
	for _, x := range xs {
		total += x
	}
	return total
}

func minOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs {
		if x < m {
			m = x
		}
	}
	return m
}

func maxOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs {
		if x > m {
			m = x
		}
	}
	return m
}

func meanOf(xs []float64) float64 {
	return sumOf(xs) / float64(len(xs))
}

var aggregationFuns = map[string]func([]float64) float64{
	"sum":  sumOf,
	"min":  minOf,
	"max":  maxOf,
	"mean": meanOf,
}

func (p AggregationParams) validate() error {
	if p.CountVar == "" {
		return fmt.Errorf("count_var is required")
	}
	if _, ok := aggregationFuns[p.CountFun]; !ok {
		return fmt.Errorf("unknown count_fun %v", p.CountFun)
	}
	if p.BySequence {
		if _, ok := aggregationFuns[p.SequenceFun]; !ok {
			return fmt.Errorf("unknown seq_fun %v", p.SequenceFun)
		}
	}
	switch p.MergeHow {
	case MergeLeft, MergeInner:
	default:
		return fmt.Errorf("unknown merge_how %v", p.MergeHow)
	}
	return nil
}

// AggregationRow is one deployment (or location) of the aggregated output.
type AggregationRow struct {
	DeploymentID string
	LocationID   string
	Start        *time.Time
	End          *time.Time
	Days         float64
	X            float64
	Y            float64
	Counts       float64
	Trate        float64
}

type aggregationSample struct {
	deploymentId uuid.UUID
	sequenceId   *uuid.UUID
	value        float64
}

type aggregationDeployment struct {
	id         uuid.UUID
	code       string
	locationID string
	x          float64
	y          float64
	start      *time.Time
	end        *time.Time
}

func (d aggregationDeployment) days() float64 {
	if d.start == nil || d.end == nil {
		return 0
	}
	return d.end.Sub(*d.start).Hours() / 24
}

// Aggregate reduces the approved classifications of a project onto their
// deployments or locations.
func (s *Service) Aggregate(projectId uuid.UUID, params AggregationParams) ([]AggregationRow, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	deployments, err := s.aggregationDeployments(projectId, params.AllDep)
	if err != nil {
		return nil, err
	}
	samples, err := s.aggregationSamples(projectId, params.CountVar)
	if err != nil {
		return nil, err
	}

	byDeployment := map[uuid.UUID][]aggregationSample{}
	for _, sample := range samples {
		byDeployment[sample.deploymentId] = append(byDeployment[sample.deploymentId], sample)
	}

	countFun := aggregationFuns[params.CountFun]

	rows := []AggregationRow{}
	for _, deployment := range deployments {
		deploymentSamples := byDeployment[deployment.id]
		if len(deploymentSamples) == 0 && params.MergeHow == MergeInner {
			continue
		}

		counts := 0.0
		if len(deploymentSamples) > 0 {
			counts = countFun(reduceSequences(deploymentSamples, params))
		}

		row := AggregationRow{
			DeploymentID: deployment.code,
			LocationID:   deployment.locationID,
			Start:        deployment.start,
			End:          deployment.end,
			Days:         deployment.days(),
			X:            deployment.x,
			Y:            deployment.y,
			Counts:       counts,
		}
		if row.Days > 0 {
			row.Trate = row.Counts / row.Days
		}
		rows = append(rows, row)
	}

	if params.ByLocation {
		rows = mergeByLocation(rows, countFun)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].LocationID != rows[j].LocationID {
			return rows[i].LocationID < rows[j].LocationID
		}
		return rows[i].DeploymentID < rows[j].DeploymentID
	})
	return rows, nil
}

// reduceSequences collapses each sequence to one value with seq_fun before
// the cross-sequence reduction. Unsequenced samples stay individual.
func reduceSequences(samples []aggregationSample, params AggregationParams) []float64 {
	if !params.BySequence {
		values := make([]float64, 0, len(samples))
		for _, sample := range samples {
			values = append(values, sample.value)
		}
		return values
	}

	sequenceFun := aggregationFuns[params.SequenceFun]
	bySequence := map[uuid.UUID][]float64{}
	var loose []float64
	var sequenceOrder []uuid.UUID
	for _, sample := range samples {
		if sample.sequenceId == nil {
			loose = append(loose, sample.value)
			continue
		}
		if _, seen := bySequence[*sample.sequenceId]; !seen {
			sequenceOrder = append(sequenceOrder, *sample.sequenceId)
		}
		bySequence[*sample.sequenceId] = append(bySequence[*sample.sequenceId], sample.value)
	}

	values := []float64{}
	for _, sequenceId := range sequenceOrder {
		values = append(values, sequenceFun(bySequence[sequenceId]))
	}
	return append(values, loose...)
}

func mergeByLocation(rows []AggregationRow, countFun func([]float64) float64) []AggregationRow {
	byLocation := map[string][]AggregationRow{}
	var order []string
	for _, row := range rows {
		if _, seen := byLocation[row.LocationID]; !seen {
			order = append(order, row.LocationID)
		}
		byLocation[row.LocationID] = append(byLocation[row.LocationID], row)
	}

	merged := []AggregationRow{}
	for _, locationID := range order {
		group := byLocation[locationID]
		out := AggregationRow{LocationID: locationID, X: group[0].X, Y: group[0].Y}
		values := []float64{}
		for _, row := range group {
			values = append(values, row.Counts)
			out.Days += row.Days
			if row.Start != nil && (out.Start == nil || row.Start.Before(*out.Start)) {
				out.Start = row.Start
			}
			if row.End != nil && (out.End == nil || row.End.After(*out.End)) {
				out.End = row.End
			}
		}
		out.Counts = countFun(values)
		if out.Days > 0 {
			out.Trate = out.Counts / out.Days
		}
		merged = append(merged, out)
	}
	return merged
}

func (s *Service) aggregationDeployments(projectId uuid.UUID, allDep bool) ([]aggregationDeployment, error) {
	type row struct {
		Id         uuid.UUID
		Code       string
		LocationID string
		X          float64
		Y          float64
		StartDate  *time.Time
		EndDate    *time.Time
	}

	query := s.db.Table("deployments d").
		Select("d.id, d.deployment_id AS code, l.location_id AS location_id, l.x, l.y, d.start_date, d.end_date").
		Joins("JOIN locations l ON l.id = d.location_id")

	if allDep {
		query = query.Where(
			"d.id IN (?)",
			s.db.Table("collection_resources cr").
				Select("r2.deployment_id").
				Joins("JOIN resources r2 ON r2.id = cr.resource_id").
				Joins("JOIN research_project_collections rc ON rc.collection_id = cr.collection_id").
				Joins("JOIN classification_project_collections b ON b.research_collection_id = rc.id").
				Where("b.project_id = ? AND r2.deployment_id IS NOT NULL", projectId),
		)
	} else {
		query = query.Where(
			"d.id IN (?)",
			s.db.Table("classifications c").
				Select("r.deployment_id").
				Joins("JOIN resources r ON r.id = c.resource_id").
				Where("c.project_id = ? AND r.deployment_id IS NOT NULL", projectId),
		)
	}

	var found []row
	if err := query.Scan(&found).Error; err != nil {
		slog.Error("sql error loading aggregation deployments", "project_id", projectId, "error", err)
		return nil, schema.ErrDbAccessFailed
	}

	deployments := make([]aggregationDeployment, 0, len(found))
	for _, r := range found {
		deployments = append(deployments, aggregationDeployment{
			id: r.Id, code: r.Code, locationID: r.LocationID,
			x: r.X, y: r.Y, start: r.StartDate, end: r.EndDate,
		})
	}
	return deployments, nil
}

// aggregationSamples extracts the numeric count_var value from every
// approved classification, one sample per dynamic row carrying the value.
func (s *Service) aggregationSamples(projectId uuid.UUID, countVar string) ([]aggregationSample, error) {
	var classifications []schema.Classification
	err := s.db.Preload("DynamicAttrs").Preload("Resource").
		Find(&classifications, "project_id = ? AND status = ?", projectId, schema.ClassificationApproved).Error
	if err != nil {
		slog.Error("sql error loading aggregation classifications", "project_id", projectId, "error", err)
		return nil, schema.ErrDbAccessFailed
	}

	samples := []aggregationSample{}
	for _, c := range classifications {
		if c.Resource == nil || c.Resource.DeploymentId == nil {
			continue
		}
		deploymentId := *c.Resource.DeploymentId

		if raw := attrValue(c.StaticAttrs, countVar); raw != "" {
			if value, err := strconv.ParseFloat(raw, 64); err == nil {
				samples = append(samples, aggregationSample{
					deploymentId: deploymentId, sequenceId: c.SequenceId, value: value,
				})
			}
		}
		for _, child := range c.DynamicAttrs {
			raw := attrValue(child.Attrs, countVar)
			if raw == "" {
				continue
			}
			if value, err := strconv.ParseFloat(raw, 64); err == nil {
				samples = append(samples, aggregationSample{
					deploymentId: deploymentId, sequenceId: c.SequenceId, value: value,
				})
			}
		}
	}
	return samples, nil
}

// WriteAggregation renders the aggregation as CSV or as a GeoJSON feature
// collection of points.
func (s *Service) WriteAggregation(w io.Writer, projectId uuid.UUID, params AggregationParams) error {
	rows, err := s.Aggregate(projectId, params)
	if err != nil {
		return err
	}

	if params.Geo == GeoGeoJSON {
		return writeAggregationGeoJSON(w, rows)
	}
	return writeAggregationCSV(w, rows)
}

func writeAggregationCSV(w io.Writer, rows []AggregationRow) error {
	writer := csv.NewWriter(w)
	err := writer.Write([]string{"deployment_id", "location_id", "start", "end", "days", "x", "y", "counts", "trate"})
	if err != nil {
		return fmt.Errorf("error writing csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.DeploymentID,
			row.LocationID,
			formatOptionalTime(row.Start),
			formatOptionalTime(row.End),
			strconv.FormatFloat(row.Days, 'f', -1, 64),
			strconv.FormatFloat(row.X, 'f', -1, 64),
			strconv.FormatFloat(row.Y, 'f', -1, 64),
			strconv.FormatFloat(row.Counts, 'f', -1, 64),
			strconv.FormatFloat(row.Trate, 'f', -1, 64),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("error writing csv row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

type geoJSONFeature struct {
	Type     string `json:"type"`
	Geometry struct {
		Type        string     `json:"type"`
		Coordinates [2]float64 `json:"coordinates"`
	} `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

func writeAggregationGeoJSON(w io.Writer, rows []AggregationRow) error {
	features := make([]geoJSONFeature, 0, len(rows))
	for _, row := range rows {
		feature := geoJSONFeature{Type: "Feature"}
		feature.Geometry.Type = "Point"
		feature.Geometry.Coordinates = [2]float64{row.X, row.Y}
		feature.Properties = map[string]interface{}{
			"deployment_id": row.DeploymentID,
			"location_id":   row.LocationID,
			"start":         formatOptionalTime(row.Start),
			"end":           formatOptionalTime(row.End),
			"days":          row.Days,
			"counts":        row.Counts,
			"trate":         row.Trate,
		}
		features = append(features, feature)
	}

	encoder := json.NewEncoder(w)
	return encoder.Encode(map[string]interface{}{
		"type":     "FeatureCollection",
		"features": features,
	})
}
