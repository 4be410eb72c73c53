package export

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
	"trapper/trapper/classificator"
	"trapper/trapper/schema"

	"github.com/google/uuid"
)

var ErrNoClassificator = errors.New("the project has no classificator attached")

// Ecological Metadata Language 2.1.1 document model, limited to the blocks
// a results export needs.

type emlDocument struct {
	XMLName   xml.Name   `xml:"eml:eml"`
	Namespace string     `xml:"xmlns:eml,attr"`
	PackageId string     `xml:"packageId,attr"`
	System    string     `xml:"system,attr"`
	Access    emlAccess  `xml:"access"`
	Dataset   emlDataset `xml:"dataset"`
}

type emlAccess struct {
	AuthSystem string `xml:"authSystem,attr"`
	Order      string `xml:"order,attr"`
	Allow      struct {
		Principal  string `xml:"principal"`
		Permission string `xml:"permission"`
	} `xml:"allow"`
}

type emlDataset struct {
	Title      string       `xml:"title"`
	Creator    []emlParty   `xml:"creator"`
	Associated []emlParty   `xml:"associatedParty"`
	PubDate    string       `xml:"pubDate"`
	Abstract   *emlPara     `xml:"abstract,omitempty"`
	KeywordSet *emlKeywords `xml:"keywordSet,omitempty"`
	Coverage   *emlCoverage `xml:"coverage,omitempty"`
	Methods    *emlMethods  `xml:"methods,omitempty"`
	DataTables []emlTable   `xml:"dataTable"`
}

type emlParty struct {
	IndividualName struct {
		GivenName string `xml:"givenName"`
		SurName   string `xml:"surName"`
	} `xml:"individualName"`
	Organization string `xml:"organizationName,omitempty"`
	Email        string `xml:"electronicMailAddress,omitempty"`
	Role         string `xml:"role,omitempty"`
}

type emlPara struct {
	Para string `xml:"para"`
}

type emlKeywords struct {
	Keywords []string `xml:"keyword"`
}

type emlCoverage struct {
	Geographic *emlGeographic `xml:"geographicCoverage,omitempty"`
	Temporal   *emlTemporal   `xml:"temporalCoverage,omitempty"`
	Taxonomic  *emlTaxonomic  `xml:"taxonomicCoverage,omitempty"`
}

type emlGeographic struct {
	Description string `xml:"geographicDescription"`
	Bounding    struct {
		West  float64 `xml:"westBoundingCoordinate"`
		East  float64 `xml:"eastBoundingCoordinate"`
		North float64 `xml:"northBoundingCoordinate"`
		South float64 `xml:"southBoundingCoordinate"`
	} `xml:"boundingCoordinates"`
}

type emlTemporal struct {
	Range struct {
		Begin emlCalendarDate `xml:"beginDate"`
		End   emlCalendarDate `xml:"endDate"`
	} `xml:"rangeOfDates"`
}

type emlCalendarDate struct {
	CalendarDate string `xml:"calendarDate"`
}

type emlTaxonomic struct {
	Classifications []emlTaxon `xml:"taxonomicClassification"`
}

type emlTaxon struct {
	RankName   string     `xml:"taxonRankName"`
	RankValue  string     `xml:"taxonRankValue"`
	CommonName string     `xml:"commonName,omitempty"`
	Children   []emlTaxon `xml:"taxonomicClassification"`
}

type emlMethods struct {
	Step struct {
		Description emlPara `xml:"description"`
	} `xml:"methodStep"`
}

type emlTable struct {
	EntityName    string         `xml:"entityName"`
	AttributeList []emlAttribute `xml:"attributeList>attribute"`
}

type emlAttribute struct {
	Name             string              `xml:"attributeName"`
	StorageType      string              `xml:"storageType"`
	MeasurementScale emlMeasurementScale `xml:"measurementScale"`
}

type emlMeasurementScale struct {
	Interval *emlInterval `xml:"interval,omitempty"`
	Nominal  *emlNominal  `xml:"nominal,omitempty"`
	DateTime *emlDateTime `xml:"dateTime,omitempty"`
}

type emlInterval struct {
	Unit struct {
		StandardUnit string `xml:"standardUnit"`
	} `xml:"unit"`
	NumericDomain struct {
		NumberType string `xml:"numberType"`
	} `xml:"numericDomain"`
}

type emlNominal struct {
	NonNumericDomain struct {
		Enumerated *emlEnumeratedDomain `xml:"enumeratedDomain,omitempty"`
		Text       *emlTextDomain       `xml:"textDomain,omitempty"`
	} `xml:"nonNumericDomain"`
}

type emlEnumeratedDomain struct {
	Codes []emlCodeDefinition `xml:"codeDefinition"`
}

type emlCodeDefinition struct {
	Code       string `xml:"code"`
	Definition string `xml:"definition"`
}

type emlTextDomain struct {
	Definition string `xml:"definition"`
}

type emlDateTime struct {
	FormatString string `xml:"formatString"`
	Precision    string `xml:"dateTimePrecision"`
}

// buildEML assembles the dataset description for one classification
// project's results export.
func (s *Service) buildEML(projectId uuid.UUID) (*emlDocument, error) {
	project, err := schema.GetClassificationProject(projectId, s.db, true)
	if err != nil {
		return nil, err
	}
	if project.Classificator == nil {
		return nil, ErrNoClassificator
	}
	research, err := schema.GetResearchProject(project.ResearchProjectId, s.db)
	if err != nil {
		return nil, err
	}

	doc := &emlDocument{
		Namespace: "eml://ecoinformatics.org/eml-2.1.1",
		PackageId: "",
		System:    "knb",
	}
	doc.Access.AuthSystem = "knb"
	doc.Access.Order = "allowFirst"
	doc.Access.Allow.Principal = "public"
	doc.Access.Allow.Permission = "read"

	doc.Dataset.Title = fmt.Sprintf("%v: %v", research.Name, project.Name)
	doc.Dataset.PubDate = time.Now().UTC().Format("2006-01-02")
	if research.Abstract != "" {
		doc.Dataset.Abstract = &emlPara{Para: research.Abstract}
	}
	if research.Methods != "" {
		methods := &emlMethods{}
		methods.Step.Description = emlPara{Para: research.Methods}
		doc.Dataset.Methods = methods
	}

	if err := s.emlParties(doc, project, research); err != nil {
		return nil, err
	}
	if err := s.emlKeywordSet(doc, research.Id); err != nil {
		return nil, err
	}
	if err := s.emlCoverageBlock(doc, project, *project.Classificator); err != nil {
		return nil, err
	}
	s.emlTables(doc, *project.Classificator)

	return doc, nil
}

func (s *Service) emlParties(doc *emlDocument, project schema.ClassificationProject, research schema.ResearchProject) error {
	owner, err := schema.GetUser(research.OwnerId, s.db)
	if err != nil {
		return err
	}
	doc.Dataset.Creator = []emlParty{partyFor(owner, "")}

	type member struct {
		Id          uuid.UUID
		FirstName   string
		LastName    string
		Institution string
		Email       string
		Role        string
	}
	var members []member
	err = s.db.Table("classification_project_roles cpr").
		Select("users.id, users.first_name, users.last_name, users.institution, users.email, cpr.name AS role").
		Joins("JOIN users ON users.id = cpr.user_id").
		Where("cpr.project_id = ?", project.Id).
		Order("users.username").
		Scan(&members).Error
	if err != nil {
		slog.Error("sql error loading project members", "project_id", project.Id, "error", err)
		return schema.ErrDbAccessFailed
	}
	for _, m := range members {
		if m.Id == owner.Id {
			continue
		}
		doc.Dataset.Associated = append(doc.Dataset.Associated, partyFor(schema.User{
			FirstName: m.FirstName, LastName: m.LastName, Institution: m.Institution, Email: m.Email,
		}, m.Role))
	}
	return nil
}

func partyFor(user schema.User, role string) emlParty {
	party := emlParty{Organization: user.Institution, Email: user.Email, Role: role}
	party.IndividualName.GivenName = user.FirstName
	party.IndividualName.SurName = user.LastName
	return party
}

func (s *Service) emlKeywordSet(doc *emlDocument, researchProjectId uuid.UUID) error {
	var keywords []string
	err := s.db.Model(&schema.ResearchProjectKeyword{}).
		Where("research_project_id = ?", researchProjectId).
		Order("name").Pluck("name", &keywords).Error
	if err != nil {
		slog.Error("sql error loading project keywords", "project_id", researchProjectId, "error", err)
		return schema.ErrDbAccessFailed
	}
	if len(keywords) > 0 {
		doc.Dataset.KeywordSet = &emlKeywords{Keywords: keywords}
	}
	return nil
}

func (s *Service) emlCoverageBlock(doc *emlDocument, project schema.ClassificationProject, cls schema.Classificator) error {
	coverage := &emlCoverage{}

	type envelope struct {
		West  *float64
		South *float64
		East  *float64
		North *float64
		Begin schema.ScannedTime
		End   schema.ScannedTime
	}
	var env envelope
	err := s.db.Table("classifications c").
		Select("MIN(l.x) AS west, MIN(l.y) AS south, MAX(l.x) AS east, MAX(l.y) AS north, "+
			"MIN(r.date_recorded) AS \"begin\", MAX(r.date_recorded) AS \"end\"").
		Joins("JOIN resources r ON r.id = c.resource_id").
		Joins("LEFT JOIN deployments d ON d.id = r.deployment_id").
		Joins("LEFT JOIN locations l ON l.id = d.location_id").
		Where("c.project_id = ?", project.Id).
		Scan(&env).Error
	if err != nil {
		slog.Error("sql error computing coverage envelope", "project_id", project.Id, "error", err)
		return schema.ErrDbAccessFailed
	}

	if env.West != nil {
		geographic := &emlGeographic{Description: "Bounding box of contributing camera trap locations"}
		geographic.Bounding.West = *env.West
		geographic.Bounding.South = *env.South
		geographic.Bounding.East = *env.East
		geographic.Bounding.North = *env.North
		coverage.Geographic = geographic
	}
	if env.Begin.Valid {
		temporal := &emlTemporal{}
		temporal.Range.Begin.CalendarDate = env.Begin.Time.UTC().Format("2006-01-02")
		temporal.Range.End.CalendarDate = env.End.Time.UTC().Format("2006-01-02")
		coverage.Temporal = temporal
	}

	species, err := s.classificators.SelectedSpecies(cls)
	if err != nil {
		return err
	}
	if len(species) > 0 {
		taxonomic := &emlTaxonomic{}
		for _, sp := range species {
			taxonomic.Classifications = append(taxonomic.Classifications, emlTaxon{
				RankName: "Family", RankValue: sp.Family,
				Children: []emlTaxon{{
					RankName: "Genus", RankValue: sp.Genus,
					Children: []emlTaxon{{
						RankName: "Species", RankValue: sp.LatinName, CommonName: sp.EnglishName,
					}},
				}},
			})
		}
		coverage.Taxonomic = taxonomic
	}

	if coverage.Geographic != nil || coverage.Temporal != nil || coverage.Taxonomic != nil {
		doc.Dataset.Coverage = coverage
	}
	return nil
}

func (s *Service) emlTables(doc *emlDocument, cls schema.Classificator) {
	fields, err := s.classificators.PrepareFormFields(cls)
	if err != nil {
		return
	}

	static := emlTable{EntityName: "static_attributes"}
	for _, field := range fields.Static {
		static.AttributeList = append(static.AttributeList, attributeFor(field))
	}
	dynamic := emlTable{EntityName: "dynamic_attributes"}
	for _, field := range fields.Dynamic {
		dynamic.AttributeList = append(dynamic.AttributeList, attributeFor(field))
	}

	if len(static.AttributeList) > 0 {
		doc.Dataset.DataTables = append(doc.Dataset.DataTables, static)
	}
	if len(dynamic.AttributeList) > 0 {
		doc.Dataset.DataTables = append(doc.Dataset.DataTables, dynamic)
	}
}

func attributeFor(field classificator.Field) emlAttribute {
	attribute := emlAttribute{Name: field.Name}

	switch field.FieldType {
	case schema.FieldInt, schema.FieldFloat:
		attribute.StorageType = "float"
		numberType := "real"
		if field.FieldType == schema.FieldInt {
			attribute.StorageType = "integer"
			numberType = "integer"
		}
		interval := &emlInterval{}
		interval.Unit.StandardUnit = "dimensionless"
		interval.NumericDomain.NumberType = numberType
		attribute.MeasurementScale.Interval = interval
	case schema.FieldBool:
		attribute.StorageType = "string"
		nominal := &emlNominal{}
		nominal.NonNumericDomain.Enumerated = &emlEnumeratedDomain{Codes: []emlCodeDefinition{
			{Code: "False", Definition: "False"},
			{Code: "True", Definition: "True"},
		}}
		attribute.MeasurementScale.Nominal = nominal
	case schema.FieldAnnotations:
		attribute.StorageType = "string"
		attribute.MeasurementScale.DateTime = &emlDateTime{
			FormatString: "[hh:mm:ss, hh:mm:ss]",
			Precision:    "1 second",
		}
	case schema.FieldComment:
		attribute.StorageType = "string"
		nominal := &emlNominal{}
		nominal.NonNumericDomain.Text = &emlTextDomain{Definition: "Comment"}
		attribute.MeasurementScale.Nominal = nominal
	default:
		attribute.StorageType = "string"
		nominal := &emlNominal{}
		if len(field.Choices) > 0 {
			enumerated := &emlEnumeratedDomain{}
			for _, choice := range field.Choices {
				enumerated.Codes = append(enumerated.Codes, emlCodeDefinition{Code: choice, Definition: choice})
			}
			nominal.NonNumericDomain.Enumerated = enumerated
		} else {
			nominal.NonNumericDomain.Text = &emlTextDomain{Definition: "Free text"}
		}
		attribute.MeasurementScale.Nominal = nominal
	}

	return attribute
}

// WriteEML renders the EML 2.1.1 document for the project's results.
func (s *Service) WriteEML(w io.Writer, projectId uuid.UUID) error {
	doc, err := s.buildEML(projectId)
	if err != nil {
		return err
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("error encoding eml document: %w", err)
	}
	return encoder.Close()
}
