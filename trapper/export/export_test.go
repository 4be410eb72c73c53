package export_test

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"testing"
	"time"
	"trapper/trapper/access"
	"trapper/trapper/classificator"
	"trapper/trapper/export"
	"trapper/trapper/schema"
	"trapper/trapper/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	svc     *export.Service
	store   storage.Storage
	owner   schema.User
	rp      schema.ResearchProject
	cp      schema.ClassificationProject
	col     schema.Collection
	binding schema.ClassificationProjectCollection
	dep     schema.Deployment
}

func setup(t *testing.T) *fixture {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%v?mode=memory&cache=shared", uuid.New())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(schema.AllModels()...))

	store := storage.NewSharedDisk(t.TempDir())
	classificators := classificator.NewService(db)
	svc := export.NewService(db, access.NewService(db), store, classificators)

	f := &fixture{db: db, svc: svc, store: store}

	f.owner = schema.User{
		Id: uuid.New(), Username: "alice", Email: "alice@mail.com",
		FirstName: "Alice", LastName: "Kowalska", Institution: "MRI",
	}
	require.NoError(t, db.Create(&f.owner).Error)

	require.NoError(t, db.Create(&schema.Species{
		Id: uuid.New(), Family: "Canidae", Genus: "Canis",
		LatinName: "Canis lupus", EnglishName: "Grey wolf",
	}).Error)

	k, err := classificators.Create(f.owner, "K1", "", "")
	require.NoError(t, err)
	require.NoError(t, classificators.SetCustomAttr(k.Id, f.owner, "Quality", classificator.AttrSettings{
		FieldType: schema.FieldString, Target: schema.TargetStatic, Values: "Good,Bad",
	}))
	require.NoError(t, classificators.SetCustomAttr(k.Id, f.owner, "Number", classificator.AttrSettings{
		FieldType: schema.FieldInt, Target: schema.TargetDynamic,
	}))
	require.NoError(t, classificators.SetPredefinedAttrs(k.Id, f.owner, map[string]classificator.PredefinedSettings{
		"species": {Enabled: true, Target: schema.TargetDynamic},
	}))

	f.rp = schema.ResearchProject{
		Id: uuid.New(), Name: "Wolves of Bialowieza", Acronym: "WLV",
		Abstract: "Wolf monitoring.", Methods: "Camera traps on transects.",
		OwnerId: f.owner.Id, Status: schema.ProjectApproved,
	}
	require.NoError(t, db.Create(&f.rp).Error)
	require.NoError(t, db.Create(&schema.ResearchProjectKeyword{
		ResearchProjectId: f.rp.Id, Name: "wolf",
	}).Error)

	location := schema.Location{
		Id: uuid.New(), LocationID: "L1", X: 23.8, Y: 52.7, Timezone: "UTC", OwnerId: f.owner.Id,
	}
	require.NoError(t, db.Create(&location).Error)

	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(10 * 24 * time.Hour)
	f.dep = schema.Deployment{
		Id: uuid.New(), DeploymentCode: "D1", LocationId: location.Id,
		Location: &location, StartDate: &start, EndDate: &end, OwnerId: f.owner.Id,
	}
	f.dep.RefreshDeploymentID()
	require.NoError(t, db.Omit("Location").Create(&f.dep).Error)

	f.col = schema.Collection{Id: uuid.New(), Name: "C1", OwnerId: f.owner.Id, Status: schema.StatusPrivate}
	require.NoError(t, db.Create(&f.col).Error)
	link := schema.ResearchProjectCollection{Id: uuid.New(), ProjectId: f.rp.Id, CollectionId: f.col.Id}
	require.NoError(t, db.Create(&link).Error)

	f.cp = schema.ClassificationProject{
		Id: uuid.New(), Name: "CP1", ResearchProjectId: f.rp.Id,
		OwnerId: f.owner.Id, ClassificatorId: &k.Id,
	}
	require.NoError(t, db.Create(&f.cp).Error)
	f.binding = schema.ClassificationProjectCollection{
		Id: uuid.New(), ProjectId: f.cp.Id, ResearchCollectionId: link.Id,
	}
	require.NoError(t, db.Create(&f.binding).Error)

	return f
}

// classify creates one approved classification over a fresh resource with
// the given dynamic Number values.
func (f *fixture) classify(t *testing.T, name string, recorded time.Time, sequenceId *uuid.UUID, numbers ...string) schema.Classification {
	resource := schema.Resource{
		Id: uuid.New(), Name: name, FilePath: "resources/" + name + "/file.jpg",
		ResourceType: schema.ResourceTypeImage, Status: schema.StatusPrivate,
		OwnerId: f.owner.Id, DateRecorded: recorded, DeploymentId: &f.dep.Id,
	}
	require.NoError(t, f.db.Create(&resource).Error)
	require.NoError(t, f.db.Exec(
		"INSERT INTO collection_resources (collection_id, resource_id) VALUES (?, ?)",
		f.col.Id, resource.Id).Error)

	now := time.Now().UTC()
	classification := schema.Classification{
		Id: uuid.New(), ResourceId: resource.Id, ProjectId: f.cp.Id, CollectionId: f.binding.Id,
		SequenceId: sequenceId, Status: schema.ClassificationApproved,
		StaticAttrs:  datatypes.JSONMap{"Quality": "Good"},
		ApprovedById: &f.owner.Id, ApprovedAt: &now,
	}
	require.NoError(t, f.db.Create(&classification).Error)

	for _, number := range numbers {
		require.NoError(t, f.db.Create(&schema.ClassificationDynamicAttrs{
			Id: uuid.New(), ClassificationId: classification.Id,
			Attrs: datatypes.JSONMap{"species": "Canis lupus", "Number": number},
		}).Error)
	}
	return classification
}

func TestWriteResults(t *testing.T) {
	f := setup(t)

	recorded := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	f.classify(t, "R2", recorded.Add(time.Minute), nil, "2", "3")
	f.classify(t, "R1", recorded, nil)

	var buf bytes.Buffer
	require.NoError(t, f.svc.WriteResults(&buf, f.cp.Id))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"id", "resource_id", "deployment_id", "name", "resource_type",
		"date_recorded", "sequence_id", "Quality", "Number", "species",
	}, records[0])

	// R1 first by name, one row; R2 contributes one row per dynamic child
	require.Len(t, records, 4)
	assert.Equal(t, "R1", records[1][3])
	assert.Equal(t, "", records[1][8])
	assert.Equal(t, "R2", records[2][3])
	assert.Equal(t, "2", records[2][8])
	assert.Equal(t, "Canis lupus", records[2][9])
	assert.Equal(t, "3", records[3][8])
	assert.Equal(t, "Good", records[1][7])
	assert.Equal(t, f.dep.DeploymentID, records[1][2])
}

func TestWriteDeployments(t *testing.T) {
	f := setup(t)
	f.classify(t, "R1", time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC), nil, "1")

	var buf bytes.Buffer
	require.NoError(t, f.svc.WriteDeployments(&buf, f.cp.Id))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"collection_id", "deployment_code", "deployment_start", "deployment_end",
		"location_id", "location_X", "location_Y", "research_project",
	}, records[0])
	require.Len(t, records, 2)
	assert.Equal(t, f.col.Id.String(), records[1][0])
	assert.Equal(t, "D1", records[1][1])
	assert.Equal(t, "2026-04-01", records[1][2])
	assert.Equal(t, "23.8", records[1][5])
	assert.Equal(t, "WLV", records[1][7])
}

func TestWriteEML(t *testing.T) {
	f := setup(t)
	f.classify(t, "R1", time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC), nil, "1")

	var buf bytes.Buffer
	require.NoError(t, f.svc.WriteEML(&buf, f.cp.Id))
	doc := buf.String()

	assert.Contains(t, doc, `packageId=""`)
	assert.Contains(t, doc, `system="knb"`)
	assert.Contains(t, doc, "eml://ecoinformatics.org/eml-2.1.1")
	assert.Contains(t, doc, "<principal>public</principal>")
	assert.Contains(t, doc, "<permission>read</permission>")
	assert.Contains(t, doc, "<title>Wolves of Bialowieza: CP1</title>")
	assert.Contains(t, doc, "<surName>Kowalska</surName>")
	assert.Contains(t, doc, "<keyword>wolf</keyword>")
	assert.Contains(t, doc, "<para>Camera traps on transects.</para>")

	// coverage derives from the classified resources
	assert.Contains(t, doc, "<westBoundingCoordinate>23.8</westBoundingCoordinate>")
	assert.Contains(t, doc, "<calendarDate>2026-04-02</calendarDate>")
	assert.Contains(t, doc, "<taxonRankValue>Canis lupus</taxonRankValue>")
	assert.Contains(t, doc, "<commonName>Grey wolf</commonName>")

	// attribute domains follow the field types
	assert.Contains(t, doc, "<code>Good</code>")
	assert.Contains(t, doc, "<numberType>integer</numberType>")
}

func TestAggregate(t *testing.T) {
	f := setup(t)

	sequence := schema.Sequence{
		Id: uuid.New(), SequenceID: 1, CollectionId: f.binding.Id, CreatedById: f.owner.Id,
	}
	require.NoError(t, f.db.Create(&sequence).Error)

	recorded := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	f.classify(t, "R1", recorded, &sequence.Id, "2")
	f.classify(t, "R2", recorded.Add(time.Minute), &sequence.Id, "4")
	f.classify(t, "R3", recorded.Add(time.Hour), nil, "5")

	rows, err := f.svc.Aggregate(f.cp.Id, export.AggregationParams{
		BySequence: true, SequenceFun: "max", CountFun: "sum",
		CountVar: "Number", MergeHow: export.MergeInner, Geo: export.GeoCSV,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// within the sequence max(2, 4) = 4, plus the loose 5
	assert.Equal(t, 9.0, rows[0].Counts)
	assert.Equal(t, 10.0, rows[0].Days)
	assert.InDelta(t, 0.9, rows[0].Trate, 1e-9)
	assert.Equal(t, "L1", rows[0].LocationID)

	// without sequence grouping every sample counts
	rows, err = f.svc.Aggregate(f.cp.Id, export.AggregationParams{
		CountFun: "sum", CountVar: "Number", MergeHow: export.MergeInner,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 11.0, rows[0].Counts)
}

func TestAggregateByLocationAndGeoJSON(t *testing.T) {
	f := setup(t)
	f.classify(t, "R1", time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC), nil, "3")

	rows, err := f.svc.Aggregate(f.cp.Id, export.AggregationParams{
		ByLocation: true, CountFun: "sum", CountVar: "Number", MergeHow: export.MergeLeft,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Empty(t, rows[0].DeploymentID)
	assert.Equal(t, "L1", rows[0].LocationID)
	assert.Equal(t, 3.0, rows[0].Counts)

	var buf bytes.Buffer
	err = f.svc.WriteAggregation(&buf, f.cp.Id, export.AggregationParams{
		CountFun: "sum", CountVar: "Number", MergeHow: export.MergeLeft, Geo: export.GeoGeoJSON,
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"type":"FeatureCollection"`)
	assert.Contains(t, buf.String(), `"coordinates":[23.8,52.7]`)
}

func TestAggregateValidation(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Aggregate(f.cp.Id, export.AggregationParams{
		CountFun: "median", CountVar: "Number", MergeHow: export.MergeInner,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown count_fun")
}

func TestBuildResultsPackage(t *testing.T) {
	f := setup(t)
	f.classify(t, "R1", time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC), nil, "1")

	log, err := f.svc.BuildResultsPackage(f.owner, f.cp.Id, export.ResultsOptions{
		Deployments: true, EML: true,
	})
	require.NoError(t, err)
	assert.Contains(t, log, "results_WLV_")

	packages, err := f.svc.Packages(f.owner)
	require.NoError(t, err)
	require.Len(t, packages, 1)
	assert.Equal(t, schema.PackageClassificationResults, packages[0].PackageType)

	reader, filename, err := f.svc.OpenPackage(f.owner, packages[0].Id)
	require.NoError(t, err)
	defer reader.Close()
	assert.True(t, strings.HasPrefix(filename, "results_WLV_"))

	var data bytes.Buffer
	_, err = data.ReadFrom(reader)
	require.NoError(t, err)
	archive, err := zip.NewReader(bytes.NewReader(data.Bytes()), int64(data.Len()))
	require.NoError(t, err)

	names := []string{}
	for _, member := range archive.File {
		names = append(names, member.Name)
	}
	assert.ElementsMatch(t, []string{"results.csv", "deployments.csv", "metadata.xml"}, names)
}

func TestBuildResultsPackagePermissionAndSizeCap(t *testing.T) {
	f := setup(t)

	stranger := schema.User{Id: uuid.New(), Username: "carol", Email: "carol@mail.com"}
	require.NoError(t, f.db.Create(&stranger).Error)
	_, err := f.svc.BuildResultsPackage(stranger, f.cp.Id, export.ResultsOptions{})
	assert.ErrorIs(t, err, export.ErrPermissionDenied)

	f.svc.MaxPackageSize = 10
	_, err = f.svc.BuildResultsPackage(f.owner, f.cp.Id, export.ResultsOptions{})
	assert.ErrorIs(t, err, export.ErrPackageTooLarge)
}

func TestBuildMediaPackage(t *testing.T) {
	f := setup(t)

	mine := schema.Resource{
		Id: uuid.New(), Name: "Mine", ResourceType: schema.ResourceTypeImage,
		Status: schema.StatusPrivate, OwnerId: f.owner.Id, DateRecorded: time.Now().UTC(),
	}
	mine.FilePath = storage.ResourceFilePath(mine.Id, ".jpg")
	require.NoError(t, f.db.Create(&mine).Error)
	require.NoError(t, f.store.Write(mine.FilePath, strings.NewReader("jpeg-bytes")))

	other := schema.User{Id: uuid.New(), Username: "bob", Email: "bob@mail.com"}
	require.NoError(t, f.db.Create(&other).Error)
	private := schema.Resource{
		Id: uuid.New(), Name: "Private", ResourceType: schema.ResourceTypeImage,
		Status: schema.StatusPrivate, OwnerId: other.Id, DateRecorded: time.Now().UTC(),
	}
	private.FilePath = storage.ResourceFilePath(private.Id, ".jpg")
	require.NoError(t, f.db.Create(&private).Error)
	require.NoError(t, f.store.Write(private.FilePath, strings.NewReader("private")))

	log, err := f.svc.BuildMediaPackage(f.owner, "spring", []uuid.UUID{mine.Id, private.Id})
	require.NoError(t, err)
	assert.Contains(t, log, "Packaged 1 of 2 resources into spring.zip")
	assert.Contains(t, log, "Private: permission denied")

	packages, err := f.svc.Packages(f.owner)
	require.NoError(t, err)
	require.Len(t, packages, 1)
	assert.Equal(t, schema.PackageMediaFiles, packages[0].PackageType)
}
