package classificator_test

import (
	"fmt"
	"testing"
	"trapper/trapper/classificator"
	"trapper/trapper/schema"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupDb(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%v?mode=memory&cache=shared", uuid.New())), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(schema.AllModels()...))

	return db
}

func newUser(t *testing.T, db *gorm.DB, username string) schema.User {
	user := schema.User{Id: uuid.New(), Username: username, Email: username + "@mail.com"}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func getClassificator(t *testing.T, db *gorm.DB, id uuid.UUID) schema.Classificator {
	c, err := schema.GetClassificator(id, db)
	require.NoError(t, err)
	return c
}

func TestCustomAttrValidation(t *testing.T) {
	db := setupDb(t)
	svc := classificator.NewService(db)
	owner := newUser(t, db, "owner")

	c, err := svc.Create(owner, "animals", "", "")
	require.NoError(t, err)

	cases := []struct {
		name     string
		settings classificator.AttrSettings
	}{
		{"with,comma", classificator.AttrSettings{FieldType: schema.FieldString, Target: schema.TargetStatic}},
		{"species", classificator.AttrSettings{FieldType: schema.FieldString, Target: schema.TargetStatic}},
		{"flag", classificator.AttrSettings{FieldType: schema.FieldBool, Target: schema.TargetStatic, Values: "Yes,No"}},
		{"pick", classificator.AttrSettings{FieldType: schema.FieldString, Target: schema.TargetStatic, Values: "only_one"}},
		{"pick2", classificator.AttrSettings{FieldType: schema.FieldString, Target: schema.TargetStatic, Values: "a,b", Initial: "c"}},
		{"count", classificator.AttrSettings{FieldType: schema.FieldInt, Target: schema.TargetDynamic, Values: "1,x"}},
		{"rate", classificator.AttrSettings{FieldType: schema.FieldFloat, Target: schema.TargetDynamic, Initial: "abc"}},
		{"bad", classificator.AttrSettings{FieldType: "X", Target: schema.TargetStatic}},
	}

	for _, tc := range cases {
		err := svc.SetCustomAttr(c.Id, owner, tc.name, tc.settings)
		var fieldErrs classificator.FieldErrors
		assert.ErrorAs(t, err, &fieldErrs, "attr %v should be rejected", tc.name)
	}

	err = svc.SetCustomAttr(c.Id, owner, "Quality", classificator.AttrSettings{
		FieldType: schema.FieldString, Target: schema.TargetStatic, Values: "Good,Bad", Initial: "Good",
	})
	require.NoError(t, err)
}

func TestOrderListsStayInLockstep(t *testing.T) {
	db := setupDb(t)
	svc := classificator.NewService(db)
	owner := newUser(t, db, "owner")

	c, err := svc.Create(owner, "animals", "", "")
	require.NoError(t, err)

	require.NoError(t, svc.SetCustomAttr(c.Id, owner, "Quality", classificator.AttrSettings{
		FieldType: schema.FieldString, Target: schema.TargetStatic, Values: "Good,Bad",
	}))
	require.NoError(t, svc.SetCustomAttr(c.Id, owner, "Number", classificator.AttrSettings{
		FieldType: schema.FieldInt, Target: schema.TargetDynamic,
	}))
	require.NoError(t, svc.SetPredefinedAttrs(c.Id, owner, map[string]classificator.PredefinedSettings{
		"species": {Enabled: true, Target: schema.TargetDynamic},
		"marked":  {Enabled: true, Target: schema.TargetStatic},
	}))

	got := getClassificator(t, db, c.Id)
	assert.ElementsMatch(t, []string{"Quality", "marked"}, classificator.GetStaticAttrsOrder(got))
	assert.ElementsMatch(t, []string{"Number", "species"}, classificator.GetDynamicAttrsOrder(got))

	// explicit reorder must be a permutation
	err = svc.UpdateAttrsOrder(c.Id, owner, []string{"marked"}, []string{"species", "Number"})
	assert.Error(t, err)

	require.NoError(t, svc.UpdateAttrsOrder(c.Id, owner, []string{"marked", "Quality"}, []string{"species", "Number"}))
	got = getClassificator(t, db, c.Id)
	assert.Equal(t, []string{"marked", "Quality"}, classificator.GetStaticAttrsOrder(got))

	// removal drops the order entry, preserving the rest
	require.NoError(t, svc.RemoveCustomAttr(c.Id, owner, "Quality"))
	got = getClassificator(t, db, c.Id)
	assert.Equal(t, []string{"marked"}, classificator.GetStaticAttrsOrder(got))
	assert.Equal(t, []string{"species", "Number"}, classificator.GetDynamicAttrsOrder(got))
}

func TestPrepareFormFieldsValidation(t *testing.T) {
	db := setupDb(t)
	svc := classificator.NewService(db)
	owner := newUser(t, db, "owner")

	for _, latin := range []string{"Canis lupus", "Lynx lynx"} {
		require.NoError(t, db.Create(&schema.Species{Id: uuid.New(), LatinName: latin}).Error)
	}

	c, err := svc.Create(owner, "animals", "", "")
	require.NoError(t, err)

	require.NoError(t, svc.SetCustomAttr(c.Id, owner, "Quality", classificator.AttrSettings{
		FieldType: schema.FieldString, Target: schema.TargetStatic, Values: "Good,Bad", Required: true,
	}))
	require.NoError(t, svc.SetCustomAttr(c.Id, owner, "Number", classificator.AttrSettings{
		FieldType: schema.FieldInt, Target: schema.TargetDynamic,
	}))
	require.NoError(t, svc.SetPredefinedAttrs(c.Id, owner, map[string]classificator.PredefinedSettings{
		"species": {Enabled: true, Target: schema.TargetDynamic},
	}))

	fields, err := svc.PrepareFormFields(getClassificator(t, db, c.Id))
	require.NoError(t, err)

	cleaned, errs := fields.ValidateStatic(map[string]string{"Quality": "Good"})
	require.Nil(t, errs)
	assert.Equal(t, map[string]string{"Quality": "Good"}, cleaned)

	_, errs = fields.ValidateStatic(map[string]string{"Quality": "Great"})
	assert.NotNil(t, errs)

	_, errs = fields.ValidateStatic(map[string]string{})
	assert.NotNil(t, errs, "required attr missing")

	rows, errs := fields.ValidateDynamic([]map[string]string{
		{"species": "Canis lupus", "Number": "007"},
	})
	require.Nil(t, errs)
	assert.Equal(t, "7", rows[0]["Number"], "numeric values are canonicalized")

	_, errs = fields.ValidateDynamic([]map[string]string{
		{"species": "Felis catus", "Number": "one"},
	})
	assert.NotNil(t, errs)
}

func TestFormFieldsCacheInvalidation(t *testing.T) {
	db := setupDb(t)
	svc := classificator.NewService(db)
	owner := newUser(t, db, "owner")

	c, err := svc.Create(owner, "animals", "", "")
	require.NoError(t, err)
	require.NoError(t, svc.SetCustomAttr(c.Id, owner, "Quality", classificator.AttrSettings{
		FieldType: schema.FieldString, Target: schema.TargetStatic,
	}))

	fields, err := svc.PrepareFormFields(getClassificator(t, db, c.Id))
	require.NoError(t, err)
	assert.Len(t, fields.Static, 1)

	require.NoError(t, svc.SetCustomAttr(c.Id, owner, "Weather", classificator.AttrSettings{
		FieldType: schema.FieldString, Target: schema.TargetStatic,
	}))

	fields, err = svc.PrepareFormFields(getClassificator(t, db, c.Id))
	require.NoError(t, err)
	assert.Len(t, fields.Static, 2, "save invalidates the cached fields")
}

func TestClone(t *testing.T) {
	db := setupDb(t)
	svc := classificator.NewService(db)
	owner := newUser(t, db, "owner")
	other := newUser(t, db, "other")

	c, err := svc.Create(owner, "animals", "", "")
	require.NoError(t, err)
	require.NoError(t, svc.SetCustomAttr(c.Id, owner, "Quality", classificator.AttrSettings{
		FieldType: schema.FieldString, Target: schema.TargetStatic,
	}))

	first, err := svc.Clone(c.Id, other)
	require.NoError(t, err)
	assert.Equal(t, "Copy_of_1_animals", first.Name)
	assert.Equal(t, other.Id, first.OwnerId)
	require.NotNil(t, first.CopyOfId)
	assert.Equal(t, c.Id, *first.CopyOfId)

	second, err := svc.Clone(c.Id, other)
	require.NoError(t, err)
	assert.Equal(t, "Copy_of_2_animals", second.Name)

	got := getClassificator(t, db, first.Id)
	assert.Equal(t, []string{"Quality"}, classificator.GetStaticAttrsOrder(got))
}

func TestDeleteSoftDisablesWhenApproved(t *testing.T) {
	db := setupDb(t)
	svc := classificator.NewService(db)
	owner := newUser(t, db, "owner")

	c, err := svc.Create(owner, "animals", "", "")
	require.NoError(t, err)

	research := schema.ResearchProject{
		Id: uuid.New(), Name: "wolves", Acronym: "WLV", OwnerId: owner.Id, Status: schema.ProjectApproved,
	}
	require.NoError(t, db.Create(&research).Error)
	project := schema.ClassificationProject{
		Id: uuid.New(), Name: "wolves 2026", ResearchProjectId: research.Id,
		OwnerId: owner.Id, ClassificatorId: &c.Id,
	}
	require.NoError(t, db.Create(&project).Error)

	collection := schema.Collection{Id: uuid.New(), Name: "col", OwnerId: owner.Id, Status: schema.StatusPrivate}
	require.NoError(t, db.Create(&collection).Error)
	link := schema.ResearchProjectCollection{Id: uuid.New(), ProjectId: research.Id, CollectionId: collection.Id}
	require.NoError(t, db.Create(&link).Error)
	binding := schema.ClassificationProjectCollection{Id: uuid.New(), ProjectId: project.Id, ResearchCollectionId: link.Id}
	require.NoError(t, db.Create(&binding).Error)

	resource := schema.Resource{
		Id: uuid.New(), Name: "IMG_0001", FilePath: "x", ResourceType: schema.ResourceTypeImage,
		Status: schema.StatusPrivate, OwnerId: owner.Id,
	}
	require.NoError(t, db.Create(&resource).Error)
	classification := schema.Classification{
		Id: uuid.New(), ResourceId: resource.Id, ProjectId: project.Id,
		CollectionId: binding.Id, Status: schema.ClassificationApproved,
	}
	require.NoError(t, db.Create(&classification).Error)

	require.NoError(t, svc.Delete(c.Id, owner))

	got := getClassificator(t, db, c.Id)
	assert.True(t, got.IsDisabled())
	require.NotNil(t, got.DisabledById)
	assert.Equal(t, owner.Id, *got.DisabledById)

	var count int64
	require.NoError(t, svc.AccessibleClassificators().Count(&count).Error)
	assert.Zero(t, count)

	// swapping a disabled classificator into a project is rejected
	err = svc.SwapProjectClassificator(project.Id, &c.Id, owner)
	assert.ErrorIs(t, err, classificator.ErrClassificatorDisabled)
}

func TestDeleteRemovesUnusedClassificator(t *testing.T) {
	db := setupDb(t)
	svc := classificator.NewService(db)
	owner := newUser(t, db, "owner")
	other := newUser(t, db, "other")

	c, err := svc.Create(owner, "unused", "", "")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Delete(c.Id, other), classificator.ErrNotClassificatorOwner)

	require.NoError(t, svc.Delete(c.Id, owner))
	_, err = schema.GetClassificator(c.Id, db)
	assert.ErrorIs(t, err, schema.ErrClassificatorNotFound)
}
