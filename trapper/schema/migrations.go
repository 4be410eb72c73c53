package schema

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Migrations lists schema changes applied after the initial AutoMigrate.
// New entries go at the end, ids are date-ordered.
func Migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "202608200001",
			Migrate: func(txn *gorm.DB) error {
				return txn.Exec(
					"CREATE INDEX IF NOT EXISTS idx_classifications_project_status ON classifications (project_id, status)",
				).Error
			},
			Rollback: func(txn *gorm.DB) error {
				return txn.Exec("DROP INDEX IF EXISTS idx_classifications_project_status").Error
			},
		},
		{
			ID: "202608200002",
			Migrate: func(txn *gorm.DB) error {
				return SeedSpecies(txn)
			},
			Rollback: func(txn *gorm.DB) error {
				return txn.Where("1 = 1").Delete(&Species{}).Error
			},
		},
	}
}

// SeedSpecies inserts the starter species list, skipping names that already
// exist so user imports survive re-running migrations.
func SeedSpecies(txn *gorm.DB) error {
	starter := []Species{
		{Family: "Canidae", Genus: "Canis", LatinName: "Canis lupus", EnglishName: "Gray wolf"},
		{Family: "Canidae", Genus: "Vulpes", LatinName: "Vulpes vulpes", EnglishName: "Red fox"},
		{Family: "Canidae", Genus: "Nyctereutes", LatinName: "Nyctereutes procyonoides", EnglishName: "Raccoon dog"},
		{Family: "Felidae", Genus: "Lynx", LatinName: "Lynx lynx", EnglishName: "Eurasian lynx"},
		{Family: "Felidae", Genus: "Felis", LatinName: "Felis silvestris", EnglishName: "European wildcat"},
		{Family: "Ursidae", Genus: "Ursus", LatinName: "Ursus arctos", EnglishName: "Brown bear"},
		{Family: "Mustelidae", Genus: "Meles", LatinName: "Meles meles", EnglishName: "European badger"},
		{Family: "Mustelidae", Genus: "Martes", LatinName: "Martes martes", EnglishName: "Pine marten"},
		{Family: "Mustelidae", Genus: "Lutra", LatinName: "Lutra lutra", EnglishName: "Eurasian otter"},
		{Family: "Suidae", Genus: "Sus", LatinName: "Sus scrofa", EnglishName: "Wild boar"},
		{Family: "Cervidae", Genus: "Cervus", LatinName: "Cervus elaphus", EnglishName: "Red deer"},
		{Family: "Cervidae", Genus: "Capreolus", LatinName: "Capreolus capreolus", EnglishName: "Roe deer"},
		{Family: "Cervidae", Genus: "Alces", LatinName: "Alces alces", EnglishName: "Moose"},
		{Family: "Bovidae", Genus: "Bison", LatinName: "Bison bonasus", EnglishName: "European bison"},
		{Family: "Leporidae", Genus: "Lepus", LatinName: "Lepus europaeus", EnglishName: "European hare"},
		{Family: "Sciuridae", Genus: "Sciurus", LatinName: "Sciurus vulgaris", EnglishName: "Red squirrel"},
		{Family: "Erinaceidae", Genus: "Erinaceus", LatinName: "Erinaceus europaeus", EnglishName: "European hedgehog"},
	}
	for i := range starter {
		starter[i].Id = uuid.New()
	}
	return txn.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "latin_name"}}, DoNothing: true,
	}).Create(&starter).Error
}
