package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type User struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Username string `gorm:"unique;size:50;not null"`
	Email    string `gorm:"unique;size:254;not null"`
	Password []byte

	FirstName   string `gorm:"size:100"`
	LastName    string `gorm:"size:100"`
	Institution string `gorm:"size:255"`

	IsAdmin bool `gorm:"not null;default:false"`
}

type Location struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	LocationID string  `gorm:"size:100;unique;not null"`
	X          float64 `gorm:"not null"`
	Y          float64 `gorm:"not null"`
	Timezone   string  `gorm:"size:64;not null;default:'UTC'"`

	OwnerId uuid.UUID `gorm:"type:uuid;not null"`
	Owner   *User
}

type Deployment struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	// DeploymentID is derived as "<code>-<location id>" on every save.
	DeploymentCode string `gorm:"size:50;not null"`
	DeploymentID   string `gorm:"size:100;index"`

	LocationId uuid.UUID `gorm:"type:uuid;not null"`
	Location   *Location

	StartDate *time.Time
	EndDate   *time.Time

	ResearchProjectId *uuid.UUID `gorm:"type:uuid"`

	OwnerId  uuid.UUID `gorm:"type:uuid;not null"`
	Owner    *User
	Managers []User `gorm:"many2many:deployment_managers"`

	CorrectSetup  bool `gorm:"not null;default:true"`
	CorrectTstamp bool `gorm:"not null;default:true"`

	DateCreated time.Time
}

func (d *Deployment) RefreshDeploymentID() {
	if d.Location != nil {
		d.DeploymentID = fmt.Sprintf("%v-%v", d.DeploymentCode, d.Location.LocationID)
	}
}

type Resource struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name        string `gorm:"size:255;not null"`
	Description string

	FilePath      string `gorm:"size:500;not null"`
	ExtraFilePath string `gorm:"size:500"`
	ThumbnailPath string `gorm:"size:500"`
	PreviewPath   string `gorm:"size:500"`

	MimeType      string `gorm:"size:255"`
	ExtraMimeType string `gorm:"size:255"`
	ResourceType  string `gorm:"size:1"`

	DateUploaded time.Time
	DateRecorded time.Time `gorm:"not null;index"`

	// Deployments are protected references: a deployment cannot be removed
	// while resources still point at it.
	DeploymentId *uuid.UUID  `gorm:"type:uuid"`
	Deployment   *Deployment `gorm:"constraint:OnDelete:RESTRICT"`

	Status string `gorm:"size:8;not null;default:'Private'"`

	OwnerId  uuid.UUID `gorm:"type:uuid;not null"`
	Owner    *User
	Managers []User `gorm:"many2many:resource_managers"`

	InheritPrefix bool   `gorm:"not null;default:false"`
	CustomPrefix  string `gorm:"size:255"`

	Tags []ResourceTag `gorm:"constraint:OnDelete:CASCADE"`
}

// PrefixedName joins the custom prefix, the deployment id (when inheriting)
// and the resource name with underscores.
func (r *Resource) PrefixedName() string {
	parts := []string{}
	if r.CustomPrefix != "" {
		parts = append(parts, r.CustomPrefix)
	}
	if r.InheritPrefix && r.Deployment != nil && r.Deployment.DeploymentID != "" {
		parts = append(parts, r.Deployment.DeploymentID)
	}
	parts = append(parts, r.Name)
	return strings.Join(parts, "_")
}

// DateRecordedTz renders date_recorded in the deployment location's timezone,
// falling back to UTC for resources without a deployment.
func (r *Resource) DateRecordedTz() time.Time {
	if r.Deployment != nil && r.Deployment.Location != nil {
		if loc, err := time.LoadLocation(r.Deployment.Location.Timezone); err == nil {
			return r.DateRecorded.In(loc)
		}
	}
	return r.DateRecorded.UTC()
}

// CheckDateRecorded reports whether date_recorded falls inside the
// deployment's observation window. Violations are warnings, not errors.
func (r *Resource) CheckDateRecorded() bool {
	if r.Deployment == nil {
		return true
	}
	if r.Deployment.StartDate != nil && r.DateRecorded.Before(*r.Deployment.StartDate) {
		return false
	}
	if r.Deployment.EndDate != nil && r.DateRecorded.After(*r.Deployment.EndDate) {
		return false
	}
	return true
}

type ResourceTag struct {
	ResourceId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name       string    `gorm:"size:100;primaryKey"`
}

type Collection struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name        string `gorm:"size:255;not null;index"`
	Description string

	OwnerId  uuid.UUID `gorm:"type:uuid;not null"`
	Owner    *User
	Managers []User `gorm:"many2many:collection_managers"`

	Status string `gorm:"size:8;not null;default:'Private'"`

	Resources []Resource `gorm:"many2many:collection_resources"`

	// Bounding envelope of contained deployment locations, null while no
	// contained resource has a located deployment.
	BboxWest  *float64
	BboxSouth *float64
	BboxEast  *float64
	BboxNorth *float64

	PeriodBegin *time.Time
	PeriodEnd   *time.Time

	DateCreated time.Time
}

func (c *Collection) IsPublic() bool {
	return c.Status == StatusPublic
}

type CollectionMember struct {
	UserId       uuid.UUID `gorm:"type:uuid;primaryKey"`
	CollectionId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Level        int       `gorm:"primaryKey"`

	User       *User       `gorm:"constraint:OnDelete:CASCADE"`
	Collection *Collection `gorm:"constraint:OnDelete:CASCADE"`
}

type ResearchProject struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name    string `gorm:"size:255;unique;not null"`
	Acronym string `gorm:"size:10;unique;not null"`

	Description string
	Abstract    string
	Methods     string

	OwnerId uuid.UUID `gorm:"type:uuid;not null"`
	Owner   *User

	Status     string `gorm:"size:16;not null;default:'NotProcessed'"`
	StatusDate *time.Time

	Keywords []ResearchProjectKeyword `gorm:"constraint:OnDelete:CASCADE"`

	DateCreated time.Time
}

type ResearchProjectKeyword struct {
	ResearchProjectId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name              string    `gorm:"size:100;primaryKey"`
}

type ResearchProjectRole struct {
	ProjectId uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserId    uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name        string `gorm:"size:16;not null"`
	DateCreated time.Time

	Project *ResearchProject `gorm:"constraint:OnDelete:CASCADE"`
	User    *User            `gorm:"constraint:OnDelete:CASCADE"`
}

type ResearchProjectCollection struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ProjectId    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_research_project_collection"`
	CollectionId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_research_project_collection"`

	Project    *ResearchProject `gorm:"constraint:OnDelete:CASCADE"`
	Collection *Collection      `gorm:"constraint:OnDelete:CASCADE"`
}

type ClassificationProject struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name string `gorm:"size:255;not null"`

	ResearchProjectId uuid.UUID `gorm:"type:uuid;not null"`
	ResearchProject   *ResearchProject

	OwnerId uuid.UUID `gorm:"type:uuid;not null"`
	Owner   *User

	ClassificatorId *uuid.UUID `gorm:"type:uuid"`
	Classificator   *Classificator

	EnableSequencing    bool `gorm:"not null;default:true"`
	EnableCrowdsourcing bool `gorm:"not null;default:false"`
	DeploymentBasedNav  bool `gorm:"not null;default:false"`

	DisabledAt   *time.Time
	DisabledById *uuid.UUID `gorm:"type:uuid"`

	DateCreated time.Time
}

func (p *ClassificationProject) IsDisabled() bool {
	return p.DisabledAt != nil
}

type ClassificationProjectRole struct {
	ProjectId uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserId    uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name        string `gorm:"size:16;not null"`
	DateCreated time.Time

	Project *ClassificationProject `gorm:"constraint:OnDelete:CASCADE"`
	User    *User                  `gorm:"constraint:OnDelete:CASCADE"`
}

// ClassificationProjectCollection binds a research project collection into a
// classification project. Creating one materializes classification rows for
// every resource in the underlying collection.
type ClassificationProjectCollection struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ProjectId uuid.UUID `gorm:"type:uuid;not null"`
	Project   *ClassificationProject

	ResearchCollectionId uuid.UUID                  `gorm:"type:uuid;not null"`
	ResearchCollection   *ResearchProjectCollection `gorm:"constraint:OnDelete:RESTRICT"`

	IsActive                bool `gorm:"not null;default:true"`
	EnableSequencingExperts bool `gorm:"not null;default:true"`
	EnableCrowdsourcing     bool `gorm:"not null;default:true"`
}

type Classificator struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name        string `gorm:"size:255;unique;not null"`
	Description string

	OwnerId uuid.UUID `gorm:"type:uuid;not null"`
	Owner   *User

	CustomAttrs     datatypes.JSONMap
	PredefinedAttrs datatypes.JSONMap

	// Comma separated attribute names fixing render and export order.
	DynamicAttrsOrder string
	StaticAttrsOrder  string

	Template string `gorm:"size:50;not null;default:'inline'"`

	CopyOfId *uuid.UUID `gorm:"type:uuid"`

	DisabledAt   *time.Time
	DisabledById *uuid.UUID `gorm:"type:uuid"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *Classificator) IsDisabled() bool {
	return c.DisabledAt != nil
}

// ClassificatorHistory records classificator swaps within classification
// projects so admins can recover from an accidental detach.
type ClassificatorHistory struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ClassificationProjectId uuid.UUID  `gorm:"type:uuid;not null"`
	ClassificatorId         *uuid.UUID `gorm:"type:uuid"`

	ChangeDate time.Time
}

type Classification struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ResourceId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_classification_resource_binding"`
	Resource   *Resource

	ProjectId uuid.UUID `gorm:"type:uuid;not null;index"`
	Project   *ClassificationProject

	CollectionId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_classification_resource_binding"`
	Collection   *ClassificationProjectCollection

	SequenceId *uuid.UUID `gorm:"type:uuid"`
	Sequence   *Sequence  `gorm:"constraint:OnDelete:SET NULL"`

	StaticAttrs datatypes.JSONMap

	Status string `gorm:"size:8;not null;default:'REJECTED'"`

	OwnerId *uuid.UUID `gorm:"type:uuid"`

	ApprovedById     *uuid.UUID          `gorm:"type:uuid"`
	ApprovedAt       *time.Time
	ApprovedSourceId *uuid.UUID          `gorm:"type:uuid"`
	ApprovedSource   *UserClassification `gorm:"foreignKey:ApprovedSourceId;constraint:OnDelete:SET NULL"`

	UpdatedById *uuid.UUID `gorm:"type:uuid"`
	UpdatedAt   *time.Time

	CreatedAt time.Time

	DynamicAttrs []ClassificationDynamicAttrs `gorm:"constraint:OnDelete:CASCADE"`
}

func (c *Classification) IsApproved() bool {
	return c.Status == ClassificationApproved
}

type ClassificationDynamicAttrs struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ClassificationId uuid.UUID `gorm:"type:uuid;not null;index"`
	Attrs            datatypes.JSONMap
}

type UserClassification struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ClassificationId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_user_classification_owner"`
	Classification   *Classification

	OwnerId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_user_classification_owner"`
	Owner   *User

	StaticAttrs datatypes.JSONMap

	CreatedAt time.Time
	UpdatedAt time.Time

	DynamicAttrs []UserClassificationDynamicAttrs `gorm:"constraint:OnDelete:CASCADE"`
}

type UserClassificationDynamicAttrs struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	UserClassificationId uuid.UUID `gorm:"type:uuid;not null;index"`
	Attrs                datatypes.JSONMap
}

// Sequence groups temporally adjacent resources within one collection
// binding. SequenceID is assigned per binding as max+1.
type Sequence struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	SequenceID int `gorm:"not null"`

	CollectionId uuid.UUID `gorm:"type:uuid;not null;index"`
	Collection   *ClassificationProjectCollection

	Description string

	CreatedById uuid.UUID `gorm:"type:uuid;not null"`
	CreatedAt   time.Time

	Resources []SequenceResource `gorm:"constraint:OnDelete:CASCADE"`
}

type SequenceResource struct {
	SequenceId uuid.UUID `gorm:"type:uuid;primaryKey"`
	ResourceId uuid.UUID `gorm:"type:uuid;primaryKey"`
}

// CollectionRequest asks the owner of an on-demand collection for elevated
// access within a research project. Requests are flood-controlled per
// (requester, collection).
type CollectionRequest struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	UserId uuid.UUID `gorm:"type:uuid;not null"` // recipient (collection owner)
	User   *User     `gorm:"foreignKey:UserId"`

	UserFromId uuid.UUID `gorm:"type:uuid;not null"`
	UserFrom   *User     `gorm:"foreignKey:UserFromId"`

	ProjectId uuid.UUID        `gorm:"type:uuid;not null"`
	Project   *ResearchProject `gorm:"foreignKey:ProjectId"`

	Collections []Collection `gorm:"many2many:collection_request_collections"`

	Text string

	AddedAt    time.Time
	ResolvedAt *time.Time
	IsApproved bool `gorm:"not null;default:false"`
}

type Message struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Subject string `gorm:"size:255;not null"`
	Text    string

	UserFromId uuid.UUID `gorm:"type:uuid;not null"`
	UserToId   uuid.UUID `gorm:"type:uuid;not null"`

	MessageType string `gorm:"size:32;not null;default:'standard'"`

	DateSent     time.Time
	DateReceived *time.Time
}

// UserTask ties a submitted async job to the submitting user so progress is
// visible on their dashboard and cancellation can be authorized.
type UserTask struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	UserId uuid.UUID `gorm:"type:uuid;not null;index"`
	User   *User

	TaskId string `gorm:"size:100;not null;uniqueIndex"`
	Name   string `gorm:"size:100;not null"`
	Status string `gorm:"size:16;not null;default:'queued'"`
	Log    string

	CreatedAt  time.Time
	FinishedAt *time.Time
}

// Task statuses.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskComplete  = "complete"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

type UserDataPackage struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	UserId uuid.UUID `gorm:"type:uuid;not null;index"`
	User   *User

	PackagePath string `gorm:"size:500;not null"`
	PackageType string `gorm:"size:1;not null"`

	DateCreated time.Time
}

// Species backs the predefined "species" classificator attribute and the
// taxonomic coverage blocks in EML exports.
type Species struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Family      string `gorm:"size:100"`
	Genus       string `gorm:"size:100"`
	LatinName   string `gorm:"size:100;unique;not null"`
	EnglishName string `gorm:"size:100"`
}

// AllModels lists every model for AutoMigrate, in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&User{}, &Location{}, &Deployment{}, &Resource{}, &ResourceTag{},
		&Collection{}, &CollectionMember{},
		&ResearchProject{}, &ResearchProjectKeyword{}, &ResearchProjectRole{},
		&ResearchProjectCollection{},
		&Classificator{}, &ClassificatorHistory{},
		&ClassificationProject{}, &ClassificationProjectRole{},
		&ClassificationProjectCollection{},
		&Classification{}, &ClassificationDynamicAttrs{},
		&UserClassification{}, &UserClassificationDynamicAttrs{},
		&Sequence{}, &SequenceResource{},
		&CollectionRequest{}, &Message{},
		&UserTask{}, &UserDataPackage{}, &Species{},
	}
}
