package classification

import (
	"errors"
	"fmt"
	"trapper/trapper/access"
	"trapper/trapper/classificator"
	"trapper/trapper/schema"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrPermissionDenied      = errors.New("permission denied")
	ErrNoClassificator       = errors.New("classification project has no classificator attached")
	ErrSequencingDisabled    = errors.New("sequencing is not enabled for this collection")
	ErrResourceNotInBinding  = errors.New("resource does not belong to the collection binding")
	ErrResourceAlreadyInSeq  = errors.New("resource already belongs to a sequence in this binding")
	ErrClassificationMissing = errors.New("classification does not belong to the selected project")
)

// Service drives the classification lifecycle: materialization, drafts,
// approval, sequences, and bulk import.
type Service struct {
	db             *gorm.DB
	access         *access.Service
	classificators *classificator.Service
}

func NewService(db *gorm.DB, accessSvc *access.Service, classificators *classificator.Service) *Service {
	return &Service{db: db, access: accessSvc, classificators: classificators}
}

// projectFormFields resolves the validator set for a classification
// project's attached classificator.
func (s *Service) projectFormFields(project schema.ClassificationProject) (classificator.FormFields, error) {
	if project.ClassificatorId == nil {
		return classificator.FormFields{}, ErrNoClassificator
	}
	c, err := schema.GetClassificator(*project.ClassificatorId, s.db)
	if err != nil {
		return classificator.FormFields{}, err
	}
	return s.classificators.PrepareFormFields(c)
}

func attrsToMap(attrs datatypes.JSONMap) map[string]string {
	out := make(map[string]string, len(attrs))
	for name, value := range attrs {
		out[name] = fmt.Sprintf("%v", value)
	}
	return out
}

func mapToAttrs(attrs map[string]string) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(attrs))
	for name, value := range attrs {
		out[name] = value
	}
	return out
}
