package access

import (
	"log/slog"
	"time"
	"trapper/trapper/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const DefaultFloodDelay = time.Hour

// Service implements permission checks and membership propagation over the
// collection membership table. Checks return plain bools; a failed lookup is
// logged and treated as no access.
type Service struct {
	db *gorm.DB

	// FloodDelay is the window during which repeated access requests for the
	// same collection by the same user are rejected.
	FloodDelay time.Duration
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db, FloodDelay: DefaultFloodDelay}
}

func (s *Service) isOwnerOrManager(user schema.User, ownerId uuid.UUID, managers []schema.User) bool {
	if user.IsAdmin || user.Id == ownerId {
		return true
	}
	for _, manager := range managers {
		if manager.Id == user.Id {
			return true
		}
	}
	return false
}

// hasResourceMembership reports whether the user holds one of the given
// levels in any collection containing the resource.
func (s *Service) hasResourceMembership(user schema.User, resourceId uuid.UUID, levels []int) bool {
	var count int64
	err := s.db.Model(&schema.CollectionMember{}).
		Joins("JOIN collection_resources cr ON cr.collection_id = collection_members.collection_id").
		Where("collection_members.user_id = ? AND cr.resource_id = ? AND collection_members.level IN ?", user.Id, resourceId, levels).
		Count(&count).Error
	if err != nil {
		slog.Error("sql error in resource membership check", "user_id", user.Id, "resource_id", resourceId, "error", err)
		return false
	}
	return count > 0
}

func (s *Service) hasCollectionMembership(userId, collectionId uuid.UUID, levels []int) bool {
	var count int64
	err := s.db.Model(&schema.CollectionMember{}).
		Where("user_id = ? AND collection_id = ? AND level IN ?", userId, collectionId, levels).
		Count(&count).Error
	if err != nil {
		slog.Error("sql error in collection membership check", "user_id", userId, "collection_id", collectionId, "error", err)
		return false
	}
	return count > 0
}

// CanViewResource grants full file access. Basic viewers see metadata and
// thumbnails only; pass basic=true for that weaker check.
func (s *Service) CanViewResource(user schema.User, resource schema.Resource, basic bool) bool {
	if s.isOwnerOrManager(user, resource.OwnerId, resource.Managers) {
		return true
	}
	if resource.Status == schema.StatusPublic {
		return true
	}

	levels := []int{schema.LevelAccess, schema.LevelAccessRequest}
	if basic {
		levels = append(levels, schema.LevelAccessBasic)
	}
	return s.hasResourceMembership(user, resource.Id, levels)
}

func (s *Service) CanUpdateResource(user schema.User, resource schema.Resource) bool {
	if s.isOwnerOrManager(user, resource.OwnerId, resource.Managers) {
		return true
	}
	return s.hasResourceMembership(user, resource.Id, []int{schema.LevelUpdate})
}

func (s *Service) CanDeleteResource(user schema.User, resource schema.Resource) bool {
	if user.IsAdmin || user.Id == resource.OwnerId {
		return true
	}
	return s.hasResourceMembership(user, resource.Id, []int{schema.LevelDelete})
}

func (s *Service) CanUpdateDeployment(user schema.User, deployment schema.Deployment) bool {
	return s.isOwnerOrManager(user, deployment.OwnerId, deployment.Managers)
}

func (s *Service) CanViewCollection(user schema.User, collection schema.Collection, basic bool) bool {
	if s.isOwnerOrManager(user, collection.OwnerId, collection.Managers) {
		return true
	}
	if collection.Status == schema.StatusPublic {
		return true
	}

	levels := []int{schema.LevelAccess, schema.LevelAccessRequest}
	if basic {
		levels = append(levels, schema.LevelAccessBasic)
	}
	return s.hasCollectionMembership(user.Id, collection.Id, levels)
}

func (s *Service) CanUpdateCollection(user schema.User, collection schema.Collection) bool {
	if s.isOwnerOrManager(user, collection.OwnerId, collection.Managers) {
		return true
	}
	return s.hasCollectionMembership(user.Id, collection.Id, []int{schema.LevelUpdate})
}

func (s *Service) CanDeleteCollection(user schema.User, collection schema.Collection) bool {
	if user.IsAdmin || user.Id == collection.OwnerId {
		return true
	}
	return s.hasCollectionMembership(user.Id, collection.Id, []int{schema.LevelDelete})
}

func (s *Service) researchRole(projectId, userId uuid.UUID) string {
	role, err := schema.GetProjectRole(projectId, userId, s.db)
	if err != nil {
		return ""
	}
	return role
}

func (s *Service) classificationRole(projectId, userId uuid.UUID) string {
	role, err := schema.GetClassificationProjectRole(projectId, userId, s.db)
	if err != nil {
		return ""
	}
	return role
}

func (s *Service) CanViewResearchProject(user schema.User, project schema.ResearchProject) bool {
	if user.IsAdmin || user.Id == project.OwnerId {
		return true
	}
	if project.Status != schema.ProjectApproved {
		return false
	}
	return s.researchRole(project.Id, user.Id) != ""
}

func (s *Service) CanUpdateResearchProject(user schema.User, project schema.ResearchProject) bool {
	if user.IsAdmin || user.Id == project.OwnerId {
		return true
	}
	if project.Status != schema.ProjectApproved {
		return false
	}
	return s.researchRole(project.Id, user.Id) == schema.RoleAdmin
}

func (s *Service) CanDeleteResearchProject(user schema.User, project schema.ResearchProject) bool {
	return user.IsAdmin || user.Id == project.OwnerId
}

// CanViewClassificationProject grants owners, admins and role holders;
// crowdsourcing projects are visible to any authenticated user.
func (s *Service) CanViewClassificationProject(user schema.User, project schema.ClassificationProject) bool {
	if user.IsAdmin || user.Id == project.OwnerId {
		return true
	}
	if project.EnableCrowdsourcing {
		return true
	}
	return s.classificationRole(project.Id, user.Id) != ""
}

func (s *Service) CanUpdateClassificationProject(user schema.User, project schema.ClassificationProject) bool {
	if user.IsAdmin || user.Id == project.OwnerId {
		return true
	}
	return s.classificationRole(project.Id, user.Id) == schema.RoleAdmin
}

func (s *Service) CanDeleteClassificationProject(user schema.User, project schema.ClassificationProject) bool {
	return user.IsAdmin || user.Id == project.OwnerId
}

// IsProjectAdmin reports whether the user administers the classification
// project, which gates approval and sequence rebuilds.
func (s *Service) IsProjectAdmin(user schema.User, project schema.ClassificationProject) bool {
	if user.IsAdmin || user.Id == project.OwnerId {
		return true
	}
	return s.classificationRole(project.Id, user.Id) == schema.RoleAdmin
}

// IsProjectExpert reports whether the user may submit drafts in the
// classification project. Admins are experts too.
func (s *Service) IsProjectExpert(user schema.User, project schema.ClassificationProject) bool {
	if s.IsProjectAdmin(user, project) {
		return true
	}
	return s.classificationRole(project.Id, user.Id) == schema.RoleExpert
}

func (s *Service) CanViewClassification(user schema.User, classification schema.Classification) bool {
	if user.IsAdmin {
		return true
	}
	return s.classificationRole(classification.ProjectId, user.Id) != ""
}

func (s *Service) CanApproveClassification(user schema.User, classification schema.Classification) bool {
	project, err := schema.GetClassificationProject(classification.ProjectId, s.db, false)
	if err != nil {
		return false
	}
	return s.IsProjectAdmin(user, project)
}
