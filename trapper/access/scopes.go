package access

import (
	"trapper/trapper/schema"

	"gorm.io/gorm"
)

// Accessible scopes narrow a query to rows the user may at least see
// metadata of. Admins bypass every scope.

func (s *Service) AccessibleResources(user schema.User) *gorm.DB {
	query := s.db.Model(&schema.Resource{})
	if user.IsAdmin {
		return query
	}

	memberResources := s.db.Model(&schema.CollectionMember{}).
		Select("cr.resource_id").
		Joins("JOIN collection_resources cr ON cr.collection_id = collection_members.collection_id").
		Where("collection_members.user_id = ?", user.Id)

	managedResources := s.db.Table("resource_managers").
		Select("resource_id").Where("user_id = ?", user.Id)

	return query.Where(
		"status = ? OR owner_id = ? OR id IN (?) OR id IN (?)",
		schema.StatusPublic, user.Id, memberResources, managedResources,
	)
}

func (s *Service) AccessibleCollections(user schema.User) *gorm.DB {
	query := s.db.Model(&schema.Collection{})
	if user.IsAdmin {
		return query
	}

	memberCollections := s.db.Model(&schema.CollectionMember{}).
		Select("collection_id").Where("user_id = ?", user.Id)

	managedCollections := s.db.Table("collection_managers").
		Select("collection_id").Where("user_id = ?", user.Id)

	return query.Where(
		"status = ? OR owner_id = ? OR id IN (?) OR id IN (?)",
		schema.StatusPublic, user.Id, memberCollections, managedCollections,
	)
}

func (s *Service) AccessibleResearchProjects(user schema.User) *gorm.DB {
	query := s.db.Model(&schema.ResearchProject{})
	if user.IsAdmin {
		return query
	}

	roleProjects := s.db.Model(&schema.ResearchProjectRole{}).
		Select("project_id").Where("user_id = ?", user.Id)

	return query.Where(
		"owner_id = ? OR (status = ? AND id IN (?))",
		user.Id, schema.ProjectApproved, roleProjects,
	)
}

func (s *Service) AccessibleClassificationProjects(user schema.User) *gorm.DB {
	query := s.db.Model(&schema.ClassificationProject{}).Where("disabled_at IS NULL")
	if user.IsAdmin {
		return query
	}

	roleProjects := s.db.Model(&schema.ClassificationProjectRole{}).
		Select("project_id").Where("user_id = ?", user.Id)

	return query.Where("owner_id = ? OR enable_crowdsourcing OR id IN (?)", user.Id, roleProjects)
}

func (s *Service) AccessibleClassifications(user schema.User) *gorm.DB {
	query := s.db.Model(&schema.Classification{})
	if user.IsAdmin {
		return query
	}

	roleProjects := s.db.Model(&schema.ClassificationProjectRole{}).
		Select("project_id").Where("user_id = ?", user.Id)

	ownedProjects := s.db.Model(&schema.ClassificationProject{}).
		Select("id").Where("owner_id = ?", user.Id)

	return query.Where("project_id IN (?) OR project_id IN (?)", roleProjects, ownedProjects)
}
