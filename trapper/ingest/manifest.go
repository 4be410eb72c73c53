package ingest

import (
	"fmt"
	"strings"
	"time"
	"trapper/trapper/access"
	"trapper/trapper/schema"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// Manifest is the uploaded collection definition. Resources listed directly
// on a collection have no deployment.
type Manifest struct {
	Collections []ManifestCollection `yaml:"collections"`
}

type ManifestCollection struct {
	Name         string               `yaml:"name"`
	ResourcesDir string               `yaml:"resources_dir"`
	ProjectName  string               `yaml:"project_name"`
	Managers     []ManifestManager    `yaml:"managers"`
	Deployments  []ManifestDeployment `yaml:"deployments"`
	Resources    []ManifestResource   `yaml:"resources"`
}

type ManifestManager struct {
	Username string `yaml:"username"`
}

type ManifestDeployment struct {
	DeploymentID string             `yaml:"deployment_id"`
	Resources    []ManifestResource `yaml:"resources"`
}

type ManifestResource struct {
	Name         string `yaml:"name"`
	File         string `yaml:"file"`
	ExtraFile    string `yaml:"extra_file"`
	DateRecorded string `yaml:"date_recorded"`
}

// ValidationReport collects manifest violations, one message per line.
type ValidationReport struct {
	Lines []string
}

func (r *ValidationReport) add(format string, args ...interface{}) {
	r.Lines = append(r.Lines, fmt.Sprintf(format, args...))
}

func (r *ValidationReport) Ok() bool { return len(r.Lines) == 0 }

func (r *ValidationReport) Error() string { return strings.Join(r.Lines, "\n") }

// ParseManifest unmarshals and structurally validates the manifest bytes.
func ParseManifest(data []byte) (Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("error parsing collection definition: %w", err)
	}

	report := &ValidationReport{}
	if len(manifest.Collections) == 0 {
		report.add("The definition contains no collections")
	}
	for _, collection := range manifest.Collections {
		if collection.Name == "" {
			report.add("Collection without a name")
			continue
		}
		if collection.ResourcesDir == "" {
			report.add("Collection %v: resources_dir is required", collection.Name)
		}
		if len(collection.Deployments) == 0 && len(collection.Resources) == 0 {
			report.add("Collection %v: no resources defined", collection.Name)
		}
		for _, deployment := range collection.Deployments {
			if deployment.DeploymentID == "" {
				report.add("Collection %v: deployment without a deployment_id", collection.Name)
			}
			validateResourceEntries(report, collection.Name, deployment.Resources)
		}
		validateResourceEntries(report, collection.Name, collection.Resources)
	}
	if !report.Ok() {
		return Manifest{}, report
	}
	return manifest, nil
}

func validateResourceEntries(report *ValidationReport, collection string, resources []ManifestResource) {
	for _, resource := range resources {
		if resource.Name == "" || resource.File == "" {
			report.add("Collection %v: resource entries need both name and file", collection)
			continue
		}
		if _, err := parseDateRecorded(resource.DateRecorded); err != nil {
			report.add("Collection %v: resource %v: %v", collection, resource.Name, err)
		}
	}
}

func parseDateRecorded(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("date_recorded is required")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date_recorded %q", value)
}

// manifestRefs resolves references to rows as the validator finds them, so
// materialization reuses the loaded entities.
type manifestRefs struct {
	deployments map[string]schema.Deployment
	projects    map[string]schema.ResearchProject
	managers    map[string]schema.User
}

// validateRefs checks every referenced deployment, research project acronym
// and manager username against the database and the uploader's permissions.
func validateRefs(db *gorm.DB, acl *access.Service, user schema.User, manifest Manifest) (manifestRefs, *ValidationReport) {
	refs := manifestRefs{
		deployments: map[string]schema.Deployment{},
		projects:    map[string]schema.ResearchProject{},
		managers:    map[string]schema.User{},
	}
	report := &ValidationReport{}

	for _, collection := range manifest.Collections {
		if collection.ProjectName != "" {
			if _, seen := refs.projects[collection.ProjectName]; !seen {
				var project schema.ResearchProject
				err := db.First(&project, "acronym = ?", collection.ProjectName).Error
				if err != nil {
					report.add("Research project %v does not exist", collection.ProjectName)
				} else if !acl.CanViewResearchProject(user, project) {
					report.add("Research project %v is not available to you", collection.ProjectName)
				} else {
					refs.projects[collection.ProjectName] = project
				}
			}
		}

		for _, manager := range collection.Managers {
			if _, seen := refs.managers[manager.Username]; seen {
				continue
			}
			managerUser, err := schema.GetUserByUsername(manager.Username, db)
			if err != nil {
				report.add("User %v does not exist", manager.Username)
				continue
			}
			refs.managers[manager.Username] = managerUser
		}

		for _, deployment := range collection.Deployments {
			if _, seen := refs.deployments[deployment.DeploymentID]; seen {
				continue
			}
			var row schema.Deployment
			err := db.Preload("Managers").First(&row, "deployment_id = ?", deployment.DeploymentID).Error
			if err != nil {
				report.add("Deployment %v does not exist", deployment.DeploymentID)
				continue
			}
			if !acl.CanUpdateDeployment(user, row) {
				report.add("Deployment %v is not available to you", deployment.DeploymentID)
				continue
			}
			refs.deployments[deployment.DeploymentID] = row
		}
	}

	return refs, report
}
