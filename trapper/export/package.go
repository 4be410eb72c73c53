package export

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"
	"trapper/trapper/messaging"
	"trapper/trapper/schema"
	"trapper/trapper/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrPermissionDenied    = errors.New("permission denied")
	ErrPackageTooLarge     = errors.New("the requested package exceeds the size limit")
	ErrInsufficientStorage = errors.New("not enough free space in the package store")
)

const packageTimestampLayout = "02012006_150405"

// capWriter aborts the build the moment the archive crosses the size cap,
// so an over-cap package fails at the boundary instead of after rendering
// everything.
type capWriter struct {
	buf *bytes.Buffer
	cap int64
}

func (w *capWriter) Write(p []byte) (int, error) {
	if int64(w.buf.Len())+int64(len(p)) > w.cap {
		return 0, ErrPackageTooLarge
	}
	return w.buf.Write(p)
}

// ResultsOptions selects the optional members of a results package. The
// results CSV itself is always included.
type ResultsOptions struct {
	Deployments bool
	EML         bool
}

// BuildResultsPackage renders the project's results into a ZIP stored under
// the requesting user's package area and registers a data package row. The
// returned log names the package file.
func (s *Service) BuildResultsPackage(user schema.User, projectId uuid.UUID, options ResultsOptions) (string, error) {
	project, err := schema.GetClassificationProject(projectId, s.db, false)
	if err != nil {
		return "", err
	}
	if !s.access.CanViewClassificationProject(user, project) {
		return "", ErrPermissionDenied
	}
	research, err := schema.GetResearchProject(project.ResearchProjectId, s.db)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	archive := zip.NewWriter(&capWriter{buf: &buf, cap: s.MaxPackageSize})

	results, err := archive.Create("results.csv")
	if err != nil {
		return "", fmt.Errorf("error creating archive member: %w", err)
	}
	if err := s.WriteResults(results, projectId); err != nil {
		return "", err
	}
	if options.Deployments {
		deployments, err := archive.Create("deployments.csv")
		if err != nil {
			return "", fmt.Errorf("error creating archive member: %w", err)
		}
		if err := s.WriteDeployments(deployments, projectId); err != nil {
			return "", err
		}
	}
	if options.EML {
		eml, err := archive.Create("metadata.xml")
		if err != nil {
			return "", fmt.Errorf("error creating archive member: %w", err)
		}
		if err := s.WriteEML(eml, projectId); err != nil {
			return "", err
		}
	}
	if err := archive.Close(); err != nil {
		if errors.Is(err, ErrPackageTooLarge) {
			return "", ErrPackageTooLarge
		}
		return "", fmt.Errorf("error finalizing archive: %w", err)
	}
	if err := s.checkFreeSpace(int64(buf.Len())); err != nil {
		return "", err
	}

	filename := storage.PackageFilename(research.Acronym, time.Now().UTC().Format(packageTimestampLayout))
	packagePath := storage.PackagePath(user.Id, filename)
	if err := s.storage.Write(packagePath, &buf); err != nil {
		return "", err
	}

	row := schema.UserDataPackage{
		Id: uuid.New(), UserId: user.Id, PackagePath: packagePath,
		PackageType: schema.PackageClassificationResults, DateCreated: time.Now().UTC(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		slog.Error("sql error registering data package", "user_id", user.Id, "error", err)
		return "", schema.ErrDbAccessFailed
	}
	s.notifyPackageReady(user, filename)

	return fmt.Sprintf("Generated %v", filename), nil
}

func (s *Service) checkFreeSpace(size int64) error {
	usage, err := s.storage.Usage()
	if err != nil {
		return err
	}
	if uint64(size) > usage.FreeBytes {
		return ErrInsufficientStorage
	}
	return nil
}

func (s *Service) notifyPackageReady(user schema.User, filename string) {
	subject := fmt.Sprintf("Data package %v is ready to download", filename)
	if err := messaging.Send(s.db, user.Id, user.Id, messaging.TypePackageReady, subject, subject); err != nil {
		slog.Error("error sending package notification", "user_id", user.Id, "error", err)
	}
}

// BuildMediaPackage zips the media files of the given resources for the
// user. Resources the user may not fully access are skipped with a log
// line; file sizes are summed against the package cap up front.
func (s *Service) BuildMediaPackage(user schema.User, name string, resourceIds []uuid.UUID) (string, error) {
	var resources []schema.Resource
	for _, resourceId := range resourceIds {
		resource, err := schema.GetResource(resourceId, s.db, false, true)
		if err != nil {
			return "", err
		}
		resources = append(resources, resource)
	}

	skipped := []string{}
	included := []schema.Resource{}
	var total int64
	for _, resource := range resources {
		if !s.access.CanViewResource(user, resource, false) {
			skipped = append(skipped, resource.Name)
			continue
		}
		size, err := s.storage.Size(resource.FilePath)
		if err != nil {
			return "", err
		}
		total += size
		included = append(included, resource)
	}
	if total > s.MaxPackageSize {
		return "", ErrPackageTooLarge
	}
	if err := s.checkFreeSpace(total); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	archive := zip.NewWriter(&buf)
	for _, resource := range included {
		member, err := archive.Create(resource.PrefixedName() + filepath.Ext(resource.FilePath))
		if err != nil {
			return "", fmt.Errorf("error creating archive member: %w", err)
		}
		reader, err := s.storage.Read(resource.FilePath)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(member, reader)
		reader.Close()
		if err != nil {
			return "", fmt.Errorf("error copying %v into archive: %w", resource.Name, err)
		}
	}
	if err := archive.Close(); err != nil {
		return "", fmt.Errorf("error finalizing archive: %w", err)
	}

	if name == "" {
		name = "media_" + time.Now().UTC().Format(packageTimestampLayout)
	}
	packagePath := storage.PackagePath(user.Id, name+".zip")
	if err := s.storage.Write(packagePath, &buf); err != nil {
		return "", err
	}

	row := schema.UserDataPackage{
		Id: uuid.New(), UserId: user.Id, PackagePath: packagePath,
		PackageType: schema.PackageMediaFiles, DateCreated: time.Now().UTC(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		slog.Error("sql error registering data package", "user_id", user.Id, "error", err)
		return "", schema.ErrDbAccessFailed
	}
	s.notifyPackageReady(user, name+".zip")

	log := fmt.Sprintf("Packaged %d of %d resources into %v.zip", len(included), len(resources), name)
	for _, skippedName := range skipped {
		log += fmt.Sprintf("\n%v: permission denied", skippedName)
	}
	return log, nil
}

// Packages lists the user's generated data packages, newest first.
func (s *Service) Packages(user schema.User) ([]schema.UserDataPackage, error) {
	var packages []schema.UserDataPackage
	err := s.db.Order("date_created DESC").Find(&packages, "user_id = ?", user.Id).Error
	if err != nil {
		slog.Error("sql error listing data packages", "user_id", user.Id, "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return packages, nil
}

// OpenPackage streams a stored package back to its owner.
func (s *Service) OpenPackage(user schema.User, packageId uuid.UUID) (io.ReadCloser, string, error) {
	var row schema.UserDataPackage
	err := s.db.First(&row, "id = ?", packageId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", schema.ErrDataPackageNotFound
		}
		slog.Error("sql error in get data package", "package_id", packageId, "error", err)
		return nil, "", schema.ErrDbAccessFailed
	}
	if row.UserId != user.Id && !user.IsAdmin {
		return nil, "", ErrPermissionDenied
	}

	reader, err := s.storage.Read(row.PackagePath)
	if err != nil {
		return nil, "", err
	}
	return reader, filepath.Base(row.PackagePath), nil
}
