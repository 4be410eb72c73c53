package classificator

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"trapper/trapper/schema"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

var (
	ErrNotClassificatorOwner = errors.New("only the classificator owner can modify it")
	ErrClassificatorDisabled = errors.New("classificator is disabled")
)

type Service struct {
	db    *gorm.DB
	cache fieldsCache
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db, cache: fieldsCache{entries: map[fieldsCacheKey]fieldsCacheEntry{}}}
}

func (s *Service) Create(owner schema.User, name, description, template string) (schema.Classificator, error) {
	classificator := schema.Classificator{
		Id:          uuid.New(),
		Name:        name,
		Description: description,
		OwnerId:     owner.Id,
	}
	if template != "" {
		classificator.Template = template
	}

	if err := s.db.Create(&classificator).Error; err != nil {
		slog.Error("sql error creating classificator", "name", name, "error", err)
		return schema.Classificator{}, schema.ErrDbAccessFailed
	}
	return classificator, nil
}

// AccessibleClassificators lists enabled classificators; any authenticated
// user may browse them.
func (s *Service) AccessibleClassificators() *gorm.DB {
	return s.db.Model(&schema.Classificator{}).Where("disabled_at IS NULL")
}

func (s *Service) checkOwner(classificator schema.Classificator, user schema.User) error {
	if classificator.IsDisabled() {
		return ErrClassificatorDisabled
	}
	if classificator.OwnerId != user.Id && !user.IsAdmin {
		return ErrNotClassificatorOwner
	}
	return nil
}

func validateCustomAttr(name string, settings AttrSettings) FieldErrors {
	errs := FieldErrors{}

	if name == "" {
		errs.Add("name", "attribute name must not be empty")
	}
	if strings.Contains(name, ",") {
		errs.Add("name", "attribute name must not contain a comma")
	}
	if _, reserved := predefinedSpec(name); reserved {
		errs.Add("name", fmt.Sprintf("%v is a predefined attribute name", name))
	}

	switch settings.FieldType {
	case schema.FieldString, schema.FieldInt, schema.FieldFloat, schema.FieldBool:
	default:
		errs.Add("field_type", fmt.Sprintf("unknown field type %v", settings.FieldType))
	}
	if settings.Target != schema.TargetStatic && settings.Target != schema.TargetDynamic {
		errs.Add("target", fmt.Sprintf("unknown target %v", settings.Target))
	}

	values := settings.ValuesList()

	if settings.FieldType == schema.FieldBool && settings.Values != "" {
		errs.Add("values", "boolean attributes have implicit values False, True")
	}

	if len(values) > 0 && settings.FieldType != schema.FieldBool {
		if len(lo.Uniq(values)) != len(values) {
			errs.Add("values", "values must be unique")
		}
		if len(values) < 2 {
			errs.Add("values", "at least two values are required for a select attribute")
		}
		if settings.Initial != "" && !lo.Contains(values, settings.Initial) {
			errs.Add("initial", fmt.Sprintf("%v is not among the declared values", settings.Initial))
		}
	}

	checkNumeric := func(value, key string) {
		if value == "" {
			return
		}
		switch settings.FieldType {
		case schema.FieldInt:
			if _, err := strconv.ParseInt(value, 10, 64); err != nil {
				errs.Add(key, fmt.Sprintf("%v is not an integer", value))
			}
		case schema.FieldFloat:
			if _, err := strconv.ParseFloat(value, 64); err != nil {
				errs.Add(key, fmt.Sprintf("%v is not a number", value))
			}
		}
	}
	for _, value := range values {
		checkNumeric(value, "values")
	}
	checkNumeric(settings.Initial, "initial")

	if settings.FieldType == schema.FieldBool && settings.Initial != "" && !lo.Contains(boolChoices, settings.Initial) {
		errs.Add("initial", fmt.Sprintf("%v is not one of False, True", settings.Initial))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetCustomAttr adds or replaces a custom attribute and keeps the order
// lists in lockstep.
func (s *Service) SetCustomAttr(classificatorId uuid.UUID, user schema.User, name string, settings AttrSettings) error {
	if errs := validateCustomAttr(name, settings); errs != nil {
		return errs
	}

	return s.db.Transaction(func(txn *gorm.DB) error {
		classificator, err := schema.GetClassificator(classificatorId, txn)
		if err != nil {
			return err
		}
		if err := s.checkOwner(classificator, user); err != nil {
			return err
		}

		custom, err := ParseCustomAttrs(classificator.CustomAttrs)
		if err != nil {
			return err
		}
		custom[name] = settings
		classificator.CustomAttrs = encodeCustomAttrs(custom)

		syncOrders(&classificator, custom, ParsePredefinedAttrs(classificator.PredefinedAttrs))
		return s.save(txn, &classificator)
	})
}

// RemoveCustomAttr drops a custom attribute and its order entries.
func (s *Service) RemoveCustomAttr(classificatorId uuid.UUID, user schema.User, name string) error {
	return s.db.Transaction(func(txn *gorm.DB) error {
		classificator, err := schema.GetClassificator(classificatorId, txn)
		if err != nil {
			return err
		}
		if err := s.checkOwner(classificator, user); err != nil {
			return err
		}

		custom, err := ParseCustomAttrs(classificator.CustomAttrs)
		if err != nil {
			return err
		}
		if _, ok := custom[name]; !ok {
			return fmt.Errorf("classificator has no attribute %v", name)
		}
		delete(custom, name)
		classificator.CustomAttrs = encodeCustomAttrs(custom)

		syncOrders(&classificator, custom, ParsePredefinedAttrs(classificator.PredefinedAttrs))
		return s.save(txn, &classificator)
	})
}

// SetPredefinedAttrs replaces the predefined attribute selection.
func (s *Service) SetPredefinedAttrs(classificatorId uuid.UUID, user schema.User, attrs map[string]PredefinedSettings) error {
	errs := FieldErrors{}
	for name, settings := range attrs {
		spec, ok := predefinedSpec(name)
		if !ok {
			errs.Add(name, "unknown predefined attribute")
			continue
		}
		if settings.Target != schema.TargetStatic && settings.Target != schema.TargetDynamic {
			errs.Add(name, fmt.Sprintf("unknown target %v", settings.Target))
		}
		if len(settings.Selected) > 0 && !spec.ModelBacked {
			errs.Add(name, "selection is only valid for model backed attributes")
		}
	}
	if len(errs) > 0 {
		return errs
	}

	return s.db.Transaction(func(txn *gorm.DB) error {
		classificator, err := schema.GetClassificator(classificatorId, txn)
		if err != nil {
			return err
		}
		if err := s.checkOwner(classificator, user); err != nil {
			return err
		}

		classificator.PredefinedAttrs = encodePredefinedAttrs(attrs)

		custom, err := ParseCustomAttrs(classificator.CustomAttrs)
		if err != nil {
			return err
		}
		syncOrders(&classificator, custom, ParsePredefinedAttrs(classificator.PredefinedAttrs))
		return s.save(txn, &classificator)
	})
}

// UpdateAttrsOrder replaces both order lists. Each list must be a
// permutation of the attribute names currently targeting that region.
func (s *Service) UpdateAttrsOrder(classificatorId uuid.UUID, user schema.User, static, dynamic []string) error {
	return s.db.Transaction(func(txn *gorm.DB) error {
		classificator, err := schema.GetClassificator(classificatorId, txn)
		if err != nil {
			return err
		}
		if err := s.checkOwner(classificator, user); err != nil {
			return err
		}

		custom, err := ParseCustomAttrs(classificator.CustomAttrs)
		if err != nil {
			return err
		}
		wantStatic, wantDynamic := attrNamesByTarget(custom, ParsePredefinedAttrs(classificator.PredefinedAttrs))

		if !sameSet(static, wantStatic) {
			return fmt.Errorf("static order list does not match the static attribute set")
		}
		if !sameSet(dynamic, wantDynamic) {
			return fmt.Errorf("dynamic order list does not match the dynamic attribute set")
		}

		classificator.StaticAttrsOrder = JoinOrder(static)
		classificator.DynamicAttrsOrder = JoinOrder(dynamic)
		return s.save(txn, &classificator)
	})
}

func (s *Service) save(txn *gorm.DB, classificator *schema.Classificator) error {
	if err := txn.Save(classificator).Error; err != nil {
		slog.Error("sql error saving classificator", "classificator_id", classificator.Id, "error", err)
		return schema.ErrDbAccessFailed
	}
	return nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	return len(lo.Intersect(lo.Uniq(a), b)) == len(b)
}

func attrNamesByTarget(custom map[string]AttrSettings, predefined map[string]PredefinedSettings) (static, dynamic []string) {
	for name, settings := range custom {
		if settings.Target == schema.TargetStatic {
			static = append(static, name)
		} else {
			dynamic = append(dynamic, name)
		}
	}
	for name, settings := range predefined {
		if settings.Target == schema.TargetStatic {
			static = append(static, name)
		} else {
			dynamic = append(dynamic, name)
		}
	}
	return static, dynamic
}

// syncOrders reconciles both order lists with the attribute sets: entries
// for removed attributes are dropped, new attributes appended, positions of
// untouched ones preserved.
func syncOrders(classificator *schema.Classificator, custom map[string]AttrSettings, predefined map[string]PredefinedSettings) {
	wantStatic, wantDynamic := attrNamesByTarget(custom, predefined)

	reconcile := func(order string, want []string) string {
		current := SplitOrder(order)
		kept := lo.Filter(current, func(name string, _ int) bool {
			return lo.Contains(want, name)
		})
		missing := lo.Filter(want, func(name string, _ int) bool {
			return !lo.Contains(kept, name)
		})
		return JoinOrder(append(kept, missing...))
	}

	classificator.StaticAttrsOrder = reconcile(classificator.StaticAttrsOrder, wantStatic)
	classificator.DynamicAttrsOrder = reconcile(classificator.DynamicAttrsOrder, wantDynamic)
}

func GetStaticAttrsOrder(classificator schema.Classificator) []string {
	return SplitOrder(classificator.StaticAttrsOrder)
}

func GetDynamicAttrsOrder(classificator schema.Classificator) []string {
	return SplitOrder(classificator.DynamicAttrsOrder)
}

// Clone copies a classificator for the cloning user under the name
// Copy_of_<n>_<original>, with n the first free integer. Cloning is allowed
// across users.
func (s *Service) Clone(classificatorId uuid.UUID, user schema.User) (schema.Classificator, error) {
	var clone schema.Classificator

	err := s.db.Transaction(func(txn *gorm.DB) error {
		source, err := schema.GetClassificator(classificatorId, txn)
		if err != nil {
			return err
		}

		name := ""
		for n := 1; ; n++ {
			name = fmt.Sprintf("Copy_of_%d_%v", n, source.Name)
			var count int64
			if err := txn.Model(&schema.Classificator{}).Where("name = ?", name).Count(&count).Error; err != nil {
				slog.Error("sql error checking clone name", "name", name, "error", err)
				return schema.ErrDbAccessFailed
			}
			if count == 0 {
				break
			}
		}

		clone = source
		clone.Id = uuid.New()
		clone.Name = name
		clone.OwnerId = user.Id
		clone.CopyOfId = &source.Id
		clone.DisabledAt = nil
		clone.DisabledById = nil
		clone.CreatedAt = time.Time{}
		clone.UpdatedAt = time.Time{}

		if err := txn.Create(&clone).Error; err != nil {
			slog.Error("sql error cloning classificator", "classificator_id", classificatorId, "error", err)
			return schema.ErrDbAccessFailed
		}
		return nil
	})
	if err != nil {
		return schema.Classificator{}, err
	}

	return clone, nil
}

// Delete removes a classificator. When any project using it holds approved
// classifications the row is soft disabled instead, so existing projects
// keep resolving it.
func (s *Service) Delete(classificatorId uuid.UUID, user schema.User) error {
	return s.db.Transaction(func(txn *gorm.DB) error {
		classificator, err := schema.GetClassificator(classificatorId, txn)
		if err != nil {
			return err
		}
		if classificator.OwnerId != user.Id && !user.IsAdmin {
			return ErrNotClassificatorOwner
		}

		var approved int64
		err = txn.Model(&schema.Classification{}).
			Joins("JOIN classification_projects cp ON cp.id = classifications.project_id").
			Where("cp.classificator_id = ? AND classifications.status = ?", classificatorId, schema.ClassificationApproved).
			Count(&approved).Error
		if err != nil {
			slog.Error("sql error counting approved classifications", "classificator_id", classificatorId, "error", err)
			return schema.ErrDbAccessFailed
		}

		if approved > 0 {
			now := time.Now().UTC()
			err = txn.Model(&schema.Classificator{}).Where("id = ?", classificatorId).
				Updates(map[string]interface{}{"disabled_at": now, "disabled_by_id": user.Id}).Error
			if err != nil {
				slog.Error("sql error disabling classificator", "classificator_id", classificatorId, "error", err)
				return schema.ErrDbAccessFailed
			}
			return nil
		}

		err = txn.Model(&schema.ClassificationProject{}).
			Where("classificator_id = ?", classificatorId).
			Update("classificator_id", nil).Error
		if err != nil {
			slog.Error("sql error detaching classificator from projects", "classificator_id", classificatorId, "error", err)
			return schema.ErrDbAccessFailed
		}

		if err := txn.Delete(&schema.Classificator{Id: classificatorId}).Error; err != nil {
			slog.Error("sql error deleting classificator", "classificator_id", classificatorId, "error", err)
			return schema.ErrDbAccessFailed
		}
		return nil
	})
}

// SwapProjectClassificator attaches a different classificator to a
// classification project and records the change.
func (s *Service) SwapProjectClassificator(projectId uuid.UUID, classificatorId *uuid.UUID, user schema.User) error {
	return s.db.Transaction(func(txn *gorm.DB) error {
		project, err := schema.GetClassificationProject(projectId, txn, false)
		if err != nil {
			return err
		}
		if project.OwnerId != user.Id && !user.IsAdmin {
			return ErrNotClassificatorOwner
		}

		if classificatorId != nil {
			classificator, err := schema.GetClassificator(*classificatorId, txn)
			if err != nil {
				return err
			}
			if classificator.IsDisabled() {
				return ErrClassificatorDisabled
			}
		}

		err = txn.Model(&schema.ClassificationProject{}).Where("id = ?", projectId).
			Update("classificator_id", classificatorId).Error
		if err != nil {
			slog.Error("sql error swapping project classificator", "project_id", projectId, "error", err)
			return schema.ErrDbAccessFailed
		}

		history := schema.ClassificatorHistory{
			Id:                      uuid.New(),
			ClassificationProjectId: projectId,
			ClassificatorId:         classificatorId,
			ChangeDate:              time.Now().UTC(),
		}
		if err := txn.Create(&history).Error; err != nil {
			slog.Error("sql error recording classificator history", "project_id", projectId, "error", err)
			return schema.ErrDbAccessFailed
		}
		return nil
	})
}
