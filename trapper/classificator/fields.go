package classificator

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
	"trapper/trapper/schema"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Field validates one attribute value. Raw values are strings; numeric
// coercion happens here and nowhere else.
type Field struct {
	Name      string
	FieldType string
	Required  bool
	Initial   string
	Choices   []string
}

var boolChoices = []string{"False", "True"}

// Validate cleans a raw value. The cleaned value is the canonical string
// rendering: numerics reformatted, blanks kept blank.
func (f Field) Validate(raw string) (string, error) {
	if raw == "" {
		if f.Required {
			return "", fmt.Errorf("this field is required")
		}
		return "", nil
	}

	switch f.FieldType {
	case schema.FieldInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", fmt.Errorf("%v is not an integer", raw)
		}
		raw = strconv.FormatInt(n, 10)
	case schema.FieldFloat:
		x, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return "", fmt.Errorf("%v is not a number", raw)
		}
		raw = strconv.FormatFloat(x, 'g', -1, 64)
	case schema.FieldBool:
		if !lo.Contains(boolChoices, raw) {
			return "", fmt.Errorf("%v is not one of False, True", raw)
		}
	}

	if len(f.Choices) > 0 && !lo.Contains(f.Choices, raw) {
		return "", fmt.Errorf("%v is not a valid choice", raw)
	}

	return raw, nil
}

// FormFields is the validator set for one classificator version, split into
// the static and the dynamic form region.
type FormFields struct {
	Static  []Field
	Dynamic []Field
}

func validateRegion(fields []Field, attrs map[string]string, errs FieldErrors) map[string]string {
	cleaned := map[string]string{}
	known := map[string]struct{}{}
	for _, field := range fields {
		known[field.Name] = struct{}{}
		value, err := field.Validate(attrs[field.Name])
		if err != nil {
			errs.Add(field.Name, err.Error())
			continue
		}
		if value != "" {
			cleaned[field.Name] = value
		}
	}
	for name := range attrs {
		if _, ok := known[name]; !ok {
			errs.Add(name, "unknown attribute")
		}
	}
	return cleaned
}

// ValidateStatic cleans a static attr map against the static fields.
func (ff FormFields) ValidateStatic(attrs map[string]string) (map[string]string, FieldErrors) {
	errs := FieldErrors{}
	cleaned := validateRegion(ff.Static, attrs, errs)
	if len(errs) > 0 {
		return nil, errs
	}
	return cleaned, nil
}

// ValidateDynamic cleans every dynamic row. Row errors are keyed as
// "<row index>.<attribute>".
func (ff FormFields) ValidateDynamic(rows []map[string]string) ([]map[string]string, FieldErrors) {
	errs := FieldErrors{}
	cleaned := make([]map[string]string, 0, len(rows))
	for i, row := range rows {
		rowErrs := FieldErrors{}
		cleanedRow := validateRegion(ff.Dynamic, row, rowErrs)
		for field, msgs := range rowErrs {
			errs[fmt.Sprintf("%d.%v", i, field)] = msgs
		}
		cleaned = append(cleaned, cleanedRow)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return cleaned, nil
}

const fieldsCacheTTL = 5 * time.Minute

type fieldsCacheKey struct {
	id      uuid.UUID
	version int64
}

type fieldsCacheEntry struct {
	fields  FormFields
	addedAt time.Time
}

type fieldsCache struct {
	mu      sync.Mutex
	entries map[fieldsCacheKey]fieldsCacheEntry
}

func (c *fieldsCache) get(key fieldsCacheKey) (FormFields, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Since(entry.addedAt) > fieldsCacheTTL {
		return FormFields{}, false
	}
	return entry.fields, true
}

func (c *fieldsCache) put(key fieldsCacheKey, fields FormFields) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for existing := range c.entries {
		if existing.id == key.id && existing.version != key.version {
			delete(c.entries, existing)
		}
	}
	c.entries[key] = fieldsCacheEntry{fields: fields, addedAt: time.Now()}
}

// PrepareFormFields builds the validator set for a classificator, memoized
// per (id, updated_at) so any save invalidates the cached entry.
func (s *Service) PrepareFormFields(classificator schema.Classificator) (FormFields, error) {
	key := fieldsCacheKey{id: classificator.Id, version: classificator.UpdatedAt.UnixNano()}
	if fields, ok := s.cache.get(key); ok {
		return fields, nil
	}

	fields, err := s.buildFormFields(classificator)
	if err != nil {
		return FormFields{}, err
	}
	s.cache.put(key, fields)
	return fields, nil
}

func (s *Service) buildFormFields(classificator schema.Classificator) (FormFields, error) {
	custom, err := ParseCustomAttrs(classificator.CustomAttrs)
	if err != nil {
		return FormFields{}, err
	}
	predefined := ParsePredefinedAttrs(classificator.PredefinedAttrs)

	build := func(names []string) ([]Field, error) {
		fields := make([]Field, 0, len(names))
		for _, name := range names {
			if settings, ok := custom[name]; ok {
				field := Field{
					Name:      name,
					FieldType: settings.FieldType,
					Required:  settings.Required,
					Initial:   settings.Initial,
					Choices:   settings.ValuesList(),
				}
				if settings.FieldType == schema.FieldBool {
					field.Choices = boolChoices
				}
				fields = append(fields, field)
				continue
			}

			settings, ok := predefined[name]
			if !ok {
				continue
			}
			spec, _ := predefinedSpec(name)
			field := Field{Name: name, FieldType: spec.FieldType, Required: settings.Required}
			switch {
			case spec.FieldType == schema.FieldBool:
				field.Choices = boolChoices
			case spec.ModelBacked:
				choices, err := s.speciesChoices(settings.Selected)
				if err != nil {
					return nil, err
				}
				field.Choices = choices
			}
			fields = append(fields, field)
		}
		return fields, nil
	}

	static, err := build(GetStaticAttrsOrder(classificator))
	if err != nil {
		return FormFields{}, err
	}
	dynamic, err := build(GetDynamicAttrsOrder(classificator))
	if err != nil {
		return FormFields{}, err
	}

	return FormFields{Static: static, Dynamic: dynamic}, nil
}

// speciesChoices resolves the selected species subset to latin names, or the
// full species list when nothing was selected.
func (s *Service) speciesChoices(selected []string) ([]string, error) {
	if len(selected) > 0 {
		return selected, nil
	}

	var names []string
	err := s.db.Model(&schema.Species{}).Order("latin_name").Pluck("latin_name", &names).Error
	if err != nil {
		slog.Error("sql error listing species", "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return names, nil
}

// SelectedSpecies loads the Species rows behind the classificator's species
// selection, used by the taxonomic coverage block of exports.
func (s *Service) SelectedSpecies(classificator schema.Classificator) ([]schema.Species, error) {
	predefined := ParsePredefinedAttrs(classificator.PredefinedAttrs)
	settings, ok := predefined["species"]
	if !ok {
		return nil, nil
	}

	query := s.db.Model(&schema.Species{}).Order("latin_name")
	if len(settings.Selected) > 0 {
		query = query.Where("latin_name IN ?", settings.Selected)
	}

	var species []schema.Species
	if err := query.Find(&species).Error; err != nil {
		slog.Error("sql error loading selected species", "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return species, nil
}
