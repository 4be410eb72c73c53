package classificator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"trapper/trapper/schema"

	"gorm.io/datatypes"
)

// FieldErrors maps attribute names to their validation messages.
type FieldErrors map[string][]string

func (e FieldErrors) Add(field, msg string) {
	e[field] = append(e[field], msg)
}

func (e FieldErrors) Error() string {
	parts := make([]string, 0, len(e))
	for field, msgs := range e {
		parts = append(parts, fmt.Sprintf("%v: %v", field, strings.Join(msgs, "; ")))
	}
	return strings.Join(parts, "\n")
}

// AttrSettings is the stored shape of one custom attribute.
type AttrSettings struct {
	FieldType string `json:"field_type"`
	Target    string `json:"target"`
	Required  bool   `json:"required"`
	Initial   string `json:"initial"`
	Values    string `json:"values"`
}

// ValuesList splits the comma separated values entry, dropping blanks.
func (s AttrSettings) ValuesList() []string {
	if s.Values == "" {
		return nil
	}
	parts := strings.Split(s.Values, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			values = append(values, part)
		}
	}
	return values
}

// PredefinedSettings is the stored shape of one predefined attribute.
type PredefinedSettings struct {
	Enabled  bool     `json:"enabled"`
	Required bool     `json:"required"`
	Target   string   `json:"target"`
	Selected []string `json:"selected,omitempty"`
}

type PredefinedSpec struct {
	Name        string
	FieldType   string
	ModelBacked bool
}

// PredefinedCatalogue is the fixed set of predefined attributes a
// classificator may enable.
var PredefinedCatalogue = []PredefinedSpec{
	{Name: "annotations", FieldType: schema.FieldAnnotations},
	{Name: "comments", FieldType: schema.FieldComment},
	{Name: "marked", FieldType: schema.FieldBool},
	{Name: "empty", FieldType: schema.FieldBool},
	{Name: "species", FieldType: schema.FieldString, ModelBacked: true},
}

func predefinedSpec(name string) (PredefinedSpec, bool) {
	for _, spec := range PredefinedCatalogue {
		if spec.Name == name {
			return spec, true
		}
	}
	return PredefinedSpec{}, false
}

// ParseCustomAttrs reads the custom attr map, accepting both the JSON-encoded
// string form and the already structured form. Callers that mutate the
// classificator write the normalized string form back.
func ParseCustomAttrs(raw datatypes.JSONMap) (map[string]AttrSettings, error) {
	attrs := make(map[string]AttrSettings, len(raw))
	for name, value := range raw {
		var settings AttrSettings
		switch v := value.(type) {
		case string:
			if err := json.Unmarshal([]byte(v), &settings); err != nil {
				return nil, fmt.Errorf("malformed settings for attribute %v: %w", name, err)
			}
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("malformed settings for attribute %v: %w", name, err)
			}
			if err := json.Unmarshal(encoded, &settings); err != nil {
				return nil, fmt.Errorf("malformed settings for attribute %v: %w", name, err)
			}
		}
		attrs[name] = settings
	}
	return attrs, nil
}

func encodeCustomAttrs(attrs map[string]AttrSettings) datatypes.JSONMap {
	raw := make(datatypes.JSONMap, len(attrs))
	for name, settings := range attrs {
		encoded, _ := json.Marshal(settings)
		raw[name] = string(encoded)
	}
	return raw
}

// ParsePredefinedAttrs reads the predefined attr map from its companion-key
// layout: <name>, required_<name>, target_<name>, selected_<name>.
func ParsePredefinedAttrs(raw datatypes.JSONMap) map[string]PredefinedSettings {
	attrs := map[string]PredefinedSettings{}
	for _, spec := range PredefinedCatalogue {
		settings := PredefinedSettings{Target: schema.TargetDynamic}
		settings.Enabled = truthy(raw[spec.Name])
		settings.Required = truthy(raw["required_"+spec.Name])
		if target, ok := raw["target_"+spec.Name].(string); ok && target != "" {
			settings.Target = target
		}
		settings.Selected = stringList(raw["selected_"+spec.Name])
		if settings.Enabled {
			attrs[spec.Name] = settings
		}
	}
	return attrs
}

func encodePredefinedAttrs(attrs map[string]PredefinedSettings) datatypes.JSONMap {
	raw := datatypes.JSONMap{}
	for name, settings := range attrs {
		if !settings.Enabled {
			continue
		}
		raw[name] = "true"
		raw["required_"+name] = strconv.FormatBool(settings.Required)
		raw["target_"+name] = settings.Target
		if len(settings.Selected) > 0 {
			raw["selected_"+name] = strings.Join(settings.Selected, ",")
		}
	}
	return raw
}

func truthy(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

func stringList(value interface{}) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
		return out
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}

// SplitOrder parses a comma separated order list.
func SplitOrder(order string) []string {
	if order == "" {
		return nil
	}
	parts := strings.Split(order, ",")
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			names = append(names, part)
		}
	}
	return names
}

func JoinOrder(names []string) string {
	return strings.Join(names, ",")
}
