package sync

import (
	"fmt"
	"sort"

	"github.com/xelth-com/ecktrackgo/internal/models"
)

// ChangedFields returns the names of fields whose value in current differs
// from base. Values are normalized first so a jsonb round trip ([]string vs
// []interface{}, list order) does not register as a change.
func ChangedFields(current, base models.JSONB) models.StringList {
	changed := models.StringList{}
	seen := make(map[string]bool)

	for name, value := range current {
		seen[name] = true
		if normalizeValue(value) != normalizeValue(base[name]) {
			changed = append(changed, name)
		}
	}
	for name, value := range base {
		if !seen[name] && normalizeValue(value) != normalizeValue(nil) {
			changed = append(changed, name)
		}
	}

	sort.Strings(changed)
	return changed
}

// Intersect returns the field names present in both lists
func Intersect(a, b models.StringList) models.StringList {
	out := models.StringList{}
	for _, name := range a {
		if b.Contains(name) {
			out = append(out, name)
		}
	}
	return out
}

// Union returns the deduplicated union of both lists, sorted
func Union(a, b models.StringList) models.StringList {
	set := make(map[string]bool, len(a)+len(b))
	for _, name := range a {
		set[name] = true
	}
	for _, name := range b {
		set[name] = true
	}
	out := make(models.StringList, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// PickFields copies the named fields out of src
func PickFields(src models.JSONB, names models.StringList) models.JSONB {
	out := models.JSONB{}
	for _, name := range names {
		if value, ok := src[name]; ok {
			out[name] = value
		}
	}
	return out
}

// normalizeValue renders a field value in a comparable canonical form.
// String lists compare as sorted sets, nil and empty compare equal.
func normalizeValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return "s:" + v
	case models.StringList:
		return normalizeList([]string(v))
	case []string:
		return normalizeList(v)
	case []interface{}:
		items := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				items = append(items, s)
			} else {
				items = append(items, fmt.Sprintf("%v", item))
			}
		}
		return normalizeList(items)
	case float64:
		return fmt.Sprintf("n:%g", v)
	case int:
		return fmt.Sprintf("n:%g", float64(v))
	case int64:
		return fmt.Sprintf("n:%g", float64(v))
	case bool:
		return fmt.Sprintf("b:%t", v)
	}
	return fmt.Sprintf("v:%v", value)
}

func normalizeList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	sorted := make([]string, len(items))
	copy(sorted, items)
	sort.Strings(sorted)
	out := "l:"
	for _, item := range sorted {
		out += item + "\x1f"
	}
	return out
}
