package mapping

import (
	"sort"
	"strings"
	"unicode"

	"github.com/tridz-dev/lightning-import/internal/api"
)

// identifierFieldname is the platform's primary identifier on every doctype.
const identifierFieldname = "name"

// minFuzzyLength keeps the prefix tier away from trivially short keys.
const minFuzzyLength = 3

// Alias tokens resolved by policy rather than by name similarity.
const (
	aliasID   = "id"
	aliasName = "name"
)

// Result is a candidate mapping plus the required fields it leaves unserved.
type Result struct {
	Mapping          map[string]string
	UnmappedRequired []string
}

// assignSource records how a column got its current target, so later passes
// know which claims they may displace.
type assignSource int

const (
	sourceNone assignSource = iota
	sourcePrior
	sourceGeneric
	sourceAlias
)

// normalizeKey derives the comparison key for a column or field name:
// lower-cased, with whitespace, underscores and hyphens removed.
func normalizeKey(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '_' || r == '-' {
			return -1
		}
		return unicode.ToLower(r)
	}, name)
}

// fuzzyMatch accepts a prefix relationship in either direction once both
// keys are long enough for that to mean anything.
func fuzzyMatch(a, b string) bool {
	if len(a) < minFuzzyLength || len(b) < minFuzzyLength {
		return false
	}
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

// AutoMap builds a candidate mapping for the header row against the
// destination schema. prior carries previously confirmed assignments keyed
// by exact column name and wins over any matching. Unmatched columns map to
// the empty sentinel, meaning the column is not imported.
//
// The result depends only on header order and schema order, so identical
// inputs always produce an identical mapping.
func AutoMap(headers []string, fields []api.DestinationField, prior map[string]string) Result {
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f.Fieldname] = true
	}

	// Duplicate header names collapse onto one mapping entry; only the first
	// occurrence takes part in matching.
	seen := make(map[string]bool, len(headers))
	ordered := make([]string, 0, len(headers))
	for _, column := range headers {
		if seen[column] {
			continue
		}
		seen[column] = true
		ordered = append(ordered, column)
	}

	mapping := make(map[string]string, len(ordered))
	claimedBy := make(map[string]string, len(ordered))
	source := make(map[string]assignSource, len(ordered))

	assign := func(column, target string, src assignSource) {
		if old := mapping[column]; old != "" {
			delete(claimedBy, old)
		}
		mapping[column] = target
		if target != "" {
			claimedBy[target] = column
		}
		source[column] = src
	}

	// Confirmed assignments from an earlier session apply first. Targets that
	// have left the schema, or are already claimed, fall through to matching.
	for _, column := range ordered {
		mapping[column] = ""
		target, ok := prior[column]
		if !ok || target == "" || !known[target] {
			continue
		}
		if _, taken := claimedBy[target]; taken {
			continue
		}
		assign(column, target, sourcePrior)
	}

	// Generic matching: exact normalized equality against fieldname or label,
	// then a prefix pass for truncated spellings like "Email Addr" against
	// "Email Address". Claimed targets are skipped, so earlier columns win.
	for _, column := range ordered {
		if source[column] != sourceNone {
			continue
		}
		key := normalizeKey(column)
		if key == "" {
			continue
		}

		target := ""
		for _, f := range fields {
			if _, taken := claimedBy[f.Fieldname]; taken {
				continue
			}
			if key == normalizeKey(f.Fieldname) || key == normalizeKey(f.Label) {
				target = f.Fieldname
				break
			}
		}
		if target == "" {
			for _, f := range fields {
				if _, taken := claimedBy[f.Fieldname]; taken {
					continue
				}
				if fuzzyMatch(key, normalizeKey(f.Fieldname)) || fuzzyMatch(key, normalizeKey(f.Label)) {
					target = f.Fieldname
					break
				}
			}
		}
		if target != "" {
			assign(column, target, sourceGeneric)
		}
	}

	// Alias overrides run last so they beat generic matches. A generic claim
	// on the policy target is displaced and its column left unmapped;
	// confirmed and earlier alias claims stay put.
	idField := identifierField(fields)
	displayField := firstDisplayField(fields, idField)

	for _, column := range ordered {
		if source[column] == sourcePrior {
			continue
		}

		var target string
		switch normalizeKey(column) {
		case aliasID:
			target = idField
		case aliasName:
			target = displayField
		default:
			continue
		}
		if target == "" {
			continue
		}
		if mapping[column] == target {
			source[column] = sourceAlias
			continue
		}

		if holder, taken := claimedBy[target]; taken {
			if source[holder] != sourceGeneric {
				continue
			}
			assign(holder, "", sourceNone)
		}
		assign(column, target, sourceAlias)
	}

	var missing []string
	for _, f := range fields {
		if !f.Required() {
			continue
		}
		if _, ok := claimedBy[f.Fieldname]; !ok {
			missing = append(missing, f.Fieldname)
		}
	}

	return Result{Mapping: mapping, UnmappedRequired: missing}
}

// identifierField finds the schema's primary identifier: the platform names
// it "name" and labels it "ID". Falls back to any field whose label
// normalizes to "id".
func identifierField(fields []api.DestinationField) string {
	for _, f := range fields {
		if f.Fieldname == identifierFieldname {
			return f.Fieldname
		}
	}
	for _, f := range fields {
		if normalizeKey(f.Label) == aliasID {
			return f.Fieldname
		}
	}
	return ""
}

// firstDisplayField picks the target for the "name" alias: the first
// descriptor in schema order that is not the identifier itself.
func firstDisplayField(fields []api.DestinationField, idField string) string {
	for _, f := range fields {
		if f.Fieldname != idField {
			return f.Fieldname
		}
	}
	return ""
}

// ValidateMapping runs the save-time checks over a fully edited mapping:
// every required destination field mapped by some column, and no destination
// field claimed by more than one column. Checks cover the whole mapping at
// once, never a single edited entry.
func ValidateMapping(mapping map[string]string, fields []api.DestinationField) error {
	targets := make(map[string][]string)
	for column, target := range mapping {
		if target == "" {
			continue
		}
		targets[target] = append(targets[target], column)
	}

	var missing []string
	for _, f := range fields {
		if f.Required() && len(targets[f.Fieldname]) == 0 {
			missing = append(missing, f.Fieldname)
		}
	}
	if len(missing) > 0 {
		return &IncompleteError{Missing: missing}
	}

	duplicates := make(map[string][]string)
	for target, columns := range targets {
		if len(columns) > 1 {
			sort.Strings(columns)
			duplicates[target] = columns
		}
	}
	if len(duplicates) > 0 {
		return &ConflictError{Duplicates: duplicates}
	}

	return nil
}
