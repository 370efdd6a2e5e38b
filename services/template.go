package services

import (
	"regexp"
	"sort"

	"github.com/synckit/profile-engine/models"
)

// templateVariable matches {{ key }} style references inside option values
var templateVariable = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// ExtractDependencyKeys returns the distinct property keys referenced by
// template variables across all option values, sorted
func ExtractDependencyKeys(options models.OptionMap) []string {
	seen := map[string]bool{}
	for _, value := range options {
		for _, match := range templateVariable.FindAllStringSubmatch(value, -1) {
			seen[match[1]] = true
		}
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// RenderOptions substitutes template variables with the referenced profile
// property values. Multi-valued properties substitute their first value.
func RenderOptions(options models.OptionMap, values map[string][]string) models.OptionMap {
	rendered := make(models.OptionMap, len(options))
	for name, value := range options {
		rendered[name] = templateVariable.ReplaceAllStringFunc(value, func(ref string) string {
			key := templateVariable.FindStringSubmatch(ref)[1]
			propertyValues, ok := values[key]
			if !ok || len(propertyValues) == 0 {
				return ""
			}
			return propertyValues[0]
		})
	}
	return rendered
}
