package threads

import (
	"strings"

	"github.com/reflectionguide/reflect/internal/fhir"
)

// DisplayName composes "given family" from the first usable name, falling
// back to the name text, then the reference display, then DefaultDisplayName.
func DisplayName(names []fhir.HumanName, ref fhir.Reference) string {
	for _, n := range names {
		var parts []string
		if len(n.Given) > 0 && strings.TrimSpace(n.Given[0]) != "" {
			parts = append(parts, strings.TrimSpace(n.Given[0]))
		}
		if f := strings.TrimSpace(n.Family); f != "" {
			parts = append(parts, f)
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
		if t := strings.TrimSpace(n.Text); t != "" {
			return t
		}
	}
	if d := strings.TrimSpace(ref.Display); d != "" {
		return d
	}
	return DefaultDisplayName
}

// directory resolves participant references to display names.
type directory map[string][]fhir.HumanName

func (d directory) name(ref *fhir.Reference) string {
	if ref == nil {
		return DefaultDisplayName
	}
	return DisplayName(d[ref.Reference], *ref)
}

// directoryFromBundle collects the names of included Patient and
// Practitioner resources.
func directoryFromBundle(b *fhir.Bundle) directory {
	d := directory{}
	if b == nil {
		return d
	}
	for _, resourceType := range []string{"Patient", "Practitioner", "RelatedPerson"} {
		var profiles []fhir.Profile
		if err := b.Resources(resourceType, &profiles); err != nil {
			continue
		}
		for _, p := range profiles {
			d[p.ResourceType+"/"+p.ID] = p.Name
		}
	}
	return d
}
