package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Resource is an untyped FHIR resource. Profiles are read and written in this
// form so a read-modify-write keeps every field this service does not know.
type Resource map[string]any

func (r Resource) ResourceType() string {
	s, _ := r["resourceType"].(string)
	return s
}

func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

// Reference returns "Type/id".
func (r Resource) Reference() string {
	return r.ResourceType() + "/" + r.ID()
}

// Extensions decodes the top-level extension array.
func (r Resource) Extensions() []Extension {
	raw, ok := r["extension"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var exts []Extension
	if err := json.Unmarshal(data, &exts); err != nil {
		return nil
	}
	return exts
}

// SetExtensions replaces the top-level extension array.
func (r Resource) SetExtensions(exts []Extension) {
	if len(exts) == 0 {
		delete(r, "extension")
		return
	}
	r["extension"] = exts
}

type Meta struct {
	VersionID   string `json:"versionId,omitempty"`
	LastUpdated string `json:"lastUpdated,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// SplitReference splits "Type/id" into its parts.
func SplitReference(ref string) (resourceType, id string, err error) {
	resourceType, id, ok := strings.Cut(ref, "/")
	if !ok || resourceType == "" || id == "" || strings.Contains(id, "/") {
		return "", "", fmt.Errorf("malformed reference %q", ref)
	}
	return resourceType, id, nil
}

type Extension struct {
	URL           string `json:"url"`
	ValueInteger  *int   `json:"valueInteger,omitempty"`
	ValueDateTime string `json:"valueDateTime,omitempty"`
	ValueString   string `json:"valueString,omitempty"`
	ValueBoolean  *bool  `json:"valueBoolean,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Attachment struct {
	ContentType string  `json:"contentType,omitempty"`
	URL         string  `json:"url,omitempty"`
	Title       string  `json:"title,omitempty"`
	Size        int     `json:"size,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
}

// Profile is the subset of Patient/Practitioner this service reads.
type Profile struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	Name         []HumanName `json:"name,omitempty"`
	Extension    []Extension `json:"extension,omitempty"`
}

type CommunicationPayload struct {
	ContentString     string      `json:"contentString,omitempty"`
	ContentAttachment *Attachment `json:"contentAttachment,omitempty"`
}

// Communication carries both chat threads (no partOf) and their messages.
type Communication struct {
	ResourceType string                 `json:"resourceType"`
	ID           string                 `json:"id,omitempty"`
	Meta         *Meta                  `json:"meta,omitempty"`
	Status       string                 `json:"status,omitempty"`
	PartOf       []Reference            `json:"partOf,omitempty"`
	Topic        *CodeableConcept       `json:"topic,omitempty"`
	Subject      *Reference             `json:"subject,omitempty"`
	Sender       *Reference             `json:"sender,omitempty"`
	Recipient    []Reference            `json:"recipient,omitempty"`
	Sent         string                 `json:"sent,omitempty"`
	Received     string                 `json:"received,omitempty"`
	Payload      []CommunicationPayload `json:"payload,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"`
	Total        int           `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// NextURL returns the link to the following search page, or "".
func (b *Bundle) NextURL() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// Resources decodes every entry whose resourceType matches into out, which
// must be a pointer to a slice.
func (b *Bundle) Resources(resourceType string, out any) error {
	raws := make([]json.RawMessage, 0, len(b.Entry))
	for _, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(e.Resource, &head); err != nil {
			return fmt.Errorf("decoding bundle entry: %w", err)
		}
		if head.ResourceType == resourceType {
			raws = append(raws, e.Resource)
		}
	}
	data, err := json.Marshal(raws)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

type Issue struct {
	Severity    string           `json:"severity,omitempty"`
	Code        string           `json:"code,omitempty"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
}

type OperationOutcome struct {
	ResourceType string  `json:"resourceType"`
	Issue        []Issue `json:"issue,omitempty"`
}

// PatchOp is one JSON Patch (RFC 6902) operation.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Parameters is the FHIR Parameters resource returned by operations.
type Parameters struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []Parameter `json:"parameter,omitempty"`
}

type Parameter struct {
	Name        string `json:"name"`
	ValueString string `json:"valueString,omitempty"`
	ValueURL    string `json:"valueUrl,omitempty"`
}

// Get returns the first string or URL value of the named parameter.
func (p Parameters) Get(name string) string {
	for _, param := range p.Parameter {
		if param.Name == name {
			if param.ValueString != "" {
				return param.ValueString
			}
			return param.ValueURL
		}
	}
	return ""
}
