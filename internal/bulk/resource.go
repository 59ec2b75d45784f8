package bulk

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// knownResourceTypes is the set of FHIR R4 resource types this receiver
// accepts in NDJSON lines.
var knownResourceTypes = map[string]struct{}{
	"AllergyIntolerance":       {},
	"Appointment":              {},
	"Binary":                   {},
	"Bundle":                   {},
	"CarePlan":                 {},
	"CareTeam":                 {},
	"Claim":                    {},
	"ClaimResponse":            {},
	"Condition":                {},
	"Consent":                  {},
	"Coverage":                 {},
	"Device":                   {},
	"DiagnosticReport":         {},
	"DocumentReference":        {},
	"Encounter":                {},
	"EpisodeOfCare":            {},
	"ExplanationOfBenefit":     {},
	"FamilyMemberHistory":      {},
	"Goal":                     {},
	"Group":                    {},
	"Immunization":             {},
	"ImagingStudy":             {},
	"Location":                 {},
	"Medication":               {},
	"MedicationAdministration": {},
	"MedicationDispense":       {},
	"MedicationRequest":        {},
	"MedicationStatement":      {},
	"Observation":              {},
	"OperationOutcome":         {},
	"Organization":             {},
	"Patient":                  {},
	"Practitioner":             {},
	"PractitionerRole":         {},
	"Procedure":                {},
	"Provenance":               {},
	"QuestionnaireResponse":    {},
	"RelatedPerson":            {},
	"ServiceRequest":           {},
	"Specimen":                 {},
}

// parsedResource is the minimally decoded view of an NDJSON line.
type parsedResource struct {
	ResourceType string
	ID           string
}

// parseResource validates that a line is a FHIR-shaped resource object
// with a recognized resourceType, a non-empty string id, and, when
// expectedType is set, a matching resourceType.
func parseResource(line []byte, expectedType string) (*parsedResource, error) {
	trimmed := bytes.TrimLeft(line, " \t")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("line is not a JSON object")
	}

	var probe struct {
		ResourceType json.RawMessage `json:"resourceType"`
		ID           json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, fmt.Errorf("line is not valid JSON: %w", err)
	}

	var resourceType string
	if probe.ResourceType == nil || json.Unmarshal(probe.ResourceType, &resourceType) != nil {
		return nil, fmt.Errorf("resource has no resourceType")
	}
	if _, ok := knownResourceTypes[resourceType]; !ok {
		return nil, fmt.Errorf("unknown resourceType %q", resourceType)
	}

	var id string
	if probe.ID == nil || json.Unmarshal(probe.ID, &id) != nil || id == "" {
		return nil, fmt.Errorf("resource has no id")
	}

	if expectedType != "" && resourceType != expectedType {
		return nil, fmt.Errorf("expected resourceType %q, got %q", expectedType, resourceType)
	}

	return &parsedResource{ResourceType: resourceType, ID: id}, nil
}
