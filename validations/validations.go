package validations

import (
	"fmt"
	"slices"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/tidwall/gjson"
)

// Descriptor codes, one per detectable issue class.
const (
	CodePayloadUnavailable  = "payload_unavailable"
	CodeEmptyPayload        = "empty_payload"
	CodeMalformedPayload    = "malformed_payload"
	CodeMissingObservations = "missing_observations"
	CodeMissingField        = "missing_field"
	CodeDuplicateKey        = "duplicate_observation_key"
	CodeValueOutOfRange     = "value_out_of_range"
)

type ValidationError struct {
	Code    string
	Message string
}

// QualityReport is derived from a fetched payload and never persisted on its
// own. Score and Completeness are percentages in [0,100].
type QualityReport struct {
	Identifier   string
	Score        float64
	Completeness float64
	Errors       []ValidationError
}

// Validator scores a dataset payload for completeness and structural
// consistency. It never fails: an unusable payload yields a zero-score
// report with a descriptor, so a partially-bad dataset stays inspectable.
type Validator struct {
	log logger.Logger

	config struct {
		requiredFields     []string
		minPlausibleValue  float64
		maxPlausibleValue  float64
		consistencyPenalty float64
	}
}

func New(conf *config.Config, log logger.Logger) *Validator {
	v := &Validator{
		log: log.Child("validations"),
	}
	v.config.requiredFields = conf.GetStringSlice("StatAPI.Validation.requiredFields", []string{"key", "period", "value"})
	v.config.minPlausibleValue = conf.GetFloat64("StatAPI.Validation.minPlausibleValue", -1e12)
	v.config.maxPlausibleValue = conf.GetFloat64("StatAPI.Validation.maxPlausibleValue", 1e12)
	v.config.consistencyPenalty = conf.GetFloat64("StatAPI.Validation.consistencyPenalty", 10)
	return v
}

// UnavailableReport is the zero-score report for a dataset whose payload
// could not be fetched at all.
func UnavailableReport(identifier, reason string) QualityReport {
	return QualityReport{
		Identifier: identifier,
		Errors: []ValidationError{{
			Code:    CodePayloadUnavailable,
			Message: reason,
		}},
	}
}

func (v *Validator) Validate(identifier string, payload []byte) QualityReport {
	report := QualityReport{Identifier: identifier}

	if len(payload) == 0 {
		report.Errors = append(report.Errors, ValidationError{
			Code:    CodeEmptyPayload,
			Message: "no payload available for validation",
		})
		return report
	}
	if !gjson.ValidBytes(payload) {
		report.Errors = append(report.Errors, ValidationError{
			Code:    CodeMalformedPayload,
			Message: "payload is not valid JSON",
		})
		return report
	}

	observations := gjson.GetBytes(payload, "observations").Array()
	expected := len(observations)
	if declared := gjson.GetBytes(payload, "count"); declared.Exists() && declared.Int() > 0 {
		expected = int(declared.Int())
	}
	if expected == 0 {
		report.Errors = append(report.Errors, ValidationError{
			Code:    CodeMissingObservations,
			Message: "payload contains no observations",
		})
		return report
	}

	if len(observations) < expected {
		report.Errors = append(report.Errors, ValidationError{
			Code: CodeMissingObservations,
			Message: fmt.Sprintf("expected %d observations, found %d",
				expected, len(observations)),
		})
	}

	// Completeness is the fraction of expected fields actually present.
	expectedFields := expected * len(v.config.requiredFields)
	presentFields := 0
	missingByField := map[string]int{}
	seenKeys := map[string]int{}
	outOfRange := 0

	for _, obs := range observations {
		for _, field := range v.config.requiredFields {
			if obs.Get(field).Exists() {
				presentFields++
			} else {
				missingByField[field]++
			}
		}
		if key := obs.Get("key"); key.Exists() {
			seenKeys[key.String()]++
		}
		if value := obs.Get("value"); value.Exists() && value.Type == gjson.Number {
			if f := value.Float(); f < v.config.minPlausibleValue || f > v.config.maxPlausibleValue {
				outOfRange++
			}
		}
	}

	for _, field := range v.config.requiredFields {
		if n := missingByField[field]; n > 0 {
			report.Errors = append(report.Errors, ValidationError{
				Code:    CodeMissingField,
				Message: fmt.Sprintf("field %q missing in %d observations", field, n),
			})
		}
	}

	consistencyIssues := 0
	var duplicatedKeys []string
	for key, n := range seenKeys {
		if n > 1 {
			duplicatedKeys = append(duplicatedKeys, key)
		}
	}
	slices.Sort(duplicatedKeys)
	for _, key := range duplicatedKeys {
		report.Errors = append(report.Errors, ValidationError{
			Code:    CodeDuplicateKey,
			Message: fmt.Sprintf("observation key %q appears %d times", key, seenKeys[key]),
		})
	}
	if len(duplicatedKeys) > 0 {
		consistencyIssues++
	}
	if outOfRange > 0 {
		consistencyIssues++
		report.Errors = append(report.Errors, ValidationError{
			Code:    CodeValueOutOfRange,
			Message: fmt.Sprintf("%d observation values outside plausible range [%g, %g]", outOfRange, v.config.minPlausibleValue, v.config.maxPlausibleValue),
		})
	}

	report.Completeness = 100 * float64(presentFields) / float64(expectedFields)
	if report.Completeness > 100 {
		report.Completeness = 100
	}
	report.Score = report.Completeness - v.config.consistencyPenalty*float64(consistencyIssues)
	if report.Score < 0 {
		report.Score = 0
	}
	return report
}
