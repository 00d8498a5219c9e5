package validations_test

import (
	"fmt"
	"testing"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/stretchr/testify/require"

	"github.com/statlake/statlake-server/validations"
)

func newValidator(t *testing.T) *validations.Validator {
	t.Helper()
	c := config.New()
	c.Set("StatAPI.Validation.minPlausibleValue", -1000.0)
	c.Set("StatAPI.Validation.maxPlausibleValue", 1000.0)
	return validations.New(c, logger.NOP)
}

func observationsPayload(n int, declared int) string {
	payload := fmt.Sprintf(`{"identifier":"GDP-2025","count":%d,"observations":[`, declared)
	for i := 0; i < n; i++ {
		if i > 0 {
			payload += ","
		}
		payload += fmt.Sprintf(`{"key":"NL.%d","period":"2025M%02d","value":%d.5}`, i, i+1, i)
	}
	return payload + "]}"
}

func hasCode(t *testing.T, report validations.QualityReport, code string) validations.ValidationError {
	t.Helper()
	for _, e := range report.Errors {
		if e.Code == code {
			return e
		}
	}
	t.Fatalf("expected a %q descriptor, got %+v", code, report.Errors)
	return validations.ValidationError{}
}

func TestValidate_CompletePayload(t *testing.T) {
	report := newValidator(t).Validate("GDP-2025", []byte(observationsPayload(10, 10)))

	require.Equal(t, "GDP-2025", report.Identifier)
	require.InDelta(t, 100, report.Completeness, 0.01)
	require.InDelta(t, 100, report.Score, 0.01)
	require.Empty(t, report.Errors)
}

func TestValidate_MissingObservations(t *testing.T) {
	// 30% of the declared observations are absent.
	report := newValidator(t).Validate("GDP-2025", []byte(observationsPayload(7, 10)))

	require.InDelta(t, 70, report.Completeness, 0.01)
	require.InDelta(t, 70, report.Score, 0.01)
	e := hasCode(t, report, validations.CodeMissingObservations)
	require.Contains(t, e.Message, "expected 10 observations, found 7")
}

func TestValidate_MissingRequiredField(t *testing.T) {
	payload := `{"observations":[
		{"key":"NL.1","period":"2025M01","value":1.5},
		{"key":"NL.2","value":2.5}
	]}`
	report := newValidator(t).Validate("GDP-2025", []byte(payload))

	// 5 of 6 expected fields present.
	require.InDelta(t, 83.33, report.Completeness, 0.01)
	require.Less(t, report.Score, 100.0)
	e := hasCode(t, report, validations.CodeMissingField)
	require.Contains(t, e.Message, `"period"`)
}

func TestValidate_DuplicateObservationKeys(t *testing.T) {
	payload := `{"observations":[
		{"key":"NL.1","period":"2025M01","value":1.5},
		{"key":"NL.1","period":"2025M02","value":2.5}
	]}`
	report := newValidator(t).Validate("GDP-2025", []byte(payload))

	require.InDelta(t, 100, report.Completeness, 0.01)
	require.InDelta(t, 90, report.Score, 0.01, "consistency penalty should reduce the score")
	hasCode(t, report, validations.CodeDuplicateKey)
}

func TestValidate_MultipleDuplicatedKeys(t *testing.T) {
	payload := `{"observations":[
		{"key":"NL.2","period":"2025M01","value":1.5},
		{"key":"NL.2","period":"2025M02","value":2.5},
		{"key":"NL.1","period":"2025M03","value":3.5},
		{"key":"NL.1","period":"2025M04","value":4.5}
	]}`
	report := newValidator(t).Validate("GDP-2025", []byte(payload))

	// One descriptor per duplicated key, in key order, and a single
	// consistency penalty for the class.
	require.InDelta(t, 90, report.Score, 0.01)
	var duplicates []string
	for _, e := range report.Errors {
		if e.Code == validations.CodeDuplicateKey {
			duplicates = append(duplicates, e.Message)
		}
	}
	require.Len(t, duplicates, 2)
	require.Contains(t, duplicates[0], `"NL.1"`)
	require.Contains(t, duplicates[1], `"NL.2"`)
}

func TestValidate_ValueOutOfRange(t *testing.T) {
	payload := `{"observations":[
		{"key":"NL.1","period":"2025M01","value":999999.0},
		{"key":"NL.2","period":"2025M02","value":2.5}
	]}`
	report := newValidator(t).Validate("GDP-2025", []byte(payload))

	require.InDelta(t, 90, report.Score, 0.01)
	e := hasCode(t, report, validations.CodeValueOutOfRange)
	require.Contains(t, e.Message, "1 observation values")
}

func TestValidate_EmptyPayload(t *testing.T) {
	report := newValidator(t).Validate("GDP-2025", nil)

	require.Zero(t, report.Score)
	require.Zero(t, report.Completeness)
	hasCode(t, report, validations.CodeEmptyPayload)
}

func TestValidate_MalformedPayload(t *testing.T) {
	report := newValidator(t).Validate("GDP-2025", []byte("<xml/>"))

	require.Zero(t, report.Score)
	hasCode(t, report, validations.CodeMalformedPayload)
}

func TestValidate_NoObservations(t *testing.T) {
	report := newValidator(t).Validate("GDP-2025", []byte(`{"observations":[]}`))

	require.Zero(t, report.Score)
	hasCode(t, report, validations.CodeMissingObservations)
}
