package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultFloor() VersionFloor {
	return VersionFloor{ExpectedSchemaMajor: 1, MinSchemaMinor: 0, ExpectedPromptMajor: 1, ExpectedPromptMinor: 0}
}

func TestValidate_InvalidJSONIsRejected(t *testing.T) {
	out := Validate([]byte(`not json`), nil, defaultFloor())
	assert.True(t, out.Rejected)
	assert.Equal(t, "invalid_json", out.Diagnostics[0].Code)
}

func TestValidate_MissingSchemaVersionIsRejected(t *testing.T) {
	out := Validate([]byte(`{"prompt_version":"1.0","findings":[]}`), nil, defaultFloor())
	assert.True(t, out.Rejected)
}

func TestValidate_IncompatibleSchemaVersionIsRejected(t *testing.T) {
	out := Validate([]byte(`{"schema_version":"2.0","prompt_version":"1.0","findings":[]}`), nil, defaultFloor())
	assert.True(t, out.Rejected)
}

func TestValidate_DropsOneInvalidFindingKeepsRest(t *testing.T) {
	raw := []byte(`{
		"schema_version": "1.0",
		"prompt_version": "1.0",
		"findings": [
			{"id":"f1","severity":"high","category":"security","title":"t1","file":"a.go","line":5,"message":"m1","confidence":"medium"},
			{"id":"f2","severity":"nonsense","category":"security","title":"t2","file":"b.go","line":3,"message":"m2","confidence":"medium"}
		]
	}`)
	out := Validate(raw, []string{"a.go", "b.go"}, defaultFloor())
	require.False(t, out.Rejected)
	require.Len(t, out.Result.Findings, 1)
	assert.Equal(t, "f1", out.Result.Findings[0].ID)

	var dropped bool
	for _, d := range out.Diagnostics {
		if d.Code == "finding_dropped" && d.FindingID == "f2" {
			dropped = true
		}
	}
	assert.True(t, dropped, "the invalid finding must be recorded as dropped, not silently discarded")
}

func TestValidate_AllFindingsDroppedStillOk(t *testing.T) {
	raw := []byte(`{
		"schema_version": "1.0",
		"prompt_version": "1.0",
		"findings": [
			{"id":"","severity":"high","category":"security","title":"t1","file":"a.go","line":5,"message":"m1","confidence":"medium"}
		]
	}`)
	out := Validate(raw, []string{"a.go"}, defaultFloor())
	require.False(t, out.Rejected, "zero surviving findings must never reject the whole response")
	assert.Empty(t, out.Result.Findings)

	var allDropped bool
	for _, d := range out.Diagnostics {
		if d.Code == "all_findings_dropped" {
			allDropped = true
		}
	}
	assert.True(t, allDropped)
}

func TestValidate_FileNotInChangedFilesIsDropped(t *testing.T) {
	raw := []byte(`{
		"schema_version": "1.0",
		"prompt_version": "1.0",
		"findings": [
			{"id":"f1","severity":"high","category":"security","title":"t1","file":"unrelated.go","line":5,"message":"m1","confidence":"medium"}
		]
	}`)
	out := Validate(raw, []string{"a.go"}, defaultFloor())
	require.False(t, out.Rejected)
	assert.Empty(t, out.Result.Findings)
}

func TestValidate_CoercesStringLineNumber(t *testing.T) {
	raw := []byte(`{
		"schema_version": "1.0",
		"prompt_version": "1.0",
		"findings": [
			{"id":"f1","severity":"high","category":"security","title":"t1","file":"a.go","line":"5","message":"m1","confidence":"medium"}
		]
	}`)
	out := Validate(raw, []string{"a.go"}, defaultFloor())
	require.False(t, out.Rejected)
	require.Len(t, out.Result.Findings, 1)
	assert.Equal(t, 5, out.Result.Findings[0].Line)

	var coerced bool
	for _, d := range out.Diagnostics {
		if d.Code == "coercion_applied" && d.Field == "line" {
			coerced = true
		}
	}
	assert.True(t, coerced)
}

func TestValidate_IsDeterministicAcrossRepeatedCalls(t *testing.T) {
	raw := []byte(`{
		"schema_version": "1.0",
		"prompt_version": "1.0",
		"findings": [
			{"id":"f1","severity":"high","category":"security","title":"t1","file":"a.go","line":5,"message":"m1","confidence":"medium"},
			{"id":"f2","severity":"low","category":"style","title":"t2","file":"b.go","line":1,"message":"m2","confidence":"low"}
		]
	}`)
	floor := defaultFloor()
	first := Validate(raw, []string{"a.go", "b.go"}, floor)
	second := Validate(raw, []string{"a.go", "b.go"}, floor)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, first.Diagnostics, second.Diagnostics)
}
