// Package validator parses and validates a raw model response against the
// versioned finding schema, applying safe coercions and dropping invalid
// findings rather than rejecting the whole payload.
package validator

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rezkam/reviewcore/internal/domain"
)

// VersionFloor configures the minimum accepted schema_version minor and the
// allowed prompt_version patch drift within expectedMajorMinor.
type VersionFloor struct {
	ExpectedSchemaMajor int
	MinSchemaMinor      int
	ExpectedPromptMajor int
	ExpectedPromptMinor int
}

// rawFinding mirrors the wire shape before coercion/validation.
type rawFinding struct {
	ID         any `json:"id"`
	Severity   any `json:"severity"`
	Category   any `json:"category"`
	Title      any `json:"title"`
	File       any `json:"file"`
	Line       any `json:"line"`
	EndLine    any `json:"end_line"`
	Message    any `json:"message"`
	Suggestion any `json:"suggestion"`
	Confidence any `json:"confidence"`
	RuleID     any `json:"rule_id"`
}

type rawResponse struct {
	SchemaVersion any          `json:"schema_version"`
	PromptVersion any          `json:"prompt_version"`
	Findings      []rawFinding `json:"findings"`
	Summary       any          `json:"summary"`
	Meta          any          `json:"meta"`
}

// Outcome is the result of Validate: either a possibly-empty ReviewResult
// (Rejected == false) or a hard rejection (Rejected == true), in both
// cases accompanied by the diagnostics trail.
type Outcome struct {
	Result      domain.ReviewResult
	Diagnostics []domain.Diagnostic
	Rejected    bool
}

// Validate runs the normative five-step validation order from spec.md §4.3:
// parse, top-level schema, version compatibility, per-finding coercion and
// validation, then path reconciliation against changedFiles.
func Validate(raw []byte, changedFiles []string, floor VersionFloor) Outcome {
	var diags []diagnostic

	var resp rawResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return reject(append(diags, diagnostic{code: "invalid_json", detail: err.Error()}))
	}

	schemaVersion, ok := asString(resp.SchemaVersion)
	if !ok || schemaVersion == "" {
		return reject(append(diags, diagnostic{code: "missing_required_field", field: "schema_version"}))
	}
	promptVersion, ok := asString(resp.PromptVersion)
	if !ok || promptVersion == "" {
		return reject(append(diags, diagnostic{code: "missing_required_field", field: "prompt_version"}))
	}
	if resp.Findings == nil {
		return reject(append(diags, diagnostic{code: "schema_mismatch", field: "findings", detail: "not an array"}))
	}

	schemaMajor, schemaMinor, err := domain.NewSchemaVersion(schemaVersion)
	if err != nil {
		return reject(append(diags, diagnostic{code: "schema_mismatch", field: "schema_version", detail: err.Error()}))
	}
	if schemaMajor != floor.ExpectedSchemaMajor || schemaMinor < floor.MinSchemaMinor {
		return reject(append(diags, diagnostic{code: "incompatible_version", field: "schema_version"}))
	}

	promptMajor, promptMinor, _, err := domain.NewPromptVersion(promptVersion)
	if err != nil {
		return reject(append(diags, diagnostic{code: "schema_mismatch", field: "prompt_version", detail: err.Error()}))
	}
	if promptMajor != floor.ExpectedPromptMajor || promptMinor != floor.ExpectedPromptMinor {
		return reject(append(diags, diagnostic{code: "incompatible_version", field: "prompt_version"}))
	}

	canonicalChanged := make(map[string]struct{}, len(changedFiles))
	for _, f := range changedFiles {
		fp, err := domain.NewFilePath(f)
		if err != nil {
			continue
		}
		canonicalChanged[fp.String()] = struct{}{}
	}

	var findings []domain.Finding
	for _, rf := range resp.Findings {
		f, fdiags, ok := coerceAndValidate(rf, canonicalChanged)
		diags = append(diags, fdiags...)
		if ok {
			findings = append(findings, f)
		}
	}

	if len(findings) == 0 {
		diags = append(diags, diagnostic{code: "all_findings_dropped"})
	}

	summary, _ := asString(resp.Summary)
	meta, _ := resp.Meta.(map[string]any)

	return Outcome{
		Result: domain.ReviewResult{
			SchemaVersion: schemaVersion,
			PromptVersion: promptVersion,
			Findings:      findings,
			Summary:       summary,
			Meta:          meta,
		},
		Diagnostics: toDomainDiagnostics(diags),
		Rejected:    false,
	}
}

// diagnostic is the package-local mutable accumulator; toDomainDiagnostics
// converts to the stable domain.Diagnostic wire shape at the boundary.
type diagnostic struct {
	code      string
	findingID string
	field     string
	detail    string
}

func toDomainDiagnostics(ds []diagnostic) []domain.Diagnostic {
	out := make([]domain.Diagnostic, 0, len(ds))
	for _, d := range ds {
		out = append(out, domain.Diagnostic{Code: d.code, FindingID: d.findingID, Field: d.field, Detail: d.detail})
	}
	return out
}

func reject(ds []diagnostic) Outcome {
	ds = append(ds, diagnostic{code: "response_rejected"})
	return Outcome{Diagnostics: toDomainDiagnostics(ds), Rejected: true}
}

// coerceAndValidate applies the ordered safe coercions, then required-field
// and enum/range validation, then path reconciliation, for one finding.
// Returns (finding, diagnostics, survived).
func coerceAndValidate(rf rawFinding, canonicalChanged map[string]struct{}) (domain.Finding, []diagnostic, bool) {
	var diags []diagnostic

	idStr, _ := asString(rf.ID)
	findingID := strings.TrimSpace(idStr)

	drop := func(reason string, field string) (domain.Finding, []diagnostic, bool) {
		diags = append(diags, diagnostic{code: "finding_dropped", findingID: findingID, field: field, detail: reason})
		return domain.Finding{}, diags, false
	}

	if findingID == "" {
		return drop("missing_required_field", "id")
	}

	severityStr, _ := asString(rf.Severity)
	severity, err := domain.NewSeverity(strings.TrimSpace(severityStr))
	if err != nil {
		return drop("invalid_enum_value", "severity")
	}

	categoryStr, _ := asString(rf.Category)
	category, err := domain.NewCategory(strings.TrimSpace(categoryStr))
	if err != nil {
		return drop("invalid_enum_value", "category")
	}

	title, _ := asString(rf.Title)
	title = strings.TrimSpace(title)
	if title == "" {
		return drop("missing_required_field", "title")
	}

	message, _ := asString(rf.Message)
	message = strings.TrimSpace(message)
	if message == "" {
		return drop("missing_required_field", "message")
	}

	rawFile, _ := asString(rf.File)
	rawFile = strings.TrimSpace(rawFile)
	if rawFile == "" {
		return drop("missing_required_field", "file")
	}
	normalizedFile := strings.ReplaceAll(rawFile, "\\", "/")
	if normalizedFile != rawFile {
		diags = append(diags, diagnostic{code: "coercion_applied", findingID: findingID, field: "file", detail: redactIfSensitive(rawFile) + " -> " + redactIfSensitive(normalizedFile)})
	}
	filePath, err := domain.NewFilePath(normalizedFile)
	if err != nil {
		return drop("missing_required_field", "file")
	}

	line, lineCoerced, ok := coerceInt(rf.Line)
	if !ok {
		return drop("invalid_line_range", "line")
	}
	if lineCoerced {
		diags = append(diags, diagnostic{code: "coercion_applied", findingID: findingID, field: "line", detail: "string -> int"})
	}
	lineNum, err := domain.NewLineNumber(line)
	if err != nil {
		return drop("invalid_line_range", "line")
	}

	endLine := 0
	if rf.EndLine != nil {
		el, elCoerced, ok := coerceInt(rf.EndLine)
		if !ok {
			return drop("invalid_line_range", "end_line")
		}
		if elCoerced {
			diags = append(diags, diagnostic{code: "coercion_applied", findingID: findingID, field: "end_line", detail: "string -> int"})
		}
		if el < lineNum.Int() {
			return drop("invalid_line_range", "end_line")
		}
		endLine = el
	}

	confidenceStr, _ := asString(rf.Confidence)
	confidence, err := domain.NewConfidence(strings.TrimSpace(confidenceStr))
	if err != nil {
		return drop("invalid_enum_value", "confidence")
	}

	if _, ok := canonicalChanged[filePath.String()]; !ok {
		return drop("file_not_in_changed_files", "file")
	}

	suggestion, _ := asString(rf.Suggestion)
	ruleID, _ := asString(rf.RuleID)

	return domain.Finding{
		ID:         findingID,
		Severity:   severity,
		Category:   category,
		Title:      title,
		File:       filePath.String(),
		Line:       lineNum.Int(),
		EndLine:    endLine,
		Message:    message,
		Suggestion: strings.TrimSpace(suggestion),
		Confidence: confidence,
		RuleID:     strings.TrimSpace(ruleID),
	}, diags, true
}

// asString coerces a decoded JSON value that is expected to be a string.
func asString(v any) (string, bool) {
	if v == nil {
		return "", true
	}
	s, ok := v.(string)
	return s, ok
}

// coerceInt parses an integral numeric string to an int, or accepts a
// json.Number/float64 already representing a whole number. Reports whether
// a string->int coercion actually occurred.
func coerceInt(v any) (value int, coerced bool, ok bool) {
	switch t := v.(type) {
	case float64:
		if t != float64(int(t)) {
			return 0, false, false
		}
		return int(t), false, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false, false
		}
		return n, true, true
	default:
		return 0, false, false
	}
}

// redactIfSensitive masks values that look like credentials or secrets
// before they are recorded in a coercion diagnostic.
func redactIfSensitive(s string) string {
	lower := strings.ToLower(s)
	for _, marker := range []string{"token", "secret", "password", "apikey", "api_key"} {
		if strings.Contains(lower, marker) {
			return "[redacted]"
		}
	}
	return s
}
