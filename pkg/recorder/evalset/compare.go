package evalset

import (
	"encoding/json"
	"fmt"
	"sort"

	apperrors "github.com/kagent-dev/evalrecorder/pkg/recorder/errors"
)

// IssueKind classifies a structural difference
type IssueKind string

const (
	IssueTypeMismatch IssueKind = "type_mismatch"
	IssueMissing      IssueKind = "missing"
	IssueExtra        IssueKind = "extra"
	IssueArrayLength  IssueKind = "array_length"
)

// Issue is one structural difference between a reference document and a
// document under comparison.
type Issue struct {
	Path    string    `json:"path"`
	Kind    IssueKind `json:"kind"`
	Message string    `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// CompareJSON decodes both documents and compares their structure.
func CompareJSON(reference, compare []byte) ([]Issue, error) {
	var ref, cmp any
	if err := json.Unmarshal(reference, &ref); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidFormat, "invalid reference document", err)
	}
	if err := json.Unmarshal(compare, &cmp); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidFormat, "invalid compare document", err)
	}
	return CompareStructure(ref, cmp), nil
}

// CompareStructure walks two decoded JSON values and reports type
// mismatches, missing and extra object keys, and array length differences.
// Arrays are compared through their first elements only.
func CompareStructure(reference, compare any) []Issue {
	var issues []Issue
	compareValue(reference, compare, "root", &issues)
	return issues
}

func compareValue(ref, cmp any, path string, issues *[]Issue) {
	refType, cmpType := typeName(ref), typeName(cmp)
	if refType != cmpType {
		*issues = append(*issues, Issue{
			Path:    path,
			Kind:    IssueTypeMismatch,
			Message: fmt.Sprintf("TYPE MISMATCH - reference is %s, compare is %s", refType, cmpType),
		})
		return
	}

	switch r := ref.(type) {
	case map[string]any:
		c := cmp.(map[string]any)
		for _, key := range sortedKeys(r) {
			if _, ok := c[key]; !ok {
				*issues = append(*issues, Issue{
					Path:    path + "." + key,
					Kind:    IssueMissing,
					Message: fmt.Sprintf("MISSING in compare (type: %s)", typeName(r[key])),
				})
			}
		}
		for _, key := range sortedKeys(c) {
			if _, ok := r[key]; !ok {
				*issues = append(*issues, Issue{
					Path:    path + "." + key,
					Kind:    IssueExtra,
					Message: fmt.Sprintf("EXTRA in compare (type: %s)", typeName(c[key])),
				})
			}
		}
		for _, key := range sortedKeys(r) {
			if v, ok := c[key]; ok {
				compareValue(r[key], v, path+"."+key, issues)
			}
		}

	case []any:
		c := cmp.([]any)
		if len(r) != len(c) {
			*issues = append(*issues, Issue{
				Path:    path,
				Kind:    IssueArrayLength,
				Message: fmt.Sprintf("ARRAY LENGTH - reference has %d, compare has %d", len(r), len(c)),
			})
		}
		if len(r) > 0 && len(c) > 0 {
			compareValue(r[0], c[0], path+"[0]", issues)
		}
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, json.Number:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
