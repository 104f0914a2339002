package identity

import (
	"strings"

	"github.com/goccy/go-json"

	"schoolbus-tracker/internal/tracking"
)

type lookupKind int

const (
	byAdmissionNo lookupKind = iota
	byStudentID
)

type lookup struct {
	kind   lookupKind
	value  string
	source string
}

func (l lookup) matches(st tracking.Student) bool {
	if l.kind == byAdmissionNo {
		return st.AdmissionNo == l.value
	}
	return st.ID == l.value
}

type jsonCode struct {
	AdmissionNo string `json:"admissionNo"`
	StudentID   string `json:"studentId"`
}

func parseJSONCode(code string) (jsonCode, bool) {
	var p jsonCode
	if !strings.HasPrefix(code, "{") {
		return p, false
	}
	if err := json.Unmarshal([]byte(code), &p); err != nil {
		return p, false
	}
	return p, p.AdmissionNo != "" || p.StudentID != ""
}

// lookups lists the directory probes for a scanned code in priority order:
// admission number, student id, the id field of a marker payload, then a
// JSON object carrying admissionNo or studentId.
func lookups(code string) []lookup {
	out := []lookup{
		{byAdmissionNo, code, SourceAdmissionNo},
		{byStudentID, code, SourceStudentID},
	}
	if p, ok := parseJSONCode(code); ok {
		if p.AdmissionNo != "" {
			out = append(out, lookup{byAdmissionNo, p.AdmissionNo, SourceJSON})
		}
		if p.StudentID != "" {
			out = append(out, lookup{byStudentID, p.StudentID, SourceJSON})
		}
		return out
	}
	if parts := strings.Split(code, ":"); len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
		out = append(out, lookup{byStudentID, strings.TrimSpace(parts[1]), SourceMarker})
	}
	return out
}

// decodeCandidate reads a `marker:studentId:name:className:admissionNo`
// payload without consulting the directory. Missing fields fall back to the
// raw code.
func decodeCandidate(code string) Candidate {
	c := Candidate{Raw: code, NeedsConfirmation: true}
	if p, ok := parseJSONCode(code); ok {
		c.StudentID = p.StudentID
		c.AdmissionNo = p.AdmissionNo
		c.Name = unknownName
		return c
	}
	parts := strings.Split(code, ":")
	get := func(i int) string {
		if i < len(parts) {
			return strings.TrimSpace(parts[i])
		}
		return ""
	}
	if len(parts) < 2 {
		c.StudentID = code
		c.AdmissionNo = code
		c.Name = unknownName
		return c
	}
	c.StudentID = firstNonEmpty(get(1), code)
	c.Name = firstNonEmpty(get(2), unknownName)
	c.ClassName = get(3)
	c.AdmissionNo = firstNonEmpty(get(4), get(1), code)
	return c
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
