package flightrecorder

import (
	"golang.org/x/text/unicode/norm"
)

// nfc normalizes s to Unicode Normalization Form C.
func nfc(s string) string {
	return norm.NFC.String(s)
}

// automationLevelAliases maps legacy values to their replacement per
// spec.md §4.6: "ASSISTED"/"SUPERVISED" collapse into "HYBRID".
var automationLevelAliases = map[string]string{
	"ASSISTED":   "HYBRID",
	"SUPERVISED": "HYBRID",
}

var knownAutomationLevels = map[string]bool{
	"FULL_HUMAN": true, "HYBRID": true, "AUTONOMOUS": true, "LOCKED": true,
}

// normalizeAutomationLevel applies spec.md's tag normalization: legacy
// aliases collapse to HYBRID, other known values are uppercased, and
// anything unrecognized is preserved verbatim.
func normalizeAutomationLevel(v string) string {
	upper := toUpperASCII(v)
	if mapped, ok := automationLevelAliases[upper]; ok {
		return mapped
	}
	if knownAutomationLevels[upper] {
		return upper
	}
	return v
}

func toUpperASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

// Normalize NFC-normalizes every string leaf of e's payload plus its
// actor_id/job_id/workflow_id/model_id/wsids fields, and applies
// automation_level aliasing, in place. It is idempotent:
// Normalize(Normalize(e)) == Normalize(e), since NFC and the automation
// level alias table are both themselves idempotent.
func Normalize(e *Envelope) {
	e.ActorID = nfc(e.ActorID)
	e.JobID = nfc(e.JobID)
	e.WorkflowID = nfc(e.WorkflowID)
	e.ModelID = nfc(e.ModelID)
	for i, id := range e.WSIDs {
		e.WSIDs[i] = nfc(id)
	}
	if e.Payload != nil {
		e.Payload = normalizeValue(e.Payload).(map[string]interface{})
		if v, ok := e.Payload["automation_level"]; ok {
			if s, ok := v.(string); ok {
				e.Payload["automation_level"] = normalizeAutomationLevel(s)
			}
		}
	}
}

// normalizeValue recursively NFC-normalizes every string leaf of an
// arbitrary JSON-shaped value (map/slice/string/other).
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return nfc(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[nfc(k)] = normalizeValue(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = normalizeValue(inner)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, inner := range val {
			out[i] = nfc(inner)
		}
		return out
	default:
		return v
	}
}
