// Package logging provides a chainable structured-field builder shared by
// every component, plus domain helpers that pre-fill the fields a given
// component's log lines always carry.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Fields is a chainable builder over a plain map, so call sites can compose
// a log line's context without repeating key names.
type Fields map[string]interface{}

// NewFields starts an empty builder.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(name string) Fields {
	f["operation"] = name
	return f
}

func (f Fields) Resource(resourceType, name string) Fields {
	f["resource_type"] = resourceType
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) UserID(id string) Fields {
	if id != "" {
		f["user_id"] = id
	}
	return f
}

func (f Fields) RequestID(id string) Fields {
	f["request_id"] = id
	return f
}

func (f Fields) TraceID(id string) Fields {
	f["trace_id"] = id
	return f
}

func (f Fields) StatusCode(code int) Fields {
	f["status_code"] = code
	return f
}

func (f Fields) Method(method string) Fields {
	f["method"] = method
	return f
}

func (f Fields) URL(url string) Fields {
	f["url"] = url
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

func (f Fields) Version(v string) Fields {
	f["version"] = v
	return f
}

func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ToLogrus adapts Fields for logrus.WithFields.
func (f Fields) ToLogrus() logrus.Fields {
	lf := make(logrus.Fields, len(f))
	for k, v := range f {
		lf[k] = v
	}
	return lf
}

// BronzeFields builds the standard field set for a Bronze-layer ingest
// operation.
func BronzeFields(operation, bronzeID, sourceURI string) Fields {
	return NewFields().Component("bronze").Operation(operation).
		Resource("bronze_record", bronzeID).Custom("source_uri", sourceURI)
}

// SilverFields builds the standard field set for a Silver-layer chunking
// operation.
func SilverFields(operation, silverID, bronzeID string) Fields {
	return NewFields().Component("silver").Operation(operation).
		Resource("silver_record", silverID).Custom("bronze_id", bronzeID)
}

// EventFields builds the standard field set for a flight-recorder event.
func EventFields(eventType, eventID, jobID string) Fields {
	f := NewFields().Component("flightrecorder").Operation(eventType).Resource("event", eventID)
	if jobID != "" {
		f["job_id"] = jobID
	}
	return f
}

// JobFields builds the standard field set for an AI job lifecycle
// transition.
func JobFields(operation, jobID, workflowID string) Fields {
	f := NewFields().Component("jobs").Operation(operation).Resource("job", jobID)
	if workflowID != "" {
		f["workflow_id"] = workflowID
	}
	return f
}

// BundleFields builds the standard field set for a debug-bundle export
// operation.
func BundleFields(operation, bundleID, redactionMode string) Fields {
	return NewFields().Component("bundleexport").Operation(operation).
		Resource("bundle", bundleID).Custom("redaction_mode", redactionMode)
}
