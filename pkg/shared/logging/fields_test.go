package logging

import (
	"errors"
	"testing"
	"time"
)

func TestNewFields(t *testing.T) {
	fields := NewFields()
	if fields == nil {
		t.Fatal("NewFields() returned nil")
	}
	if len(fields) != 0 {
		t.Errorf("NewFields() should be empty, got %d fields", len(fields))
	}
}

func TestStandardFields_Component(t *testing.T) {
	fields := NewFields().Component("test-component")

	if fields["component"] != "test-component" {
		t.Errorf("Component() = %v, want %v", fields["component"], "test-component")
	}
}

func TestStandardFields_Operation(t *testing.T) {
	fields := NewFields().Operation("create")

	if fields["operation"] != "create" {
		t.Errorf("Operation() = %v, want %v", fields["operation"], "create")
	}
}

func TestStandardFields_Resource(t *testing.T) {
	fields := NewFields().Resource("pod", "my-pod")

	if fields["resource_type"] != "pod" {
		t.Errorf("Resource() resource_type = %v, want %v", fields["resource_type"], "pod")
	}
	if fields["resource_name"] != "my-pod" {
		t.Errorf("Resource() resource_name = %v, want %v", fields["resource_name"], "my-pod")
	}
}

func TestStandardFields_ResourceWithoutName(t *testing.T) {
	fields := NewFields().Resource("pod", "")

	if fields["resource_type"] != "pod" {
		t.Errorf("Resource() resource_type = %v, want %v", fields["resource_type"], "pod")
	}
	if _, exists := fields["resource_name"]; exists {
		t.Error("Resource() should not set resource_name when empty")
	}
}

func TestStandardFields_Duration(t *testing.T) {
	duration := 150 * time.Millisecond
	fields := NewFields().Duration(duration)

	if fields["duration_ms"] != int64(150) {
		t.Errorf("Duration() = %v, want %v", fields["duration_ms"], int64(150))
	}
}

func TestStandardFields_Error(t *testing.T) {
	err := errors.New("test error")
	fields := NewFields().Error(err)

	if fields["error"] != "test error" {
		t.Errorf("Error() = %v, want %v", fields["error"], "test error")
	}
}

func TestStandardFields_ErrorNil(t *testing.T) {
	fields := NewFields().Error(nil)

	if _, exists := fields["error"]; exists {
		t.Error("Error(nil) should not set error field")
	}
}

func TestStandardFields_UserID(t *testing.T) {
	fields := NewFields().UserID("user-123")

	if fields["user_id"] != "user-123" {
		t.Errorf("UserID() = %v, want %v", fields["user_id"], "user-123")
	}
}

func TestStandardFields_UserIDEmpty(t *testing.T) {
	fields := NewFields().UserID("")

	if _, exists := fields["user_id"]; exists {
		t.Error("UserID(\"\") should not set user_id field")
	}
}

func TestStandardFields_RequestID(t *testing.T) {
	fields := NewFields().RequestID("req-123")

	if fields["request_id"] != "req-123" {
		t.Errorf("RequestID() = %v, want %v", fields["request_id"], "req-123")
	}
}

func TestStandardFields_TraceID(t *testing.T) {
	fields := NewFields().TraceID("trace-123")

	if fields["trace_id"] != "trace-123" {
		t.Errorf("TraceID() = %v, want %v", fields["trace_id"], "trace-123")
	}
}

func TestStandardFields_StatusCode(t *testing.T) {
	fields := NewFields().StatusCode(404)

	if fields["status_code"] != 404 {
		t.Errorf("StatusCode() = %v, want %v", fields["status_code"], 404)
	}
}

func TestStandardFields_Method(t *testing.T) {
	fields := NewFields().Method("GET")

	if fields["method"] != "GET" {
		t.Errorf("Method() = %v, want %v", fields["method"], "GET")
	}
}

func TestStandardFields_URL(t *testing.T) {
	fields := NewFields().URL("https://api.example.com")

	if fields["url"] != "https://api.example.com" {
		t.Errorf("URL() = %v, want %v", fields["url"], "https://api.example.com")
	}
}

func TestStandardFields_Count(t *testing.T) {
	fields := NewFields().Count(42)

	if fields["count"] != 42 {
		t.Errorf("Count() = %v, want %v", fields["count"], 42)
	}
}

func TestStandardFields_Size(t *testing.T) {
	fields := NewFields().Size(1024)

	if fields["size_bytes"] != int64(1024) {
		t.Errorf("Size() = %v, want %v", fields["size_bytes"], int64(1024))
	}
}

func TestStandardFields_Version(t *testing.T) {
	fields := NewFields().Version("v1.2.3")

	if fields["version"] != "v1.2.3" {
		t.Errorf("Version() = %v, want %v", fields["version"], "v1.2.3")
	}
}

func TestStandardFields_Custom(t *testing.T) {
	fields := NewFields().Custom("custom_key", "custom_value")

	if fields["custom_key"] != "custom_value" {
		t.Errorf("Custom() = %v, want %v", fields["custom_key"], "custom_value")
	}
}

func TestStandardFields_ChainedCalls(t *testing.T) {
	fields := NewFields().
		Component("test").
		Operation("create").
		Resource("pod", "test-pod").
		Duration(100 * time.Millisecond).
		Count(5)

	expected := map[string]interface{}{
		"component":     "test",
		"operation":     "create",
		"resource_type": "pod",
		"resource_name": "test-pod",
		"duration_ms":   int64(100),
		"count":         5,
	}

	for key, expectedValue := range expected {
		if fields[key] != expectedValue {
			t.Errorf("Chained calls: %s = %v, want %v", key, fields[key], expectedValue)
		}
	}
}

func TestStandardFields_ToLogrus(t *testing.T) {
	fields := NewFields().
		Component("test").
		Operation("create")

	logrusFields := fields.ToLogrus()

	if logrusFields == nil {
		t.Fatal("ToLogrus() should not return nil")
	}

	if logrusFields["component"] != "test" {
		t.Errorf("ToLogrus() component = %v, want %v", logrusFields["component"], "test")
	}
	if logrusFields["operation"] != "create" {
		t.Errorf("ToLogrus() operation = %v, want %v", logrusFields["operation"], "create")
	}
}

func TestBronzeFields(t *testing.T) {
	fields := BronzeFields("ingest", "bronze-123", "src/main.go")

	expected := map[string]interface{}{
		"component":     "bronze",
		"operation":     "ingest",
		"resource_type": "bronze_record",
		"resource_name": "bronze-123",
		"source_uri":    "src/main.go",
	}

	for key, expectedValue := range expected {
		if fields[key] != expectedValue {
			t.Errorf("BronzeFields() %s = %v, want %v", key, fields[key], expectedValue)
		}
	}
}

func TestSilverFields(t *testing.T) {
	fields := SilverFields("chunk", "silver-123", "bronze-123")

	expected := map[string]interface{}{
		"component":     "silver",
		"operation":     "chunk",
		"resource_type": "silver_record",
		"resource_name": "silver-123",
		"bronze_id":     "bronze-123",
	}

	for key, expectedValue := range expected {
		if fields[key] != expectedValue {
			t.Errorf("SilverFields() %s = %v, want %v", key, fields[key], expectedValue)
		}
	}
}

func TestEventFields(t *testing.T) {
	fields := EventFields("data_bronze_created", "evt-1", "job-1")

	expected := map[string]interface{}{
		"component":     "flightrecorder",
		"operation":     "data_bronze_created",
		"resource_type": "event",
		"resource_name": "evt-1",
		"job_id":        "job-1",
	}

	for key, expectedValue := range expected {
		if fields[key] != expectedValue {
			t.Errorf("EventFields() %s = %v, want %v", key, fields[key], expectedValue)
		}
	}
}

func TestEventFieldsWithoutJobID(t *testing.T) {
	fields := EventFields("data_bronze_created", "evt-1", "")

	if _, exists := fields["job_id"]; exists {
		t.Error("EventFields() should not set job_id when empty")
	}
}

func TestJobFields(t *testing.T) {
	fields := JobFields("create", "job-1", "run-1")

	expected := map[string]interface{}{
		"component":     "jobs",
		"operation":     "create",
		"resource_type": "job",
		"resource_name": "job-1",
		"workflow_id":   "run-1",
	}

	for key, expectedValue := range expected {
		if fields[key] != expectedValue {
			t.Errorf("JobFields() %s = %v, want %v", key, fields[key], expectedValue)
		}
	}
}

func TestJobFieldsWithoutWorkflowID(t *testing.T) {
	fields := JobFields("create", "job-1", "")

	if _, exists := fields["workflow_id"]; exists {
		t.Error("JobFields() should not set workflow_id when empty")
	}
}

func TestBundleFields(t *testing.T) {
	fields := BundleFields("export", "bundle-1", "SAFE_DEFAULT")

	expected := map[string]interface{}{
		"component":      "bundleexport",
		"operation":      "export",
		"resource_type":  "bundle",
		"resource_name":  "bundle-1",
		"redaction_mode": "SAFE_DEFAULT",
	}

	for key, expectedValue := range expected {
		if fields[key] != expectedValue {
			t.Errorf("BundleFields() %s = %v, want %v", key, fields[key], expectedValue)
		}
	}
}
