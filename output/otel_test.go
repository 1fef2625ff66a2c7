package output

import (
	"testing"
	"time"

	"tracectl/event"

	otelLog "go.opentelemetry.io/otel/log"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

func recordAttrs(r otelLog.Record) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	r.WalkAttributes(func(kv otelLog.KeyValue) bool {
		kvs = append(kvs, kv)
		return true
	})
	return kvs
}

func findAttr(kvs []otelLog.KeyValue, key string) (otelLog.Value, bool) {
	for _, kv := range kvs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return otelLog.Value{}, false
}

func TestResolveOtelEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", "https://logs.example.test/v1/logs")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://fallback.example.test")

	if got := resolveOtelEndpoint("  https://explicit.example.test  ", true); got != "https://explicit.example.test" {
		t.Fatalf("expected explicit endpoint, got %q", got)
	}
	if got := resolveOtelEndpoint("", true); got != "https://logs.example.test/v1/logs" {
		t.Fatalf("expected logs env endpoint, got %q", got)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", "")
	if got := resolveOtelEndpoint("", true); got != "https://fallback.example.test" {
		t.Fatalf("expected fallback env endpoint, got %q", got)
	}
	if got := resolveOtelEndpoint("", false); got != "" {
		t.Fatalf("expected empty endpoint when env fallback disabled, got %q", got)
	}
}

func TestNewOtelEndpointValidation(t *testing.T) {
	var nilSink *Otel
	if got := nilSink.Endpoint(); got != "" {
		t.Fatalf("expected empty endpoint for nil sink, got %q", got)
	}
	if err := nilSink.Write(Record{}); err != nil {
		t.Fatalf("nil sink write: %v", err)
	}
	if err := nilSink.Close(); err != nil {
		t.Fatalf("nil sink close: %v", err)
	}

	sink, err := NewOtel(OtelOptions{})
	if err != nil {
		t.Fatalf("NewOtel without endpoint returned error: %v", err)
	}
	if sink != nil {
		t.Fatal("expected nil sink without endpoint")
	}

	if _, err := NewOtel(OtelOptions{Endpoint: "localhost:4318", Timeout: time.Second}); err == nil {
		t.Fatal("expected validation error for endpoint without scheme")
	}
}

func TestBuildLogRecordProcessState(t *testing.T) {
	rec := Record{
		Facility:  event.CoreFacility,
		Event:     uint16(event.ProcessState),
		Unit:      3,
		Timestamp: 1 << 33,
		Payload:   []byte(`{"pid":42,"ppid":1,"name":"sshd","type":"user_thread","status":"wait_cpu","tgid":42}`),
	}
	now := time.Unix(1700000000, 0)
	r := buildLogRecord(rec, now)

	if r.EventName() != "tracectl.event" {
		t.Fatalf("unexpected event name %q", r.EventName())
	}
	if !r.Timestamp().Equal(now) {
		t.Fatalf("unexpected timestamp %v", r.Timestamp())
	}
	attrs := recordAttrs(r)
	if v, ok := findAttr(attrs, "tracectl.unit"); !ok || v.AsInt64() != 3 {
		t.Fatalf("expected unit attribute 3, got %#v", v)
	}
	if v, ok := findAttr(attrs, "tracectl.timestamp"); !ok || v.AsInt64() != 1<<33 {
		t.Fatalf("expected wide timestamp attribute, got %#v", v)
	}
	if v, ok := findAttr(attrs, "tracectl.event.name"); !ok || v.AsString() != "process_state" {
		t.Fatalf("expected event name attribute, got %#v", v)
	}
	if v, ok := findAttr(attrs, string(semconv.ProcessPIDKey)); !ok || v.AsInt64() != 42 {
		t.Fatalf("expected process pid attribute, got %#v", v)
	}
	if v, ok := findAttr(attrs, string(semconv.ProcessExecutableNameKey)); !ok || v.AsString() != "sshd" {
		t.Fatalf("expected executable name attribute, got %#v", v)
	}
	if r.Body().Kind() != otelLog.KindMap {
		t.Fatalf("expected map body, got %v", r.Body().Kind())
	}
}

func TestBuildLogRecordForeignFacility(t *testing.T) {
	r := buildLogRecord(Record{Facility: 7, Event: 2, Payload: []byte(`not json`)}, time.Now())
	if _, ok := findAttr(recordAttrs(r), "tracectl.event.name"); ok {
		t.Fatal("non-core facilities should not get core event names")
	}
	if r.Body().Kind() != otelLog.KindString || r.Body().AsString() != "not json" {
		t.Fatalf("expected raw string body, got %#v", r.Body())
	}

	empty := buildLogRecord(Record{Facility: 7}, time.Now())
	if empty.Body().Kind() != otelLog.KindEmpty {
		t.Fatalf("expected empty body, got %v", empty.Body().Kind())
	}
}

func TestToLogValueCompositeTypes(t *testing.T) {
	mapValue := toLogValue(map[string]interface{}{"a": "b"})
	if mapValue.Kind() != otelLog.KindMap {
		t.Fatalf("expected map kind, got %v", mapValue.Kind())
	}
	sliceValue := toLogValue([]interface{}{float64(1), float64(2.5), "x"})
	if sliceValue.Kind() != otelLog.KindSlice || len(sliceValue.AsSlice()) != 3 {
		t.Fatalf("expected slice kind/len, got kind=%v len=%d", sliceValue.Kind(), len(sliceValue.AsSlice()))
	}
	if k := sliceValue.AsSlice()[0].Kind(); k != otelLog.KindInt64 {
		t.Fatalf("expected integral float to become int64, got %v", k)
	}
	if k := sliceValue.AsSlice()[1].Kind(); k != otelLog.KindFloat64 {
		t.Fatalf("expected fractional float to stay float64, got %v", k)
	}
	if empty := toLogValue(struct{}{}); empty.Kind() != otelLog.KindEmpty {
		t.Fatalf("expected empty kind for unsupported type, got %v", empty.Kind())
	}
}

func TestToLogKeyValuesSortedOrder(t *testing.T) {
	kvs := toLogKeyValues(map[string]interface{}{
		"zeta":   1,
		"alpha":  2,
		"middle": 3,
	})
	if len(kvs) != 3 {
		t.Fatalf("expected 3 key values, got %d", len(kvs))
	}
	if kvs[0].Key != "alpha" || kvs[1].Key != "middle" || kvs[2].Key != "zeta" {
		t.Fatalf("expected sorted keys, got order %q, %q, %q", kvs[0].Key, kvs[1].Key, kvs[2].Key)
	}
}
