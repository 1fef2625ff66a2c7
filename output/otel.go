package output

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"tracectl/event"
	"tracectl/logger"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otelLog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

type OtelOptions struct {
	Endpoint    string
	FromEnv     bool
	Headers     map[string]string
	ServiceName string
	HostName    string
	Timeout     time.Duration
}

// Otel exports records as OTLP log records.
type Otel struct {
	provider *sdklog.LoggerProvider
	logger   otelLog.Logger
	timeout  time.Duration
	endpoint string
}

// NewOtel returns nil without error when no endpoint is configured.
func NewOtel(opts OtelOptions) (*Otel, error) {
	endpoint := resolveOtelEndpoint(opts.Endpoint, opts.FromEnv)
	if endpoint == "" {
		return nil, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("otel endpoint must include scheme (http or https)")
	}

	exporterOpts := []otlploghttp.Option{otlploghttp.WithEndpointURL(endpoint)}
	if len(opts.Headers) > 0 {
		exporterOpts = append(exporterOpts, otlploghttp.WithHeaders(opts.Headers))
	}
	if opts.Timeout > 0 {
		exporterOpts = append(exporterOpts, otlploghttp.WithTimeout(opts.Timeout))
	}

	exp, err := otlploghttp.New(context.Background(), exporterOpts...)
	if err != nil {
		return nil, err
	}

	service := opts.ServiceName
	if service == "" {
		service = "tracectl"
	}
	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceNameKey.String(service))}
	if opts.HostName != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.HostNameKey.String(opts.HostName)))
	}
	res, err := resource.New(context.Background(), append(attrs, resource.WithSchemaURL(semconv.SchemaURL))...)
	if err != nil {
		return nil, err
	}
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)

	return &Otel{
		provider: provider,
		logger:   provider.Logger("tracectl"),
		timeout:  opts.Timeout,
		endpoint: endpoint,
	}, nil
}

func resolveOtelEndpoint(explicit string, fromEnv bool) string {
	if endpoint := strings.TrimSpace(explicit); endpoint != "" {
		return endpoint
	}
	if !fromEnv {
		return ""
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

func (o *Otel) Endpoint() string {
	if o == nil {
		return ""
	}
	return o.endpoint
}

func (o *Otel) Write(rec Record) error {
	if o == nil || o.logger == nil {
		return nil
	}
	record := buildLogRecord(rec, time.Now())
	o.logger.Emit(context.Background(), record)
	return nil
}

func buildLogRecord(rec Record, now time.Time) otelLog.Record {
	var record otelLog.Record
	record.SetTimestamp(now)
	record.SetObservedTimestamp(now)
	record.SetEventName("tracectl.event")
	record.AddAttributes(
		otelLog.Int("tracectl.facility", int(rec.Facility)),
		otelLog.Int("tracectl.event", int(rec.Event)),
		otelLog.Int("tracectl.unit", int(rec.Unit)),
		otelLog.Int64("tracectl.timestamp", int64(rec.Timestamp)),
		otelLog.String("schema_version", SchemaVersion),
	)
	if len(rec.Payload) == 0 {
		return record
	}

	var decoded interface{}
	if err := jsonUnmarshal(rec.Payload, &decoded); err != nil {
		record.SetBody(otelLog.StringValue(string(rec.Payload)))
		return record
	}
	if attrs := semanticAttributes(rec, decoded); len(attrs) > 0 {
		record.AddAttributes(attrs...)
	}
	if value := toLogValue(decoded); value.Kind() != otelLog.KindEmpty {
		record.SetBody(value)
	} else {
		record.SetBody(otelLog.StringValue(string(rec.Payload)))
	}
	return record
}

// Close flushes pending batches.
func (o *Otel) Close() error {
	if o == nil || o.provider == nil {
		return nil
	}
	timeout := o.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.provider.Shutdown(ctx); err != nil {
		logger.Debugf("OTEL shutdown failed: %v", err)
		return err
	}
	return nil
}

func semanticAttributes(rec Record, decoded interface{}) []otelLog.KeyValue {
	if rec.Facility != event.CoreFacility {
		return nil
	}
	data, ok := decoded.(map[string]interface{})
	if !ok {
		return nil
	}
	id := event.ID(rec.Event)
	kvs := []otelLog.KeyValue{otelLog.String("tracectl.event.name", id.String())}

	switch id {
	case event.ProcessState:
		kvs = appendInt64Attr(kvs, string(semconv.ProcessPIDKey), data, "pid")
		kvs = appendInt64Attr(kvs, string(semconv.ProcessParentPIDKey), data, "ppid")
		kvs = appendStringAttr(kvs, string(semconv.ProcessExecutableNameKey), data, "name")
		kvs = appendStringAttr(kvs, "tracectl.process.status", data, "status")
	case event.FileDescriptor, event.VMMap:
		kvs = appendInt64Attr(kvs, string(semconv.ProcessPIDKey), data, "pid")
	case event.NetworkInterface:
		kvs = appendStringAttr(kvs, "network.interface.name", data, "name")
	case event.FacilityLoad, event.FacilityUnload:
		kvs = appendStringAttr(kvs, "tracectl.facility.name", data, "name")
	}
	return kvs
}

func appendStringAttr(kvs []otelLog.KeyValue, key string, data map[string]interface{}, field string) []otelLog.KeyValue {
	if s, ok := data[field].(string); ok && s != "" {
		return append(kvs, otelLog.String(key, s))
	}
	return kvs
}

func appendInt64Attr(kvs []otelLog.KeyValue, key string, data map[string]interface{}, field string) []otelLog.KeyValue {
	switch v := data[field].(type) {
	case float64:
		return append(kvs, otelLog.Int64(key, int64(v)))
	case int64:
		return append(kvs, otelLog.Int64(key, v))
	case int:
		return append(kvs, otelLog.Int(key, v))
	}
	return kvs
}

func toLogValue(value interface{}) otelLog.Value {
	switch v := value.(type) {
	case nil:
		return otelLog.Value{}
	case string:
		return otelLog.StringValue(v)
	case []byte:
		return otelLog.BytesValue(v)
	case bool:
		return otelLog.BoolValue(v)
	case int:
		return otelLog.IntValue(v)
	case int64:
		return otelLog.Int64Value(v)
	case float64:
		if v == float64(int64(v)) {
			return otelLog.Int64Value(int64(v))
		}
		return otelLog.Float64Value(v)
	case map[string]interface{}:
		return otelLog.MapValue(toLogKeyValues(v)...)
	case []interface{}:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, toLogValue(item))
		}
		return otelLog.SliceValue(values...)
	default:
		return otelLog.Value{}
	}
}

func toLogKeyValues(values map[string]interface{}) []otelLog.KeyValue {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	kvs := make([]otelLog.KeyValue, 0, len(values))
	for _, key := range keys {
		kvs = append(kvs, otelLog.KeyValue{Key: key, Value: toLogValue(values[key])})
	}
	return kvs
}
