package observe

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestNewResource_Defaults(t *testing.T) {
	res, err := newResource(ProviderConfig{InstanceID: "desk-1"})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	set := res.Set()
	if v, _ := set.Value(semconv.ServiceNameKey); v.AsString() != DefaultServiceName {
		t.Errorf("service.name = %q, want %q", v.AsString(), DefaultServiceName)
	}
	if v, _ := set.Value(semconv.ServiceInstanceIDKey); v.AsString() != "desk-1" {
		t.Errorf("service.instance.id = %q, want desk-1", v.AsString())
	}
	for _, k := range []attribute.Key{AttrAgentID, AttrHistoryBackend, semconv.ServiceVersionKey} {
		if _, ok := set.Value(k); ok {
			t.Errorf("%s set without a configured value", k)
		}
	}
}

func TestNewResource_CallAttributes(t *testing.T) {
	res, err := newResource(ProviderConfig{
		ServiceName:    "voxline-kiosk",
		ServiceVersion: "1.2.3",
		InstanceID:     "desk-2",
		AgentID:        "agent-7",
		HistoryBackend: "postgres",
	})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	want := map[attribute.Key]string{
		semconv.ServiceNameKey:       "voxline-kiosk",
		semconv.ServiceVersionKey:    "1.2.3",
		semconv.ServiceInstanceIDKey: "desk-2",
		AttrAgentID:                  "agent-7",
		AttrHistoryBackend:           "postgres",
	}
	set := res.Set()
	for k, w := range want {
		if v, ok := set.Value(k); !ok || v.AsString() != w {
			t.Errorf("%s = %q, want %q", k, v.AsString(), w)
		}
	}
	// The SDK's own attributes survive the merge.
	if _, ok := set.Value(semconv.TelemetrySDKNameKey); !ok {
		t.Error("telemetry.sdk.name missing from merged resource")
	}
}
