package schema

import (
	"bytes"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func roundTrip(t *testing.T, e BaseEvent) BaseEvent {
	t.Helper()
	raw, err := Encode(e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return got
}

func TestRoundTripProcessEvent(t *testing.T) {
	e := BaseEvent{
		TsSeconds:  1735689600,
		TsNanos:    123456,
		SensorGUID: "sensor-abc-123",
		Payload: ProcessEvent{
			PID: 4242, PPID: 1, ImagePath: `C:\Windows\System32\cmd.exe`, CmdLine: "cmd.exe /c dir",
		},
	}
	got := roundTrip(t, e)
	if !reflect.DeepEqual(e, got) {
		t.Fatalf("round trip mismatch:\n  want %+v\n  got  %+v", e, got)
	}
}

func TestRoundTripFileEvent(t *testing.T) {
	e := BaseEvent{
		TsSeconds:  1, TsNanos: 2, SensorGUID: "s1",
		Payload: FileEvent{
			Op: FileOpWrite, Path: "/tmp/a", NewPath: "", PID: 7, ExePath: "/bin/x",
			Size: 4096, SHA256: bytes.Repeat([]byte{0xAB}, 32), Success: true,
		},
	}
	got := roundTrip(t, e)
	if !reflect.DeepEqual(e, got) {
		t.Fatalf("round trip mismatch:\n  want %+v\n  got  %+v", e, got)
	}
}

func TestRoundTripNetworkEvent(t *testing.T) {
	e := BaseEvent{
		TsSeconds: 10, TsNanos: 20, SensorGUID: "s2",
		Payload: NetworkEvent{
			Direction: NetDirectionOutbound, Proto: "tcp", SrcIP: "10.0.0.2", SrcPort: 51234,
			DstIP: "93.184.216.34", DstPort: 443, PID: 99, ExePath: "/usr/bin/curl",
			Bytes: 2048, Blocked: false,
		},
	}
	got := roundTrip(t, e)
	if !reflect.DeepEqual(e, got) {
		t.Fatalf("round trip mismatch:\n  want %+v\n  got  %+v", e, got)
	}
}

func TestRoundTripEtwEvent(t *testing.T) {
	e := BaseEvent{
		TsSeconds: 5, TsNanos: 6, SensorGUID: "s3",
		Payload: EtwEvent{
			ProviderGUID: "{12345678-1234-1234-1234-123456789abc}",
			EventID:      42, Level: 4, PID: 100, TID: 200,
			JSONPayload: `{"key":"value"}`,
		},
	}
	got := roundTrip(t, e)
	if !reflect.DeepEqual(e, got) {
		t.Fatalf("round trip mismatch:\n  want %+v\n  got  %+v", e, got)
	}
}

func TestUnknownPayloadVariantForwardCompat(t *testing.T) {
	// Simulate a future producer sending a field number this decoder does
	// not recognize as a payload variant at all (e.g. a hypothetical
	// future field 20). The decoder must not error; it should simply not
	// populate Payload, leaving it nil (no unknown top-level fields are
	// retained since they carry no meaning to this consumer).
	var raw []byte
	raw = protowire.AppendTag(raw, fieldTsSeconds, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 1)
	raw = protowire.AppendTag(raw, fieldSensorGUID, protowire.BytesType)
	raw = protowire.AppendString(raw, "s4")
	raw = protowire.AppendTag(raw, 20, protowire.BytesType)
	raw = protowire.AppendBytes(raw, []byte{0x08, 0x01})

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.SensorGUID != "s4" {
		t.Fatalf("SensorGUID = %q, want %q", got.SensorGUID, "s4")
	}
	if got.Payload != nil {
		t.Fatalf("expected nil payload for unrecognized field 20, got %#v", got.Payload)
	}
}

func TestReservedImageLoadVariantDecodesAsUnknownByDecoderNotDispatch(t *testing.T) {
	// DISPATCH never emits ImageLoadEvent/ObjectOpEvent (reserved per
	// SPEC_FULL.md §3), but a decoder encountering one from a future
	// encoder must surface it as Unknown rather than fail.
	e := BaseEvent{
		TsSeconds: 1, TsNanos: 1, SensorGUID: "s5",
		Payload: ImageLoadEvent{PID: 1, ImagePath: "/lib/libc.so", BaseAddress: 0x7f0000, ImageSize: 4096},
	}
	raw, err := Encode(e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	u, ok := got.Payload.(Unknown)
	if !ok {
		t.Fatalf("expected Unknown payload, got %T", got.Payload)
	}
	if u.Tag != fieldImageLoad {
		t.Fatalf("Tag = %d, want %d", u.Tag, fieldImageLoad)
	}
}

func TestVariantLabels(t *testing.T) {
	cases := []struct {
		p    Payload
		want string
	}{
		{ProcessEvent{}, "process"},
		{FileEvent{}, "file"},
		{NetworkEvent{}, "network"},
		{EtwEvent{}, "etw"},
		{ImageLoadEvent{}, "image_load"},
		{ObjectOpEvent{}, "object_op"},
		{Unknown{Tag: 99}, "unknown(99)"},
	}
	for _, c := range cases {
		if got := Variant(c.p); got != c.want {
			t.Errorf("Variant(%T) = %q, want %q", c.p, got, c.want)
		}
	}
}
