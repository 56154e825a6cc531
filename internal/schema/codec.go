package schema

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encode serializes e to its protobuf wire representation. Encode never
// fails on a well-formed BaseEvent built by this package's own types; the
// error return exists for an Unknown or unrecognized Payload, which
// DISPATCH must never construct (see internal/dispatch).
func Encode(e BaseEvent) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldTsSeconds, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.TsSeconds))
	b = protowire.AppendTag(b, fieldTsNanos, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(e.TsNanos)))
	b = protowire.AppendTag(b, fieldSensorGUID, protowire.BytesType)
	b = protowire.AppendString(b, e.SensorGUID)

	payloadBytes, tag, err := encodePayload(e.Payload)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, tag, protowire.BytesType)
	b = protowire.AppendBytes(b, payloadBytes)
	return b, nil
}

func encodePayload(p Payload) ([]byte, uint32, error) {
	switch v := p.(type) {
	case ProcessEvent:
		var b []byte
		b = appendUint32Field(b, 1, v.PID)
		b = appendUint32Field(b, 2, v.PPID)
		b = appendStringField(b, 3, v.ImagePath)
		b = appendStringField(b, 4, v.CmdLine)
		return b, fieldProcess, nil
	case FileEvent:
		var b []byte
		b = appendVarintField(b, 1, uint64(v.Op))
		b = appendStringField(b, 2, v.Path)
		b = appendStringField(b, 3, v.NewPath)
		b = appendUint32Field(b, 4, v.PID)
		b = appendStringField(b, 5, v.ExePath)
		b = appendVarintField(b, 6, v.Size)
		b = appendBytesField(b, 7, v.SHA256)
		b = appendBoolField(b, 8, v.Success)
		return b, fieldFile, nil
	case NetworkEvent:
		var b []byte
		b = appendVarintField(b, 1, uint64(v.Direction))
		b = appendStringField(b, 2, v.Proto)
		b = appendStringField(b, 3, v.SrcIP)
		b = appendUint32Field(b, 4, v.SrcPort)
		b = appendStringField(b, 5, v.DstIP)
		b = appendUint32Field(b, 6, v.DstPort)
		b = appendUint32Field(b, 7, v.PID)
		b = appendStringField(b, 8, v.ExePath)
		b = appendVarintField(b, 9, v.Bytes)
		b = appendBoolField(b, 10, v.Blocked)
		return b, fieldNetwork, nil
	case EtwEvent:
		var b []byte
		b = appendStringField(b, 1, v.ProviderGUID)
		b = appendUint32Field(b, 2, v.EventID)
		b = appendUint32Field(b, 3, v.Level)
		b = appendUint32Field(b, 4, v.PID)
		b = appendUint32Field(b, 5, v.TID)
		b = appendStringField(b, 6, v.JSONPayload)
		return b, fieldEtw, nil
	case ImageLoadEvent:
		var b []byte
		b = appendUint32Field(b, 1, v.PID)
		b = appendStringField(b, 2, v.ImagePath)
		b = appendVarintField(b, 3, v.BaseAddress)
		b = appendVarintField(b, 4, v.ImageSize)
		return b, fieldImageLoad, nil
	case ObjectOpEvent:
		var b []byte
		b = appendUint32Field(b, 1, v.PID)
		b = appendStringField(b, 2, v.ObjectType)
		b = appendStringField(b, 3, v.ObjectName)
		b = appendUint32Field(b, 4, v.AccessMask)
		return b, fieldObjectOp, nil
	default:
		return nil, 0, fmt.Errorf("schema.Encode: unsupported payload type %T", p)
	}
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendUint32Field(b []byte, num protowire.Number, v uint32) []byte {
	return appendVarintField(b, num, uint64(v))
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	var u uint64
	if v {
		u = 1
	}
	return appendVarintField(b, num, u)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// Decode parses raw protobuf bytes into a BaseEvent. Unrecognized
// top-level or payload fields are skipped without error — forward
// compatibility per SPEC_FULL.md §4.8. An unrecognized payload variant tag
// yields Payload == Unknown{Tag, Raw}.
func Decode(raw []byte) (BaseEvent, error) {
	var e BaseEvent
	var payloadTag uint32
	var payloadRaw []byte

	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return BaseEvent{}, fmt.Errorf("schema.Decode: malformed tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldTsSeconds:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return BaseEvent{}, fmt.Errorf("schema.Decode: ts_seconds: %w", protowire.ParseError(n))
			}
			e.TsSeconds = int64(v)
			b = b[n:]
		case fieldTsNanos:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return BaseEvent{}, fmt.Errorf("schema.Decode: ts_nanos: %w", protowire.ParseError(n))
			}
			e.TsNanos = int32(uint32(v))
			b = b[n:]
		case fieldSensorGUID:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return BaseEvent{}, fmt.Errorf("schema.Decode: sensor_guid: %w", protowire.ParseError(n))
			}
			e.SensorGUID = v
			b = b[n:]
		case fieldProcess, fieldFile, fieldNetwork, fieldEtw, fieldImageLoad, fieldObjectOp:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return BaseEvent{}, fmt.Errorf("schema.Decode: payload field %d: %w", num, protowire.ParseError(n))
			}
			payloadTag = uint32(num)
			payloadRaw = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return BaseEvent{}, fmt.Errorf("schema.Decode: skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if payloadTag != 0 {
		p, err := decodePayload(payloadTag, payloadRaw)
		if err != nil {
			return BaseEvent{}, err
		}
		e.Payload = p
	}
	return e, nil
}

func decodePayload(tag uint32, raw []byte) (Payload, error) {
	switch tag {
	case fieldProcess:
		return decodeProcessEvent(raw)
	case fieldFile:
		return decodeFileEvent(raw)
	case fieldNetwork:
		return decodeNetworkEvent(raw)
	case fieldEtw:
		return decodeEtwEvent(raw)
	case fieldImageLoad, fieldObjectOp:
		return Unknown{Tag: tag, Raw: raw}, nil
	default:
		return Unknown{Tag: tag, Raw: raw}, nil
	}
}

func decodeProcessEvent(raw []byte) (Payload, error) {
	var e ProcessEvent
	b := raw
	for len(b) > 0 {
		num, typ, n, err := consumeField(b)
		if err != nil {
			return nil, fmt.Errorf("schema.Decode: ProcessEvent: %w", err)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			e.PID, b = uint32(v), b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			e.PPID, b = uint32(v), b[n:]
		case 3:
			v, n := protowire.ConsumeString(b)
			e.ImagePath, b = v, b[n:]
		case 4:
			v, n := protowire.ConsumeString(b)
			e.CmdLine, b = v, b[n:]
		default:
			n := protowire.ConsumeFieldValue(protowire.Number(num), typ, b)
			b = b[n:]
		}
	}
	return e, nil
}

func decodeFileEvent(raw []byte) (Payload, error) {
	var e FileEvent
	b := raw
	for len(b) > 0 {
		num, typ, n, err := consumeField(b)
		if err != nil {
			return nil, fmt.Errorf("schema.Decode: FileEvent: %w", err)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			e.Op, b = FileOp(v), b[n:]
		case 2:
			v, n := protowire.ConsumeString(b)
			e.Path, b = v, b[n:]
		case 3:
			v, n := protowire.ConsumeString(b)
			e.NewPath, b = v, b[n:]
		case 4:
			v, n := protowire.ConsumeVarint(b)
			e.PID, b = uint32(v), b[n:]
		case 5:
			v, n := protowire.ConsumeString(b)
			e.ExePath, b = v, b[n:]
		case 6:
			v, n := protowire.ConsumeVarint(b)
			e.Size, b = v, b[n:]
		case 7:
			v, n := protowire.ConsumeBytes(b)
			e.SHA256 = append([]byte(nil), v...)
			b = b[n:]
		case 8:
			v, n := protowire.ConsumeVarint(b)
			e.Success, b = v != 0, b[n:]
		default:
			n := protowire.ConsumeFieldValue(protowire.Number(num), typ, b)
			b = b[n:]
		}
	}
	return e, nil
}

func decodeNetworkEvent(raw []byte) (Payload, error) {
	var e NetworkEvent
	b := raw
	for len(b) > 0 {
		num, typ, n, err := consumeField(b)
		if err != nil {
			return nil, fmt.Errorf("schema.Decode: NetworkEvent: %w", err)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			e.Direction, b = NetDirection(v), b[n:]
		case 2:
			v, n := protowire.ConsumeString(b)
			e.Proto, b = v, b[n:]
		case 3:
			v, n := protowire.ConsumeString(b)
			e.SrcIP, b = v, b[n:]
		case 4:
			v, n := protowire.ConsumeVarint(b)
			e.SrcPort, b = uint32(v), b[n:]
		case 5:
			v, n := protowire.ConsumeString(b)
			e.DstIP, b = v, b[n:]
		case 6:
			v, n := protowire.ConsumeVarint(b)
			e.DstPort, b = uint32(v), b[n:]
		case 7:
			v, n := protowire.ConsumeVarint(b)
			e.PID, b = uint32(v), b[n:]
		case 8:
			v, n := protowire.ConsumeString(b)
			e.ExePath, b = v, b[n:]
		case 9:
			v, n := protowire.ConsumeVarint(b)
			e.Bytes, b = v, b[n:]
		case 10:
			v, n := protowire.ConsumeVarint(b)
			e.Blocked, b = v != 0, b[n:]
		default:
			n := protowire.ConsumeFieldValue(protowire.Number(num), typ, b)
			b = b[n:]
		}
	}
	return e, nil
}

func decodeEtwEvent(raw []byte) (Payload, error) {
	var e EtwEvent
	b := raw
	for len(b) > 0 {
		num, typ, n, err := consumeField(b)
		if err != nil {
			return nil, fmt.Errorf("schema.Decode: EtwEvent: %w", err)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(b)
			e.ProviderGUID, b = v, b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			e.EventID, b = uint32(v), b[n:]
		case 3:
			v, n := protowire.ConsumeVarint(b)
			e.Level, b = uint32(v), b[n:]
		case 4:
			v, n := protowire.ConsumeVarint(b)
			e.PID, b = uint32(v), b[n:]
		case 5:
			v, n := protowire.ConsumeVarint(b)
			e.TID, b = uint32(v), b[n:]
		case 6:
			v, n := protowire.ConsumeString(b)
			e.JSONPayload, b = v, b[n:]
		default:
			n := protowire.ConsumeFieldValue(protowire.Number(num), typ, b)
			b = b[n:]
		}
	}
	return e, nil
}

// consumeField consumes one tag and returns its field number, wire type,
// and the number of bytes the tag itself occupied.
func consumeField(b []byte) (protowire.Number, protowire.Type, int, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return 0, 0, 0, protowire.ParseError(n)
	}
	return num, typ, n, nil
}
