// Package schema implements the BaseEvent wire envelope described in
// SPEC_FULL.md §3 and §4.8 (EVENT-SCHEMA) using the low-level
// google.golang.org/protobuf/encoding/protowire primitives directly,
// rather than protoc-generated bindings — the field numbers below are the
// external wire contract and must stay stable across any future codegen.
package schema

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for BaseEvent. Part of the external wire contract.
const (
	fieldTsSeconds  = 1
	fieldTsNanos    = 2
	fieldSensorGUID = 3

	fieldProcess    = 10
	fieldFile       = 11
	fieldNetwork    = 12
	fieldEtw        = 13
	fieldImageLoad  = 14
	fieldObjectOp   = 15
)

// BaseEvent is the top-level envelope carried on K-RING, one per frame.
type BaseEvent struct {
	TsSeconds  int64
	TsNanos    int32
	SensorGUID string
	Payload    Payload
}

// Payload is the sealed set of BaseEvent payload variants. Concrete types
// implement it via the unexported payloadTag method, which also fixes
// each variant's wire field number and keeps the set closed to this
// package — callers type-switch rather than subclass.
type Payload interface {
	payloadTag() uint32
}

// Unknown carries a payload variant this decoder recognizes by tag but
// does not interpret — the forward-compatibility case SPEC_FULL.md §4.8
// requires: unrecognized variants are counted and dropped, never fatal.
type Unknown struct {
	Tag uint32
	Raw []byte
}

func (Unknown) payloadTag() uint32 { return 0 }

// ProcessEvent corresponds to PayloadVariant.ProcessEvent.
type ProcessEvent struct {
	PID       uint32
	PPID      uint32
	ImagePath string
	CmdLine   string
}

func (ProcessEvent) payloadTag() uint32 { return fieldProcess }

// FileOp enumerates FileEvent.Op.
type FileOp int32

const (
	FileOpUnspecified FileOp = 0
	FileOpCreate      FileOp = 1
	FileOpWrite       FileOp = 2
	FileOpDelete      FileOp = 3
	FileOpRename      FileOp = 4
)

// FileEvent corresponds to PayloadVariant.FileEvent.
type FileEvent struct {
	Op      FileOp
	Path    string
	NewPath string
	PID     uint32
	ExePath string
	Size    uint64
	SHA256  []byte
	Success bool
}

func (FileEvent) payloadTag() uint32 { return fieldFile }

// NetDirection enumerates NetworkEvent.Direction.
type NetDirection int32

const (
	NetDirectionUnspecified NetDirection = 0
	NetDirectionInbound     NetDirection = 1
	NetDirectionOutbound    NetDirection = 2
)

// NetworkEvent corresponds to PayloadVariant.NetworkEvent.
type NetworkEvent struct {
	Direction NetDirection
	Proto     string
	SrcIP     string
	SrcPort   uint32
	DstIP     string
	DstPort   uint32
	PID       uint32
	ExePath   string
	Bytes     uint64
	Blocked   bool
}

func (NetworkEvent) payloadTag() uint32 { return fieldNetwork }

// EtwEvent corresponds to PayloadVariant.EtwEvent.
type EtwEvent struct {
	ProviderGUID string
	EventID      uint32
	Level        uint32
	PID          uint32
	TID          uint32
	JSONPayload  string
}

func (EtwEvent) payloadTag() uint32 { return fieldEtw }

// ImageLoadEvent is a reserved payload variant: the decoder recognizes it
// by tag but DISPATCH in this tree never emits it.
type ImageLoadEvent struct {
	PID         uint32
	ImagePath   string
	BaseAddress uint64
	ImageSize   uint64
}

func (ImageLoadEvent) payloadTag() uint32 { return fieldImageLoad }

// ObjectOpEvent is a reserved payload variant: the decoder recognizes it
// by tag but DISPATCH in this tree never emits it.
type ObjectOpEvent struct {
	PID        uint32
	ObjectType string
	ObjectName string
	AccessMask uint32
}

func (ObjectOpEvent) payloadTag() uint32 { return fieldObjectOp }

// Variant returns a short stable label for a Payload value, used as the
// Prometheus label value and the ROUTER dispatch key.
func Variant(p Payload) string {
	switch v := p.(type) {
	case ProcessEvent:
		return "process"
	case FileEvent:
		return "file"
	case NetworkEvent:
		return "network"
	case EtwEvent:
		return "etw"
	case ImageLoadEvent:
		return "image_load"
	case ObjectOpEvent:
		return "object_op"
	case Unknown:
		return fmt.Sprintf("unknown(%d)", v.Tag)
	default:
		return "unrecognized"
	}
}
