package rule

import (
	"errors"
	"fmt"
	"math"
)

// WireLen is the fixed number of integers in an encoded rule.
const WireLen = 15

// Wire field offsets. The order is shared with the matching engine and must
// not change.
const (
	FieldEnabled = iota
	FieldSrcZone
	FieldSrcNet
	FieldSrcPrefix
	FieldSrcSelector
	FieldSrcPortEnd
	FieldDstZone
	FieldDstNet
	FieldDstPrefix
	FieldDstSelector
	FieldDstPortEnd
	FieldAction
	FieldLog
	FieldIPProxy
	FieldOther
)

// Wire is the engine's encoding of one rule.
type Wire [WireLen]uint32

// ErrMalformed is wrapped by every Decode and ParseWire failure.
var ErrMalformed = errors.New("malformed wire rule")

// Encode converts r to its wire form. Section and Position are not encoded.
func Encode(r Rule) Wire {
	var w Wire
	w[FieldEnabled] = boolWord(r.Enabled)

	w[FieldSrcZone] = r.SrcZone
	w[FieldSrcNet] = r.SrcNet
	w[FieldSrcPrefix] = uint32(r.SrcPrefix)
	w[FieldSrcSelector] = selector(r.Protocol, r.SrcPortStart)
	w[FieldSrcPortEnd] = uint32(r.SrcPortEnd)

	w[FieldDstZone] = r.DstZone
	w[FieldDstNet] = r.DstNet
	w[FieldDstPrefix] = uint32(r.DstPrefix)
	w[FieldDstSelector] = selector(r.Protocol, r.DstPortStart)
	w[FieldDstPortEnd] = uint32(r.DstPortEnd)

	w[FieldAction] = uint32(r.Action)
	w[FieldLog] = boolWord(r.Log)
	w[FieldIPProxy] = r.IPProxyProfile
	w[FieldOther] = r.OtherProfile
	return w
}

// Decode converts a wire rule back to a Rule. It is the inverse of Encode for
// every rule Encode can produce.
func Decode(w Wire) (Rule, error) {
	var r Rule
	var err error

	if r.Enabled, err = wordBool(w, FieldEnabled); err != nil {
		return Rule{}, err
	}
	if r.Log, err = wordBool(w, FieldLog); err != nil {
		return Rule{}, err
	}

	if w[FieldSrcPrefix] > 32 {
		return Rule{}, fieldErr(FieldSrcPrefix, "prefix length %d exceeds 32", w[FieldSrcPrefix])
	}
	if w[FieldDstPrefix] > 32 {
		return Rule{}, fieldErr(FieldDstPrefix, "prefix length %d exceeds 32", w[FieldDstPrefix])
	}

	srcProto, srcStart := splitSelector(w[FieldSrcSelector])
	dstProto, dstStart := splitSelector(w[FieldDstSelector])
	if !srcProto.Known() {
		return Rule{}, fieldErr(FieldSrcSelector, "unknown protocol code %d", w[FieldSrcSelector]>>16)
	}
	if !dstProto.Known() {
		return Rule{}, fieldErr(FieldDstSelector, "unknown protocol code %d", w[FieldDstSelector]>>16)
	}
	if srcProto != dstProto {
		return Rule{}, fieldErr(FieldDstSelector, "protocol %s does not match source protocol %s", dstProto, srcProto)
	}
	if w[FieldSrcPortEnd] > math.MaxUint16 {
		return Rule{}, fieldErr(FieldSrcPortEnd, "port %d out of range", w[FieldSrcPortEnd])
	}
	if w[FieldDstPortEnd] > math.MaxUint16 {
		return Rule{}, fieldErr(FieldDstPortEnd, "port %d out of range", w[FieldDstPortEnd])
	}

	switch Action(w[FieldAction]) {
	case ActionAccept, ActionDrop:
		r.Action = Action(w[FieldAction])
	default:
		return Rule{}, fieldErr(FieldAction, "unknown action %d", w[FieldAction])
	}

	r.SrcZone = w[FieldSrcZone]
	r.SrcNet = w[FieldSrcNet]
	r.SrcPrefix = uint8(w[FieldSrcPrefix])
	r.DstZone = w[FieldDstZone]
	r.DstNet = w[FieldDstNet]
	r.DstPrefix = uint8(w[FieldDstPrefix])

	r.Protocol = srcProto
	r.SrcPortStart = srcStart
	r.SrcPortEnd = uint16(w[FieldSrcPortEnd])
	r.DstPortStart = dstStart
	r.DstPortEnd = uint16(w[FieldDstPortEnd])

	r.IPProxyProfile = w[FieldIPProxy]
	r.OtherProfile = w[FieldOther]
	return r, nil
}

// ParseWire converts an externally supplied integer array to a Wire, checking
// the fixed width and the uint32 range of every element.
func ParseWire(vals []int64) (Wire, error) {
	var w Wire
	if len(vals) != WireLen {
		return w, fmt.Errorf("%w: expected %d fields, got %d", ErrMalformed, WireLen, len(vals))
	}
	for i, v := range vals {
		if v < 0 || v > math.MaxUint32 {
			return Wire{}, fieldErr(i, "value %d out of range", v)
		}
		w[i] = uint32(v)
	}
	return w, nil
}

// Ints returns w as a slice, the form used by JSON and YAML output.
func (w Wire) Ints() []uint32 {
	out := make([]uint32, WireLen)
	copy(out, w[:])
	return out
}

// Protocol returns the protocol carried in the destination selector.
func (w Wire) Protocol() Protocol {
	p, _ := splitSelector(w[FieldDstSelector])
	return p
}

func selector(p Protocol, port uint16) uint32 {
	return uint32(p)<<16 | uint32(port)
}

func splitSelector(v uint32) (Protocol, uint16) {
	proto := v >> 16
	if proto > math.MaxUint8 {
		// never a known protocol; keep it unknown rather than truncating
		return Protocol(0xff), uint16(v & 0xffff)
	}
	return Protocol(proto), uint16(v & 0xffff)
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func wordBool(w Wire, field int) (bool, error) {
	switch w[field] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fieldErr(field, "expected 0 or 1, got %d", w[field])
}

func fieldErr(field int, format string, args ...any) error {
	return fmt.Errorf("%w: field %d: %s", ErrMalformed, field, fmt.Sprintf(format, args...))
}
