package certificate

import (
	"encoding/binary"
	"strconv"
	"time"
)

// Canonical produces the deterministic byte serialization of a payload: every
// field except the signature, in a fixed order, each encoded as a 4-byte
// big-endian length prefix followed by the field bytes. Length prefixes avoid
// delimiter collisions when freeform text (policy reasons, suggestions)
// contains whatever separator would otherwise be used.
//
// The signature in a SignatureBlock covers exactly these bytes.
func Canonical(p Payload) []byte {
	var buf []byte
	field := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, s...)
	}

	field(p.CapabilityID)
	field(p.CapabilityVersion)
	field(strconv.Itoa(len(p.Effects)))
	for _, e := range p.Effects {
		field(e.String())
	}
	field(p.InputSchemaHash)
	field(p.OutputSchemaHash)
	field(p.AgentID)
	field(p.TenantID.String())
	field(p.PolicyTrace.RuleName)
	field(p.PolicyTrace.Action)
	field(p.PolicyTrace.Reason)
	field(p.PolicyTrace.Suggestion)
	field(canonicalTime(p.PolicyTrace.EvaluatedAt))
	field(canonicalTime(p.IssuedAt))
	field(canonicalTime(p.ExpiresAt))
	field(p.CorrelationID.String())
	return buf
}

func canonicalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
