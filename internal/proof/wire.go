package proof

import (
	"encoding/binary"

	"github.com/sandrun/compute/internal/model"
)

// CanonicalBytes serializes a Proof into the exact byte sequence that is
// signed and later re-derived for verification. Field order and
// delimiters are fixed: changing this function invalidates every
// previously issued signature.
//
// Per spec §3 ("a digital signature over the canonical byte serialization
// of all preceding fields") and §6's field order, the signature covers
// JobID, NodeID, CodeHash, the full trace, FinalHash, and Timestamp — the
// fields that appear before Signature in the wire layout. Metadata comes
// after Signature and is deliberately excluded.
func CanonicalBytes(p *model.Proof) []byte {
	var buf []byte
	buf = appendField(buf, p.JobID)
	buf = appendField(buf, p.NodeID)
	buf = appendField(buf, p.CodeHash)
	buf = appendLenPrefixed(buf, len(p.Trace))
	for _, step := range p.Trace {
		buf = appendStep(buf, step)
	}
	buf = appendField(buf, p.FinalHash)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(p.Timestamp.Unix()))
	buf = append(buf, ts[:]...)
	return buf
}

func appendStep(buf []byte, step model.ExecutionStep) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(step.TimestampMicros))
	buf = append(buf, ts[:]...)
	buf = appendField(buf, step.Operation)
	buf = appendLenPrefixed(buf, len(step.Args))
	for _, a := range step.Args {
		buf = appendField(buf, a)
	}
	buf = appendField(buf, step.Result)
	buf = appendField(buf, step.Hash)
	return buf
}

func appendField(buf []byte, s string) []byte {
	buf = appendLenPrefixed(buf, len(s))
	return append(buf, s...)
}

func appendLenPrefixed(buf []byte, n int) []byte {
	var lb [8]byte
	binary.BigEndian.PutUint64(lb[:], uint64(n))
	return append(buf, lb[:]...)
}
