// Package changeset implements the self-describing binary changeset
// format shared by the WAL persister and the replicator (spec §6):
// "Changeset format: a leading header with [u32 frame-count], followed by
// per-operation records tagged with [u8 op-kind][u16 class-id][u64
// object-id] and op-specific payload."
//
// Grounded on internal/storage/wal_advanced.go's record encoder (length-
// prefixed, tagged binary records written with encoding/binary), adapted
// from single-table row images to per-class op records carrying both
// scalar field mutations and reference-array structural edits.
package changeset

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/veloxdb/velox/internal/store"
	"github.com/veloxdb/velox/internal/veloxerr"
)

// OpKind tags one operation record (spec §6).
type OpKind uint8

const (
	OpCreate OpKind = iota + 1
	OpUpdate
	OpDelete
)

// Op is one operation against a single object, carrying enough state to
// replay the mutation on a standby or during WAL recovery.
type Op struct {
	Kind     OpKind
	ClassID  uint16
	ObjectID uint64
	Values   map[string]any  // Create/Update: field mutations
	RefEdits []store.RefEdit // Create/Update: structural reference edits
}

// Set is an ordered list of operations produced by one committing
// transaction. Ordering matches program order within the transaction
// (spec §5).
type Set struct {
	CommitVersion uint64
	Ops           []Op
}

// Encode serializes a Set into the changeset payload described by spec
// §6, independent of the outer log-frame framing (internal/wal adds the
// length/sequence/commit-version/crc32c envelope).
func Encode(cs Set) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(cs.Ops))); err != nil {
		return nil, err
	}
	for _, op := range cs.Ops {
		if err := encodeOp(&buf, op); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeOp(buf *bytes.Buffer, op Op) error {
	buf.WriteByte(byte(op.Kind))
	writeUint16(buf, op.ClassID)
	writeUint64(buf, op.ObjectID)

	switch op.Kind {
	case OpDelete:
		return nil
	case OpCreate, OpUpdate:
		if err := encodeValues(buf, op.Values); err != nil {
			return err
		}
		encodeRefEdits(buf, op.RefEdits)
		return nil
	default:
		return veloxerr.Newf(veloxerr.KindChangesetCorrupted, "unknown op-kind %d", op.Kind)
	}
}

// Value tags. Replay must reproduce the exact typed value the committing
// transaction wrote, so each value carries its type on the wire instead
// of a stringified rendering.
const (
	valBool byte = iota + 1
	valInt32
	valInt64
	valFloat32
	valFloat64
	valString
	valBytes
	valUint64
	valTime
)

func encodeValues(buf *bytes.Buffer, values map[string]any) error {
	writeUint32(buf, uint32(len(values)))
	for k, v := range values {
		writeString(buf, k)
		if err := encodeValue(buf, v); err != nil {
			return err
		}
	}
	return nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case bool:
		buf.WriteByte(valBool)
		if t {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int32:
		buf.WriteByte(valInt32)
		writeUint32(buf, uint32(t))
	case int:
		buf.WriteByte(valInt64)
		writeUint64(buf, uint64(int64(t)))
	case int64:
		buf.WriteByte(valInt64)
		writeUint64(buf, uint64(t))
	case float32:
		buf.WriteByte(valFloat32)
		writeUint32(buf, math.Float32bits(t))
	case float64:
		buf.WriteByte(valFloat64)
		writeUint64(buf, math.Float64bits(t))
	case string:
		buf.WriteByte(valString)
		writeString(buf, t)
	case []byte:
		buf.WriteByte(valBytes)
		writeUint32(buf, uint32(len(t)))
		buf.Write(t)
	case uint64:
		buf.WriteByte(valUint64)
		writeUint64(buf, t)
	case time.Time:
		buf.WriteByte(valTime)
		writeUint64(buf, uint64(t.UnixNano()))
	default:
		return veloxerr.Newf(veloxerr.KindChangesetCorrupted, "unencodable value type %T", v)
	}
	return nil
}

func decodeValue(r *bytes.Reader) (any, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case valBool:
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case valInt32:
		u, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		return int32(u), nil
	case valInt64:
		u, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		return int64(u), nil
	case valFloat32:
		u, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(u), nil
	case valFloat64:
		u, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(u), nil
	case valString:
		return readString(r)
	case valBytes:
		n, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		return b, nil
	case valUint64:
		return readUint64(r)
	case valTime:
		u, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		return time.Unix(0, int64(u)).UTC(), nil
	default:
		return nil, veloxerr.Newf(veloxerr.KindChangesetCorrupted, "unknown value tag %d", tag)
	}
}

func encodeRefEdits(buf *bytes.Buffer, edits []store.RefEdit) {
	writeUint32(buf, uint32(len(edits)))
	for _, e := range edits {
		writeString(buf, e.Name)
		buf.WriteByte(byte(e.Op))
		writeUint32(buf, uint32(e.Index))
		writeUint32(buf, uint32(len(e.Values)))
		for _, v := range e.Values {
			writeUint64(buf, v)
		}
	}
}

// Decode parses a changeset payload previously produced by Encode.
// Unknown op-kinds fail with ChangesetCorrupted per spec §6.
func Decode(data []byte) (Set, error) {
	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return Set{}, veloxerr.Wrap(veloxerr.KindChangesetCorrupted, "truncated changeset header", err)
	}
	ops := make([]Op, 0, count)
	for i := uint32(0); i < count; i++ {
		op, err := decodeOp(r)
		if err != nil {
			return Set{}, err
		}
		ops = append(ops, op)
	}
	return Set{Ops: ops}, nil
}

func decodeOp(r *bytes.Reader) (Op, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return Op{}, veloxerr.Wrap(veloxerr.KindChangesetCorrupted, "truncated op-kind", err)
	}
	kind := OpKind(kindByte)
	classID, err := readUint16(r)
	if err != nil {
		return Op{}, veloxerr.Wrap(veloxerr.KindChangesetCorrupted, "truncated class-id", err)
	}
	objectID, err := readUint64(r)
	if err != nil {
		return Op{}, veloxerr.Wrap(veloxerr.KindChangesetCorrupted, "truncated object-id", err)
	}

	op := Op{Kind: kind, ClassID: classID, ObjectID: objectID}
	switch kind {
	case OpDelete:
		return op, nil
	case OpCreate, OpUpdate:
		values, err := decodeValues(r)
		if err != nil {
			return Op{}, err
		}
		edits, err := decodeRefEdits(r)
		if err != nil {
			return Op{}, err
		}
		op.Values = values
		op.RefEdits = edits
		return op, nil
	default:
		return Op{}, veloxerr.Newf(veloxerr.KindChangesetCorrupted, "unknown op-kind %d", kind)
	}
}

func decodeValues(r *bytes.Reader) (map[string]any, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, veloxerr.Wrap(veloxerr.KindChangesetCorrupted, "truncated value count", err)
	}
	out := make(map[string]any, n)
	for i := uint32(0); i < n; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, veloxerr.Wrap(veloxerr.KindChangesetCorrupted, "truncated value key", err)
		}
		v, err := decodeValue(r)
		if err != nil {
			return nil, veloxerr.Wrap(veloxerr.KindChangesetCorrupted, "truncated value", err)
		}
		out[k] = v
	}
	return out, nil
}

func decodeRefEdits(r *bytes.Reader) ([]store.RefEdit, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, veloxerr.Wrap(veloxerr.KindChangesetCorrupted, "truncated ref-edit count", err)
	}
	out := make([]store.RefEdit, 0, n)
	for i := uint32(0); i < n; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, veloxerr.Wrap(veloxerr.KindChangesetCorrupted, "truncated ref-edit name", err)
		}
		opByte, err := r.ReadByte()
		if err != nil {
			return nil, veloxerr.Wrap(veloxerr.KindChangesetCorrupted, "truncated ref-edit op", err)
		}
		index, err := readUint32(r)
		if err != nil {
			return nil, veloxerr.Wrap(veloxerr.KindChangesetCorrupted, "truncated ref-edit index", err)
		}
		valCount, err := readUint32(r)
		if err != nil {
			return nil, veloxerr.Wrap(veloxerr.KindChangesetCorrupted, "truncated ref-edit value count", err)
		}
		values := make([]uint64, 0, valCount)
		for j := uint32(0); j < valCount; j++ {
			v, err := readUint64(r)
			if err != nil {
				return nil, veloxerr.Wrap(veloxerr.KindChangesetCorrupted, "truncated ref-edit value", err)
			}
			values = append(values, v)
		}
		out = append(out, store.RefEdit{Name: name, Op: store.RefOp(opByte), Index: int(int32(index)), Values: values})
	}
	return out, nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	buf.Write(tmp[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var tmp [2]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(tmp[:]), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
