package message

import (
	"encoding/binary"
	"errors"

	"github.com/golang/snappy"
	pkgerrors "github.com/pkg/errors"

	"github.com/zeusync/replication/internal/core/models"
	"github.com/zeusync/replication/internal/core/replication/registry"
	"github.com/zeusync/replication/internal/core/replication/tick"
)

var (
	ErrMalformedBatch = errors.New("malformed replication batch")
	ErrEmptyFrame     = errors.New("empty replication frame")
)

const (
	flagCompressed byte = 1 << iota
)

// Encode writes b into a frame. Bodies of at least compressThreshold bytes are
// snappy-compressed; a threshold <= 0 disables compression.
func Encode(b *Batch, compressThreshold int) []byte {
	body := appendBody(nil, b)
	if compressThreshold > 0 && len(body) >= compressThreshold {
		compressed := snappy.Encode(nil, body)
		if len(compressed) < len(body) {
			return append([]byte{flagCompressed}, compressed...)
		}
	}
	return append([]byte{0}, body...)
}

// Decode parses a frame produced by Encode.
func Decode(frame []byte) (*Batch, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	flags, body := frame[0], frame[1:]
	if flags&^flagCompressed != 0 {
		return nil, pkgerrors.Wrapf(ErrMalformedBatch, "unknown flags %#x", flags)
	}
	if flags&flagCompressed != 0 {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, pkgerrors.Wrap(ErrMalformedBatch, err.Error())
		}
		body = decoded
	}

	r := reader{data: body}
	b := &Batch{Tick: tick.RepliconTick(r.uint32())}

	despawns := r.count()
	for i := 0; i < despawns && r.err == nil; i++ {
		b.Despawns = append(b.Despawns, models.EntityID(r.uvarint()))
	}

	removals := r.count()
	for i := 0; i < removals && r.err == nil; i++ {
		entry := EntityRemovals{Entity: models.EntityID(r.uvarint())}
		components := r.count()
		for j := 0; j < components && r.err == nil; j++ {
			entry.Components = append(entry.Components, r.fnsInfo())
		}
		b.Removals = append(b.Removals, entry)
	}

	changes := r.count()
	for i := 0; i < changes && r.err == nil; i++ {
		entry := EntityChanges{Entity: models.EntityID(r.uvarint())}
		components := r.count()
		for j := 0; j < components && r.err == nil; j++ {
			info := r.fnsInfo()
			entry.Components = append(entry.Components, ComponentData{Info: info, Data: r.bytes()})
		}
		b.Changes = append(b.Changes, entry)
	}

	if r.err == nil && r.pos != len(r.data) {
		r.fail("%d trailing bytes", len(r.data)-r.pos)
	}
	if r.err != nil {
		return nil, r.err
	}
	return b, nil
}

func appendBody(buf []byte, b *Batch) []byte {
	buf = binary.AppendUvarint(buf, uint64(b.Tick))

	buf = binary.AppendUvarint(buf, uint64(len(b.Despawns)))
	for _, entity := range b.Despawns {
		buf = binary.AppendUvarint(buf, uint64(entity))
	}

	buf = binary.AppendUvarint(buf, uint64(len(b.Removals)))
	for _, entry := range b.Removals {
		buf = binary.AppendUvarint(buf, uint64(entry.Entity))
		buf = binary.AppendUvarint(buf, uint64(len(entry.Components)))
		for _, info := range entry.Components {
			buf = appendFnsInfo(buf, info)
		}
	}

	buf = binary.AppendUvarint(buf, uint64(len(b.Changes)))
	for _, entry := range b.Changes {
		buf = binary.AppendUvarint(buf, uint64(entry.Entity))
		buf = binary.AppendUvarint(buf, uint64(len(entry.Components)))
		for _, component := range entry.Components {
			buf = appendFnsInfo(buf, component.Info)
			buf = binary.AppendUvarint(buf, uint64(len(component.Data)))
			buf = append(buf, component.Data...)
		}
	}
	return buf
}

func appendFnsInfo(buf []byte, info registry.FnsInfo) []byte {
	buf = binary.AppendUvarint(buf, uint64(info.SchemaID))
	return binary.AppendUvarint(buf, uint64(info.FnsID))
}

// reader decodes varint fields and remembers the first error.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = pkgerrors.Wrapf(ErrMalformedBatch, format, args...)
	}
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		r.fail("bad varint at offset %d", r.pos)
		return 0
	}
	r.pos += n
	return v
}

func (r *reader) uint32() uint32 {
	v := r.uvarint()
	if v > 1<<32-1 {
		r.fail("value %d overflows 32 bits", v)
		return 0
	}
	return uint32(v)
}

// count reads a length prefix. Every element takes at least one byte, so a
// count larger than the remaining input is rejected before allocating.
func (r *reader) count() int {
	v := r.uvarint()
	if r.err == nil && v > uint64(len(r.data)-r.pos) {
		r.fail("count %d exceeds remaining %d bytes", v, len(r.data)-r.pos)
		return 0
	}
	return int(v)
}

func (r *reader) bytes() []byte {
	n := r.count()
	if r.err != nil {
		return nil
	}
	data := r.data[r.pos : r.pos+n : r.pos+n]
	r.pos += n
	return data
}

func (r *reader) fnsInfo() registry.FnsInfo {
	return registry.FnsInfo{
		SchemaID: models.ComponentID(r.uint32()),
		FnsID:    registry.FnsID(r.uint32()),
	}
}
