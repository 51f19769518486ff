//go:build !(js && wasm)

package soft

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/gogpu/mtlhal/native"
)

// argumentStride is the encoded size of one argument: a handle id followed
// by a byte offset.
const argumentStride = 16

// ArgumentEncoder implements native.ArgumentEncoder.
type ArgumentEncoder struct {
	slots     map[uint32]uint64 // argument index -> byte position
	length    uint64
	alignment uint64

	target native.Buffer
	base   uint64
}

var _ native.ArgumentEncoder = (*ArgumentEncoder)(nil)

// NewArgumentEncoder lays out the arguments in index order.
func (d *Device) NewArgumentEncoder(args []native.ArgumentDescriptor) (native.ArgumentEncoder, error) {
	sorted := append([]native.ArgumentDescriptor(nil), args...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	enc := &ArgumentEncoder{
		slots:     make(map[uint32]uint64),
		alignment: d.opts.ArgumentAlignment,
	}
	for _, a := range sorted {
		for i := range max(a.Count, 1) {
			idx := a.Index + i
			if _, dup := enc.slots[idx]; dup {
				return nil, fmt.Errorf("soft: argument index %d declared twice", idx)
			}
			enc.slots[idx] = enc.length
			enc.length += argumentStride
		}
	}
	if enc.length == 0 {
		enc.length = argumentStride
	}
	return enc, nil
}

// EncodedLength returns the bytes one encoded set occupies.
func (e *ArgumentEncoder) EncodedLength() uint64 { return e.length }

// Alignment returns the required alignment of encoded sets.
func (e *ArgumentEncoder) Alignment() uint64 { return e.alignment }

// SetArgumentBuffer selects where subsequent Set calls write.
func (e *ArgumentEncoder) SetArgumentBuffer(buf native.Buffer, offset uint64) {
	e.target = buf
	e.base = offset
}

func (e *ArgumentEncoder) put(index uint32, id, offset uint64) {
	pos, ok := e.slots[index]
	if !ok || e.target == nil {
		return
	}
	dst := e.target.Contents()
	at := e.base + pos
	if dst == nil || at+argumentStride > uint64(len(dst)) {
		return
	}
	binary.LittleEndian.PutUint64(dst[at:], id)
	binary.LittleEndian.PutUint64(dst[at+8:], offset)
}

// SetBuffer encodes a buffer handle and offset.
func (e *ArgumentEncoder) SetBuffer(index uint32, buf native.Buffer, offset uint64) {
	e.put(index, buf.ID(), offset)
}

// SetTexture encodes a texture handle.
func (e *ArgumentEncoder) SetTexture(index uint32, tex native.Texture) {
	e.put(index, tex.ID(), 0)
}

// SetSampler encodes a sampler handle.
func (e *ArgumentEncoder) SetSampler(index uint32, s native.Sampler) {
	e.put(index, s.ID(), 0)
}

// DecodeArgument reads the handle and offset stored for index in an
// encoded set at base within contents.
func DecodeArgument(enc native.ArgumentEncoder, contents []byte, base uint64, index uint32) (id, offset uint64, ok bool) {
	e, isSoft := enc.(*ArgumentEncoder)
	if !isSoft {
		return 0, 0, false
	}
	pos, found := e.slots[index]
	at := base + pos
	if !found || at+argumentStride > uint64(len(contents)) {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint64(contents[at:]), binary.LittleEndian.Uint64(contents[at+8:]), true
}
