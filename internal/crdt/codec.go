package crdt

import (
	"encoding/binary"
	"errors"
	"math"
)

var ErrCorruptPayload = errors.New("corrupt payload")

// encoder builds the varint-based binary format shared by updates, state
// vectors and awareness payloads.
type encoder struct {
	buf []byte
}

func (e *encoder) writeUvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *encoder) writeByte(b byte) {
	e.buf = append(e.buf, b)
}

func (e *encoder) writeBytes(data []byte) {
	e.writeUvarint(uint64(len(data)))
	e.buf = append(e.buf, data...)
}

func (e *encoder) writeString(s string) {
	e.writeBytes([]byte(s))
}

func (e *encoder) writePosition(pos []uint32) {
	e.writeUvarint(uint64(len(pos)))
	for _, digit := range pos {
		e.writeUvarint(uint64(digit))
	}
}

func (e *encoder) bytes() []byte {
	return e.buf
}

type decoder struct {
	buf []byte
	off int
}

func newDecoder(data []byte) *decoder {
	return &decoder{buf: data}
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

func (d *decoder) readUvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		return 0, ErrCorruptPayload
	}
	d.off += n
	return v, nil
}

func (d *decoder) readByte() (byte, error) {
	if d.off >= len(d.buf) {
		return 0, ErrCorruptPayload
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) readBytes() ([]byte, error) {
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.remaining()) {
		return nil, ErrCorruptPayload
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:d.off+int(n)])
	d.off += int(n)
	return out, nil
}

func (d *decoder) readString() (string, error) {
	b, err := d.readBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) readPosition() ([]uint32, error) {
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.remaining()) {
		return nil, ErrCorruptPayload
	}
	pos := make([]uint32, n)
	for i := range pos {
		digit, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		if digit > math.MaxUint32 {
			return nil, ErrCorruptPayload
		}
		pos[i] = uint32(digit)
	}
	return pos, nil
}
