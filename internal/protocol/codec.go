package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Buffer is an append-only message encoder. Messages for one flush are
// batched into a single buffer and written in one burst.
type Buffer struct {
	b []byte
}

func (w *Buffer) Reset()        { w.b = w.b[:0] }
func (w *Buffer) Len() int      { return len(w.b) }
func (w *Buffer) Bytes() []byte { return w.b }

func (w *Buffer) PutMessageID(id MessageID) { w.PutUint16(uint16(id)) }

func (w *Buffer) PutUint8(v uint8) { w.b = append(w.b, v) }

func (w *Buffer) PutBool(v bool) {
	if v {
		w.PutUint8(1)
	} else {
		w.PutUint8(0)
	}
}

func (w *Buffer) PutUint16(v uint16) { w.b = binary.LittleEndian.AppendUint16(w.b, v) }
func (w *Buffer) PutUint32(v uint32) { w.b = binary.LittleEndian.AppendUint32(w.b, v) }
func (w *Buffer) PutInt32(v int32)   { w.PutUint32(uint32(v)) }

func (w *Buffer) PutFloat32(v float32) { w.PutUint32(math.Float32bits(v)) }

// PutString writes a uint16 length prefix followed by the raw bytes.
func (w *Buffer) PutString(s string) {
	w.PutUint16(uint16(len(s)))
	w.b = append(w.b, s...)
}

// Decoder reads protocol fields from a stream with a sticky error: after
// the first failure every accessor returns zero and Err reports the cause.
type Decoder struct {
	r       io.Reader
	err     error
	scratch [4]byte
}

func NewDecoder(r io.Reader) *Decoder { return &Decoder{r: r} }

func (d *Decoder) Err() error { return d.err }

// Fail sticks err on the decoder; the first failure wins.
func (d *Decoder) Fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) read(n int) []byte {
	if d.err != nil {
		return nil
	}
	if _, err := io.ReadFull(d.r, d.scratch[:n]); err != nil {
		d.err = err
		return nil
	}
	return d.scratch[:n]
}

func (d *Decoder) Uint8() uint8 {
	b := d.read(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Bool() bool { return d.Uint8() != 0 }

func (d *Decoder) Uint16() uint16 {
	b := d.read(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *Decoder) Uint32() uint32 {
	b := d.read(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Decoder) Int32() int32 { return int32(d.Uint32()) }

func (d *Decoder) Float32() float32 { return math.Float32frombits(d.Uint32()) }

// String reads a uint16-length-prefixed string, rejecting absurd lengths so
// a corrupt stream cannot force a huge allocation.
func (d *Decoder) String() string {
	n := int(d.Uint16())
	if d.err != nil {
		return ""
	}
	if n > 4096 {
		d.err = fmt.Errorf("string length %d exceeds protocol limit", n)
		return ""
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		d.err = err
		return ""
	}
	return string(buf)
}

// MessageID reads the next message tag.
func (d *Decoder) MessageID() MessageID { return MessageID(d.Uint16()) }
