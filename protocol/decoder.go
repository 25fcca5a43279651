package protocol

import (
	"errors"
	"math"
)

var ErrInsufficientData = errors.New("protocol: insufficient data to decode packet, more bytes expected")
var ErrInvalidStringLength = errors.New("protocol: invalid string length")
var ErrInvalidArrayLength = errors.New("protocol: invalid array length")
var ErrInvalidByteSliceLength = errors.New("protocol: invalid byteslice length")
var ErrInvalidSizeField = errors.New("protocol: size field doesn't match payload length")

type PacketDecoder interface {
	Bool() (bool, error)
	Int8() (int8, error)
	Int16() (int16, error)
	Int32() (int32, error)
	Int64() (int64, error)
	ArrayLength() (int, error)
	Bytes() ([]byte, error)
	String() (string, error)
	Int32Array() ([]int32, error)
	Int64Array() ([]int64, error)
	StringArray() ([]string, error)
	Push(pd PushDecoder) error
	Pop() error
	remaining() int
}

type Decoder interface {
	Decode(d PacketDecoder) error
}

type VersionedDecoder interface {
	Decode(d PacketDecoder, version int16) error
}

type PushDecoder interface {
	SaveOffset(in int)
	ReserveSize() int
	Check(curOffset int, buf []byte) error
}

func Decode(b []byte, in VersionedDecoder, version int16) error {
	d := NewDecoder(b)
	return in.Decode(d, version)
}

type ByteDecoder struct {
	b     []byte
	off   int
	stack []PushDecoder
}

func NewDecoder(b []byte) *ByteDecoder {
	return &ByteDecoder{b: b}
}

func (d *ByteDecoder) Offset() int {
	return d.off
}

func (d *ByteDecoder) Bool() (bool, error) {
	i, err := d.Int8()
	return i == 1, err
}

func (d *ByteDecoder) Int8() (int8, error) {
	if d.remaining() < 1 {
		d.off = len(d.b)
		return -1, ErrInsufficientData
	}
	i := int8(d.b[d.off])
	d.off++
	return i, nil
}

func (d *ByteDecoder) Int16() (int16, error) {
	if d.remaining() < 2 {
		d.off = len(d.b)
		return -1, ErrInsufficientData
	}
	i := int16(Encoding.Uint16(d.b[d.off:]))
	d.off += 2
	return i, nil
}

func (d *ByteDecoder) Int32() (int32, error) {
	if d.remaining() < 4 {
		d.off = len(d.b)
		return -1, ErrInsufficientData
	}
	i := int32(Encoding.Uint32(d.b[d.off:]))
	d.off += 4
	return i, nil
}

func (d *ByteDecoder) Int64() (int64, error) {
	if d.remaining() < 8 {
		d.off = len(d.b)
		return -1, ErrInsufficientData
	}
	i := int64(Encoding.Uint64(d.b[d.off:]))
	d.off += 8
	return i, nil
}

func (d *ByteDecoder) ArrayLength() (int, error) {
	i, err := d.Int32()
	if err != nil {
		return -1, err
	}
	n := int(i)
	if n > d.remaining() {
		d.off = len(d.b)
		return -1, ErrInsufficientData
	} else if n > 2*math.MaxUint16 {
		return -1, ErrInvalidArrayLength
	}
	return n, nil
}

func (d *ByteDecoder) Bytes() ([]byte, error) {
	n, err := d.Int32()
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}
	return d.rawBytes(int(n))
}

func (d *ByteDecoder) String() (string, error) {
	n, err := d.Int16()
	if err != nil {
		return "", err
	}
	if n < -1 {
		return "", ErrInvalidStringLength
	}
	if n == -1 {
		return "", nil
	}
	b, err := d.rawBytes(int(n))
	return string(b), err
}

func (d *ByteDecoder) Int32Array() ([]int32, error) {
	n, err := d.ArrayLength()
	if err != nil {
		return nil, err
	}
	if d.remaining() < 4*n {
		d.off = len(d.b)
		return nil, ErrInsufficientData
	}
	if n == 0 {
		return nil, nil
	}
	if n < 0 {
		return nil, ErrInvalidArrayLength
	}
	ret := make([]int32, n)
	for i := range ret {
		ret[i] = int32(Encoding.Uint32(d.b[d.off:]))
		d.off += 4
	}
	return ret, nil
}

func (d *ByteDecoder) Int64Array() ([]int64, error) {
	n, err := d.ArrayLength()
	if err != nil {
		return nil, err
	}
	if d.remaining() < 8*n {
		d.off = len(d.b)
		return nil, ErrInsufficientData
	}
	if n == 0 {
		return nil, nil
	}
	if n < 0 {
		return nil, ErrInvalidArrayLength
	}
	ret := make([]int64, n)
	for i := range ret {
		ret[i] = int64(Encoding.Uint64(d.b[d.off:]))
		d.off += 8
	}
	return ret, nil
}

func (d *ByteDecoder) StringArray() ([]string, error) {
	n, err := d.ArrayLength()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if n < 0 {
		return nil, ErrInvalidArrayLength
	}
	ret := make([]string, n)
	for i := range ret {
		str, err := d.String()
		if err != nil {
			return nil, err
		}
		ret[i] = str
	}
	return ret, nil
}

func (d *ByteDecoder) Push(pd PushDecoder) error {
	pd.SaveOffset(d.off)
	reserve := pd.ReserveSize()
	if d.remaining() < reserve {
		d.off = len(d.b)
		return ErrInsufficientData
	}
	d.off += reserve
	d.stack = append(d.stack, pd)
	return nil
}

func (d *ByteDecoder) Pop() error {
	pd := d.stack[len(d.stack)-1]
	d.stack = d.stack[:len(d.stack)-1]
	return pd.Check(d.off, d.b)
}

func (d *ByteDecoder) rawBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrInvalidByteSliceLength
	} else if n > d.remaining() {
		d.off = len(d.b)
		return nil, ErrInsufficientData
	}
	start := d.off
	d.off += n
	return d.b[start:d.off], nil
}

func (d *ByteDecoder) remaining() int {
	return len(d.b) - d.off
}
