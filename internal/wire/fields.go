package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
)

// WriteFieldBytes writes a length-prefixed byte field, exactly as the
// teacher's serializer.WriteFieldBytes does. Every payload codec in this
// module (view membership, GCS/GES request bodies) is built out of this
// and WriteUint64 rather than a generic encoding package, matching the
// teacher's hand-rolled binary framing style.
func WriteFieldBytes(buf *bufio.Writer, b []byte) error {
	size := uint32(len(b))
	if err := binary.Write(buf, binary.BigEndian, &size); err != nil {
		return err
	}
	n, err := buf.Write(b)
	if err != nil {
		return err
	}
	if uint32(n) != size {
		return fmt.Errorf("wire: unexpected num bytes written, expected %v, got %v", size, n)
	}
	return nil
}

// ReadFieldBytes reads a length-prefixed byte field written by
// WriteFieldBytes.
func ReadFieldBytes(buf *bufio.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(buf, binary.BigEndian, &size); err != nil {
		return nil, err
	}
	if size > maxPayload {
		return nil, fmt.Errorf("wire: field length %d exceeds maximum %d", size, maxPayload)
	}
	b := make([]byte, size)
	n, err := readFull(buf, b)
	if err != nil {
		return nil, err
	}
	if uint32(n) != size {
		return nil, fmt.Errorf("wire: unexpected num bytes read, expected %v, got %v", size, n)
	}
	return b, nil
}

func readFull(buf *bufio.Reader, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := buf.Read(b[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// WriteFieldString writes a length-prefixed UTF-8 string field.
func WriteFieldString(buf *bufio.Writer, s string) error {
	return WriteFieldBytes(buf, []byte(s))
}

// ReadFieldString reads a length-prefixed UTF-8 string field.
func ReadFieldString(buf *bufio.Reader) (string, error) {
	b, err := ReadFieldBytes(buf)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteUint64 writes a fixed-width big-endian uint64.
func WriteUint64(buf *bufio.Writer, v uint64) error {
	return binary.Write(buf, binary.BigEndian, &v)
}

// ReadUint64 reads a fixed-width big-endian uint64.
func ReadUint64(buf *bufio.Reader) (uint64, error) {
	var v uint64
	if err := binary.Read(buf, binary.BigEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// WriteUint32 writes a fixed-width big-endian uint32.
func WriteUint32(buf *bufio.Writer, v uint32) error {
	return binary.Write(buf, binary.BigEndian, &v)
}

// ReadUint32 reads a fixed-width big-endian uint32.
func ReadUint32(buf *bufio.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(buf, binary.BigEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// WriteByte writes a single byte (e.g. a small enum's wire tag).
func WriteByte(buf *bufio.Writer, b byte) error {
	return buf.WriteByte(b)
}

// ReadByte reads a single byte.
func ReadByte(buf *bufio.Reader) (byte, error) {
	return buf.ReadByte()
}
