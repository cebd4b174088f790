package bencode

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// Encoder writes values to the bencoding grammar.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes v and flushes the underlying writer.
func (e *Encoder) Encode(v interface{}) error {
	if err := e.encodeValue(v); err != nil {
		return err
	}
	return e.w.Flush()
}

// Marshal encodes v to bencoded bytes.
func Marshal(v interface{}) ([]byte, error) {
	var buf []byte
	bw := byteSliceWriter{&buf}
	e := NewEncoder(&bw)
	if err := e.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

type byteSliceWriter struct {
	buf *[]byte
}

func (w *byteSliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

func (e *Encoder) encodeValue(v interface{}) error {
	switch t := v.(type) {
	case int:
		return e.encodeInt(int64(t))
	case int64:
		return e.encodeInt(t)
	case uint32:
		return e.encodeInt(int64(t))
	case bool:
		if t {
			return e.encodeInt(1)
		}
		return e.encodeInt(0)
	case string:
		return e.encodeBytes([]byte(t))
	case []byte:
		return e.encodeBytes(t)
	case []interface{}:
		return e.encodeList(t)
	case *Dict:
		return e.encodeDict(t)
	default:
		return fmt.Errorf("bencode: unsupported kind: %T", v)
	}
}

func (e *Encoder) encodeInt(n int64) error {
	_, err := e.w.WriteString("i" + strconv.FormatInt(n, 10) + "e")
	return err
}

func (e *Encoder) encodeBytes(b []byte) error {
	if _, err := e.w.WriteString(strconv.Itoa(len(b)) + ":"); err != nil {
		return err
	}
	_, err := e.w.Write(b)
	return err
}

func (e *Encoder) encodeList(l []interface{}) error {
	if err := e.w.WriteByte('l'); err != nil {
		return err
	}
	for _, item := range l {
		if err := e.encodeValue(item); err != nil {
			return err
		}
	}
	return e.w.WriteByte('e')
}

// encodeDict writes keys in the Dict's insertion order. For a Dict produced
// by Decode, that order is whatever order appeared in the source bytes,
// which for any well-formed metainfo file or tracker response is already
// canonical (lexicographically sorted) -- so re-encoding a decoded value
// reproduces the original bytes.
func (e *Encoder) encodeDict(d *Dict) error {
	if err := e.w.WriteByte('d'); err != nil {
		return err
	}
	for _, k := range d.Keys() {
		if err := e.encodeBytes([]byte(k)); err != nil {
			return err
		}
		v, _ := d.Get(k)
		if err := e.encodeValue(v); err != nil {
			return err
		}
	}
	return e.w.WriteByte('e')
}
