package bencode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sort"
	"strconv"
	"unicode/utf8"
)

// SyntaxError reports a malformed bencode input.
type SyntaxError struct {
	Offset int64
	What   error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("bencode: syntax error (offset: %d): %s", e.Offset, e.What)
}

// Decoder reads a single bencoded value from a stream, advancing a shared
// cursor so nested values can be decoded in sequence.
type Decoder struct {
	r interface {
		io.ByteScanner
		io.Reader
	}
	offset int64
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads and returns the next bencoded value starting at the current
// cursor position.
func (d *Decoder) Decode() (v interface{}, err error) {
	defer func() {
		if e := recover(); e != nil {
			if _, ok := e.(runtime.Error); ok {
				panic(e)
			}
			err = e.(error)
		}
	}()
	return d.parseValue(), nil
}

// Unmarshal decodes a single bencoded value from data.
func Unmarshal(data []byte) (interface{}, error) {
	d := &Decoder{r: bytes.NewReader(data)}
	return d.Decode()
}

func (d *Decoder) readByte() byte {
	b, err := d.r.ReadByte()
	if err != nil {
		d.panicEOF(err)
	}
	d.offset++
	return b
}

func (d *Decoder) unreadByte() {
	if err := d.r.UnreadByte(); err != nil {
		panic(err)
	}
	d.offset--
}

func (d *Decoder) panicEOF(err error) {
	if err == io.EOF {
		panic(&SyntaxError{Offset: d.offset, What: io.ErrUnexpectedEOF})
	}
	panic(&SyntaxError{Offset: d.offset, What: err})
}

func (d *Decoder) readUntil(sep byte) []byte {
	var buf bytes.Buffer
	for {
		b := d.readByte()
		if b == sep {
			return buf.Bytes()
		}
		buf.WriteByte(b)
	}
}

func (d *Decoder) parseValue() interface{} {
	start := d.offset
	b := d.readByte()
	switch {
	case b == 'i':
		return d.parseInt()
	case b == 'l':
		return d.parseList()
	case b == 'd':
		return d.parseDict()
	case b >= '0' && b <= '9':
		d.unreadByte()
		return d.parseString()
	default:
		panic(&SyntaxError{Offset: start, What: fmt.Errorf("unexpected token %q", b)})
	}
}

// called with 'i' already consumed
func (d *Decoder) parseInt() int64 {
	start := d.offset - 1
	raw := d.readUntil('e')
	if len(raw) == 0 {
		panic(&SyntaxError{Offset: start, What: errors.New("empty integer")})
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		panic(&SyntaxError{Offset: start, What: err})
	}
	return n
}

// called with the first length digit not yet consumed
func (d *Decoder) parseString() interface{} {
	start := d.offset
	raw := d.readUntil(':')
	length, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		panic(&SyntaxError{Offset: start, What: err})
	}
	if length < 0 {
		panic(&SyntaxError{Offset: start, What: errors.New("negative string length")})
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		d.panicEOF(err)
	}
	d.offset += length
	if utf8.Valid(buf) {
		return string(buf)
	}
	return buf
}

// called with 'l' already consumed
func (d *Decoder) parseList() []interface{} {
	list := []interface{}{}
	for {
		b := d.readByte()
		if b == 'e' {
			return list
		}
		d.unreadByte()
		list = append(list, d.parseValue())
	}
}

// called with 'd' already consumed
func (d *Decoder) parseDict() *Dict {
	dict := NewDict()
	for {
		b := d.readByte()
		if b == 'e' {
			return dict
		}
		d.unreadByte()
		keyStart := d.offset
		keyVal := d.parseValue()
		key, ok := keyVal.(string)
		if !ok {
			if kb, ok2 := keyVal.([]byte); ok2 {
				key = string(kb)
			} else {
				panic(&SyntaxError{Offset: keyStart, What: errors.New("non-string dict key")})
			}
		}
		dict.Set(key, d.parseValue())
	}
}

// SortedKeys returns keys in canonical bencode (lexicographic byte) order.
// Exposed for callers that build a Dict programmatically rather than by
// decoding and want canonical output.
func SortedKeys(d *Dict) []string {
	keys := append([]string(nil), d.Keys()...)
	sort.Strings(keys)
	return keys
}
