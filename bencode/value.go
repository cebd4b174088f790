// Package bencode implements the bencoding grammar used by metainfo files
// and the HTTP tracker wire format: integers, byte-strings, lists, and
// ordered dictionaries.
package bencode

import "fmt"

// Dict is an ordered mapping of byte-string keys to values. Unlike a Go map,
// Dict preserves insertion order so that re-encoding a decoded value
// reproduces the original key order.
type Dict struct {
	keys   []string
	values map[string]interface{}
}

// NewDict creates an empty ordered dictionary.
func NewDict() *Dict {
	return &Dict{values: make(map[string]interface{})}
}

// Set inserts or updates key. Existing keys keep their original position.
func (d *Dict) Set(key string, val interface{}) {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = val
}

// Get returns the value for key and whether it was present.
func (d *Dict) Get(key string) (interface{}, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Keys returns the keys in insertion (decode) order.
func (d *Dict) Keys() []string {
	return d.keys
}

// Len returns the number of keys.
func (d *Dict) Len() int {
	return len(d.keys)
}

// GetString fetches key as a string, converting from []byte if necessary.
func (d *Dict) GetString(key string) (string, error) {
	v, ok := d.Get(key)
	if !ok {
		return "", fmt.Errorf("bencode: missing key %q", key)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("bencode: key %q is not a string: %T", key, v)
	}
}

// GetBytes fetches key as raw bytes, converting from string if necessary.
func (d *Dict) GetBytes(key string) ([]byte, error) {
	v, ok := d.Get(key)
	if !ok {
		return nil, fmt.Errorf("bencode: missing key %q", key)
	}
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("bencode: key %q is not a string: %T", key, v)
	}
}

// GetInt fetches key as an integer.
func (d *Dict) GetInt(key string) (int64, error) {
	v, ok := d.Get(key)
	if !ok {
		return 0, fmt.Errorf("bencode: missing key %q", key)
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("bencode: key %q is not an integer: %T", key, v)
	}
	return n, nil
}

// GetDict fetches key as a nested Dict.
func (d *Dict) GetDict(key string) (*Dict, error) {
	v, ok := d.Get(key)
	if !ok {
		return nil, fmt.Errorf("bencode: missing key %q", key)
	}
	sub, ok := v.(*Dict)
	if !ok {
		return nil, fmt.Errorf("bencode: key %q is not a dict: %T", key, v)
	}
	return sub, nil
}

// GetList fetches key as a list.
func (d *Dict) GetList(key string) ([]interface{}, error) {
	v, ok := d.Get(key)
	if !ok {
		return nil, fmt.Errorf("bencode: missing key %q", key)
	}
	l, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("bencode: key %q is not a list: %T", key, v)
	}
	return l, nil
}
