// Package tlv maps BER-TLV data (Basic Encoding Rules - Tag-Length-Value)
// onto Go structures using `tlv:"<hex tag>"` struct tags.
//
// Supported field kinds:
//   - []byte: raw value (constructed tags are re-encoded).
//   - struct or *struct: recursive mapping of a constructed tag.
//   - types implementing Unmarshaler.
//   - []bertlv.TLV tagged `tlv:",unknown"`: collects unmatched tags.
package tlv

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

// Unmarshaler allows custom types to implement their own TLV parsing logic.
type Unmarshaler interface {
	UnmarshalTLV(data []byte) error
}

var unknownType = reflect.TypeOf([]bertlv.TLV{})

// Unmarshal parses raw BER-TLV data and maps it into target, a pointer to a struct.
func Unmarshal(data []byte, target any) error {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return fmt.Errorf("bertlv decode failed: %w", err)
	}
	return UnmarshalFromPackets(packets, target)
}

// UnmarshalFromPackets maps pre-decoded packets onto target.
func UnmarshalFromPackets(packets []bertlv.TLV, target any) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("target must be a non-nil pointer to a struct")
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("target must be a non-nil pointer to a struct, got %s", v.Kind())
	}
	t := v.Type()

	consumed := make([]bool, len(packets))
	var unknown reflect.Value

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag, ok := sf.Tag.Lookup("tlv")
		if !ok {
			continue
		}
		if tag == ",unknown" {
			if sf.Type == unknownType {
				unknown = v.Field(i)
			}
			continue
		}

		want := strings.ToUpper(strings.Split(tag, ",")[0])
		for idx, p := range packets {
			if !strings.EqualFold(p.Tag, want) {
				continue
			}
			if err := assign(p, v.Field(i)); err != nil {
				return fmt.Errorf("tag %s: %w", want, err)
			}
			consumed[idx] = true
		}
	}

	if unknown.IsValid() && unknown.CanSet() {
		for idx, p := range packets {
			if !consumed[idx] {
				unknown.Set(reflect.Append(unknown, reflect.ValueOf(p)))
			}
		}
	}
	return nil
}

func assign(p bertlv.TLV, field reflect.Value) error {
	if field.CanAddr() {
		if u, ok := field.Addr().Interface().(Unmarshaler); ok {
			return u.UnmarshalTLV(Value(p))
		}
	}

	switch {
	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.Uint8:
		field.SetBytes(Value(p))
		return nil

	case field.Kind() == reflect.Struct:
		return unmarshalNested(p, field.Addr().Interface())

	case field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct:
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		return unmarshalNested(p, field.Interface())
	}
	return nil
}

func unmarshalNested(p bertlv.TLV, target any) error {
	if len(p.TLVs) > 0 {
		return UnmarshalFromPackets(p.TLVs, target)
	}
	if len(p.Value) == 0 {
		return nil
	}
	return Unmarshal(p.Value, target)
}

// Value returns the payload of a packet, re-encoding children of constructed tags.
func Value(p bertlv.TLV) []byte {
	if len(p.TLVs) > 0 {
		if enc, err := bertlv.Encode(p.TLVs); err == nil {
			return enc
		}
	}
	return p.Value
}

// Find returns the first packet carrying tag among packets (no recursion).
func Find(packets []bertlv.TLV, tag string) (bertlv.TLV, bool) {
	for _, p := range packets {
		if strings.EqualFold(p.Tag, tag) {
			return p, true
		}
	}
	return bertlv.TLV{}, false
}

// FindPath walks nested constructed tags, e.g. FindPath(data, "6F", "A5", "BF0C").
func FindPath(data []byte, path ...string) ([]byte, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("empty tag path")
	}
	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("bertlv decode failed: %w", err)
	}

	for i, tag := range path {
		p, ok := Find(packets, tag)
		if !ok {
			return nil, fmt.Errorf("tag %s not found (path %s)", strings.ToUpper(tag), strings.Join(path[:i+1], "/"))
		}
		if i == len(path)-1 {
			return Value(p), nil
		}
		packets = p.TLVs
	}
	return nil, nil
}

// GetValue scans the top level of data for tag and returns its payload.
func GetValue(data []byte, tag uint) ([]byte, error) {
	return FindPath(data, fmt.Sprintf("%X", tag))
}
