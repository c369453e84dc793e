// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pdu

import (
	"bytes"
	"errors"
)

// MaxTextPairs is the implementation limit on recognized key=value
// pairs per text segment (spec.md §4.1 requires an implementation
// limit of at least 100).
const MaxTextPairs = 256

var ErrTooManyTextPairs = errors.New("pdu: text segment exceeds the maximum recognized pairs")

// KV is an ordered key/value pair, used where duplicate keys must be
// preserved (e.g. the SendTargets response's repeated TargetName /
// TargetAddress pairs).
type KV struct {
	Key   string
	Value string
}

// ParseTextPairs scans a flat key=value\0 buffer into an ordered
// sequence of pairs, preserving duplicate keys. Trailing NUL padding
// bytes past the last pair are ignored.
func ParseTextPairs(buf []byte) ([]KV, error) {
	var pairs []KV
	for len(buf) > 0 {
		if buf[0] == 0 {
			// Padding reached; nothing meaningful follows.
			break
		}
		eq := bytes.IndexByte(buf, '=')
		if eq < 0 {
			break
		}
		nul := bytes.IndexByte(buf[eq+1:], 0)
		if nul < 0 {
			// Unterminated trailing pair: treat remainder as the value.
			pairs = append(pairs, KV{Key: string(buf[:eq]), Value: string(buf[eq+1:])})
			break
		}
		key := string(buf[:eq])
		val := string(buf[eq+1 : eq+1+nul])
		pairs = append(pairs, KV{Key: key, Value: val})
		if len(pairs) > MaxTextPairs {
			return nil, ErrTooManyTextPairs
		}
		buf = buf[eq+1+nul+1:]
	}
	return pairs, nil
}

// ParseTextMap scans a flat key=value\0 buffer into a unique-key map,
// for use during login/negotiation where duplicate keys are not
// expected. Later occurrences of a duplicate key overwrite earlier
// ones.
func ParseTextMap(buf []byte) (map[string]string, error) {
	pairs, err := ParseTextPairs(buf)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		m[kv.Key] = kv.Value
	}
	return m, nil
}

// EncodeTextMap serializes a mapping as key=value\0 records (order is
// unspecified for maps; use EncodeTextPairs when order matters),
// padded with zero bytes to a 4-byte boundary.
func EncodeTextMap(m map[string]string) ([]byte, error) {
	if len(m) > MaxTextPairs {
		return nil, ErrTooManyTextPairs
	}
	pairs := make([]KV, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, KV{Key: k, Value: v})
	}
	return EncodeTextPairs(pairs)
}

// EncodeTextPairs serializes an ordered sequence of key/value pairs as
// key=value\0 records, padded with zero bytes to a 4-byte boundary.
func EncodeTextPairs(pairs []KV) ([]byte, error) {
	if len(pairs) > MaxTextPairs {
		return nil, ErrTooManyTextPairs
	}
	buf := bytes.Buffer{}
	for _, kv := range pairs {
		buf.WriteString(kv.Key)
		buf.WriteByte('=')
		buf.WriteString(kv.Value)
		buf.WriteByte(0)
	}
	if pad := (4 - (buf.Len() % 4)) % 4; pad > 0 {
		buf.Write(make([]byte, pad))
	}
	return buf.Bytes(), nil
}
