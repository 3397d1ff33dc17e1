// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalCBOR encodes v deterministically.
func MarshalCBOR(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// UnmarshalCBOR decodes CBOR data into v.
func UnmarshalCBOR(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// ErrTrailingData is returned by DecodeStrict when the input holds
// more than one JSON value.
var ErrTrailingData = errors.New("codec: trailing data after JSON value")

// DecodeStrict decodes exactly one JSON value into v, rejecting
// fields that v does not declare.
func DecodeStrict(data []byte, v any) error {
	return decodeJSON(data, v, true)
}

// DecodeLoose decodes exactly one JSON value into v, ignoring unknown
// fields.
func DecodeLoose(data []byte, v any) error {
	return decodeJSON(data, v, false)
}

func decodeJSON(data []byte, v any, strict bool) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if strict {
		decoder.DisallowUnknownFields()
	}
	if err := decoder.Decode(v); err != nil {
		return err
	}
	if _, err := decoder.Token(); err != io.EOF {
		return ErrTrailingData
	}
	return nil
}

// Normalize converts an arbitrary Go value into the generic form
// produced by decoding JSON: map[string]any, []any, string,
// json.Number, bool and nil. Filters and redaction operate on this
// form.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: normalizing %T: %w", v, err)
	}
	var generic any
	if err := DecodeLoose(data, &generic); err != nil {
		return nil, fmt.Errorf("codec: normalizing %T: %w", v, err)
	}
	return generic, nil
}
