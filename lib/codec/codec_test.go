// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeStrictRejectsUnknownField(t *testing.T) {
	var target struct {
		Name string `json:"name"`
	}
	err := DecodeStrict([]byte(`{"name":"a","extra":1}`), &target)
	if err == nil {
		t.Fatal("expected unknown field error")
	}
	if err := DecodeLoose([]byte(`{"name":"a","extra":1}`), &target); err != nil {
		t.Fatalf("DecodeLoose: %v", err)
	}
	if target.Name != "a" {
		t.Errorf("Name = %q", target.Name)
	}
}

func TestDecodeStrictTrailingData(t *testing.T) {
	var target any
	err := DecodeStrict([]byte(`{} {}`), &target)
	if !errors.Is(err, ErrTrailingData) {
		t.Fatalf("err = %v, want ErrTrailingData", err)
	}
}

func TestDecodeKeepsIntegers(t *testing.T) {
	var target any
	if err := DecodeStrict([]byte(`{"id": 9007199254740993}`), &target); err != nil {
		t.Fatal(err)
	}
	number, ok := target.(map[string]any)["id"].(json.Number)
	if !ok {
		t.Fatalf("id decoded as %T", target.(map[string]any)["id"])
	}
	if number.String() != "9007199254740993" {
		t.Errorf("id = %s", number)
	}
}

func TestNormalize(t *testing.T) {
	type inner struct {
		Enabled bool `json:"enabled"`
	}
	generic, err := Normalize(struct {
		Name  string `json:"name"`
		Inner inner  `json:"inner"`
	}{Name: "ssh", Inner: inner{Enabled: true}})
	if err != nil {
		t.Fatal(err)
	}
	object := generic.(map[string]any)
	if object["name"] != "ssh" {
		t.Errorf("name = %v", object["name"])
	}
	if object["inner"].(map[string]any)["enabled"] != true {
		t.Errorf("inner = %v", object["inner"])
	}
}

func TestCBORDeterministic(t *testing.T) {
	first, err := MarshalCBOR(map[string]any{"b": 1, "a": 2, "c": []string{"x"}})
	if err != nil {
		t.Fatal(err)
	}
	second, err := MarshalCBOR(map[string]any{"c": []string{"x"}, "a": 2, "b": 1})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("equal maps encoded differently")
	}
	var decoded map[string]any
	if err := UnmarshalCBOR(first, &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 3 {
		t.Errorf("decoded %d keys", len(decoded))
	}
}
