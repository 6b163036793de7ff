package tlv

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestBuildParse_RoundTrip(t *testing.T) {
	// Boundary lengths around every encoding switch point.
	lengths := []int{0, 1, 0x7F, 0x80, 0xFF, 0x100, 0xFFFF, 0x10000}

	for _, n := range lengths {
		value := bytes.Repeat([]byte{0xA5}, n)

		encoded, err := Build(0x87, value)
		if err != nil {
			t.Fatalf("Build failed for length %d: %v", n, err)
		}

		obj, consumed, err := Parse(encoded)
		if err != nil {
			t.Fatalf("Parse failed for length %d: %v", n, err)
		}

		if consumed != len(encoded) {
			t.Errorf("length %d: consumed %d of %d bytes", n, consumed, len(encoded))
		}
		if obj.Tag != 0x87 {
			t.Errorf("length %d: wrong tag 0x%02X", n, obj.Tag)
		}
		if diff := cmp.Diff(value, obj.Value, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("length %d: value mismatch (-want +got):\n%s", n, diff)
		}
	}
}

func TestBuild_MinimalEncoding(t *testing.T) {
	tests := []struct {
		name   string
		length int
		header string
	}{
		{"Short form upper bound", 0x7F, "8E7F"},
		{"Long form 1 byte lower bound", 0x80, "8E8180"},
		{"Long form 1 byte upper bound", 0xFF, "8E81FF"},
		{"Long form 2 bytes lower bound", 0x100, "8E820100"},
		{"Long form 3 bytes lower bound", 0x10000, "8E83010000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Build(0x8E, make([]byte, tt.length))
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			want := Hex(tt.header)
			if !bytes.Equal(encoded[:len(want)], want) {
				t.Errorf("header mismatch: got %X, want %X", encoded[:len(want)], want)
			}
		})
	}
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"Empty buffer", nil},
		{"Tag only", []byte{0x87}},
		{"Indefinite length", []byte{0x87, 0x80, 0x00}},
		{"Four length bytes", []byte{0x87, 0x84, 0x01, 0x00, 0x00, 0x00}},
		{"Length exceeds buffer", []byte{0x87, 0x05, 0x01, 0x02}},
		{"Truncated long form", []byte{0x87, 0x82, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Parse(tt.buf); err == nil {
				t.Errorf("Parse(%X) should have failed", tt.buf)
			}
		})
	}
}

func TestParseAll(t *testing.T) {
	raw := Hex(
		"87 09 01 11 22 33 44 55 66 77 88", // cryptogram
		"99 02 90 00", // status
		"8E 04 AA BB CC DD", // checksum
	)

	objs, err := ParseAll(raw)
	if err != nil {
		t.Fatalf("ParseAll failed: %v", err)
	}

	if len(objs) != 3 {
		t.Fatalf("expected 3 objects, got %d", len(objs))
	}
	if objs[0].Tag != 0x87 || objs[1].Tag != 0x99 || objs[2].Tag != 0x8E {
		t.Errorf("wrong tag sequence: %02X %02X %02X", objs[0].Tag, objs[1].Tag, objs[2].Tag)
	}
	if !bytes.Equal(objs[1].Value, []byte{0x90, 0x00}) {
		t.Errorf("wrong status value: %X", objs[1].Value)
	}
}

func TestParseAll_TrailingGarbage(t *testing.T) {
	raw := Hex("99 02 90 00", "FF") // dangling byte after a valid object
	if _, err := ParseAll(raw); err == nil {
		t.Error("ParseAll should reject trailing garbage")
	}
}

func TestParse_ValueDoesNotAliasInput(t *testing.T) {
	raw := Hex("99 02 90 00")
	obj, _, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	raw[2] = 0x6F
	if !bytes.Equal(obj.Value, []byte{0x90, 0x00}) {
		t.Error("parsed value aliases the input buffer")
	}
}

func TestDescribe(t *testing.T) {
	raw := Hex("99 02 90 00", "8E 04 AABBCCDD")
	out := Describe(raw)

	for _, want := range []string{"99", "Processing status", "8E", "Cryptographic checksum", "AABBCCDD"} {
		if !strings.Contains(out, want) {
			t.Errorf("Describe output missing %q:\n%s", want, out)
		}
	}
}
