package cwa14890

import (
	"bytes"
	"errors"
	"testing"

	"github.com/qvicksilver/cwa14890/pkg/iso7816"
	"github.com/qvicksilver/cwa14890/pkg/tlv"
)

// protectedResponse is the fixed-key golden vector: cryptogram of
// 01 02 03 04 05, status 90 00, checksum for a counter value of 2.
// Cross-checked against an independent implementation of the scheme.
func protectedResponse() *iso7816.ResponseAPDU {
	return &iso7816.ResponseAPDU{
		Data:   tlv.Hex("870901FDD351485D08289399029000", "8E0479999698"),
		Status: iso7816.SW_NO_ERROR,
	}
}

// decodeChannel returns a fixed-key channel whose counter sits at 1, as it
// would right after protecting the matching command.
func decodeChannel(p Provider) *Channel {
	ch := newFixedChannel(p)
	ch.sess.incrementSSC()
	return ch
}

func TestDecode_KnownVector(t *testing.T) {
	ch := decodeChannel(nil)

	plain, err := ch.Decode(protectedResponse())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if want := tlv.Hex("0102030405"); !bytes.Equal(plain.Data, want) {
		t.Errorf("plaintext = %X, want %X", plain.Data, want)
	}
	if plain.Status != iso7816.SW_NO_ERROR {
		t.Errorf("status = %04X, want 9000", uint16(plain.Status))
	}
}

func TestDecode_StatusOnlyResponse(t *testing.T) {
	ch := decodeChannel(nil)

	// No cryptogram: the MAC covers the status object alone.
	status := tlv.Hex("99029000")
	mac, err := retailMAC(ch.sess.kMac[:], tlv.Hex("0000000000000002"), pad(status))
	if err != nil {
		t.Fatalf("retailMAC failed: %v", err)
	}
	checksum, err := tlv.Build(tagChecksum, mac)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	plain, err := ch.Decode(&iso7816.ResponseAPDU{Data: append(status, checksum...)})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(plain.Data) != 0 {
		t.Errorf("expected empty data, got %X", plain.Data)
	}
	if plain.Status != iso7816.SW_NO_ERROR {
		t.Errorf("status = %04X, want 9000", uint16(plain.Status))
	}
}

func TestDecode_AnyBitFlipFails(t *testing.T) {
	reference := protectedResponse().Data

	for i := range reference {
		for bit := 0; bit < 8; bit++ {
			ch := decodeChannel(nil)

			tampered := &iso7816.ResponseAPDU{Data: append([]byte(nil), reference...)}
			tampered.Data[i] ^= 1 << bit

			plain, err := ch.Decode(tampered)
			if err == nil {
				t.Fatalf("byte %d bit %d: tampered response decoded successfully", i, bit)
			}
			if plain != nil {
				t.Fatalf("byte %d bit %d: plaintext released despite error", i, bit)
			}
		}
	}
}

func TestDecode_IntegrityFailureInvalidatesSession(t *testing.T) {
	ch := decodeChannel(nil)

	tampered := protectedResponse()
	tampered.Data[5] ^= 0x01 // inside the cryptogram value

	if _, err := ch.Decode(tampered); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}

	if ch.State() != StateNone {
		t.Errorf("session state after integrity failure = %s, want None", ch.State())
	}
	if ch.sess.kEnc != [sessionKeyLen]byte{} || ch.sess.kMac != [sessionKeyLen]byte{} {
		t.Error("session keys survive an integrity failure")
	}

	// Further protect calls must fail until the channel is re-created.
	if _, err := ch.Encode(selectCommand(t)); !errors.Is(err, ErrNoActiveChannel) {
		t.Errorf("Encode after integrity failure: got %v, want ErrNoActiveChannel", err)
	}
}

func TestDecode_MalformedResponses(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"Empty data", nil},
		{"Truncated TLV", tlv.Hex("8704")},
		{"Missing checksum", tlv.Hex("99029000")},
		{"Missing status", tlv.Hex("8E04AABBCCDD")},
		{"Unexpected object", tlv.Hex("810101 99029000 8E04AABBCCDD")},
		{"Checksum of wrong size", tlv.Hex("99029000 8E02AABB")},
		{"Status of wrong size", tlv.Hex("990190 8E04AABBCCDD")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := decodeChannel(nil)
			if _, err := ch.Decode(&iso7816.ResponseAPDU{Data: tt.data}); err == nil {
				t.Error("malformed response decoded successfully")
			}
		})
	}
}

func TestDecode_BadPaddingIndicator(t *testing.T) {
	ch := decodeChannel(nil)

	// Rebuild the golden response with a wrong padding indicator and a
	// matching (valid) checksum: the indicator check itself must trip.
	cryptogram := tlv.Hex("02 FDD351485D082893") // indicator 0x02
	do87, err := tlv.Build(tagCryptogram, cryptogram)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	body := append(do87, tlv.Hex("99029000")...)

	mac, err := retailMAC(ch.sess.kMac[:], tlv.Hex("0000000000000002"), pad(body))
	if err != nil {
		t.Fatalf("retailMAC failed: %v", err)
	}
	checksum, err := tlv.Build(tagChecksum, mac)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	_, err = ch.Decode(&iso7816.ResponseAPDU{Data: append(body, checksum...)})
	if err == nil {
		t.Fatal("wrong padding indicator accepted")
	}
	if errors.Is(err, ErrIntegrity) {
		t.Fatal("checksum should have verified; failure must come from the indicator")
	}
}

func TestDecode_RequiresActiveChannel(t *testing.T) {
	ch := NewChannel(nil, &stubProvider{}, nil)

	if _, err := ch.Decode(protectedResponse()); !errors.Is(err, ErrNoActiveChannel) {
		t.Errorf("Decode on inactive channel: got %v, want ErrNoActiveChannel", err)
	}
}

func TestDecode_HookFailureAborts(t *testing.T) {
	ch := decodeChannel(&stubProvider{failDecodePre: true})

	if _, err := ch.Decode(protectedResponse()); !errors.Is(err, errHook) {
		t.Errorf("expected hook failure, got %v", err)
	}
}

func TestDecode_SequenceCounterMonotonic(t *testing.T) {
	// One encode plus one decode advance the counter by exactly two.
	ch := newFixedChannel(nil)

	if _, err := ch.Encode(selectCommand(t)); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := ch.Decode(protectedResponse()); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if want := tlv.Hex("0000000000000002"); !bytes.Equal(ch.sess.ssc[:], want) {
		t.Errorf("SSC = %X, want %X", ch.sess.ssc, want)
	}
}
