package cwa14890

import (
	"fmt"

	"github.com/qvicksilver/cwa14890/pkg/iso7816"
	"github.com/qvicksilver/cwa14890/pkg/tlv"
)

// Secure messaging data object tags (CWA-14890-2, ISO 7816-4 sect 6).
const (
	tagPlain      byte = 0x81 // plain value pending protection
	tagCryptogram byte = 0x87 // padding indicator + cryptogram
	tagChecksum   byte = 0x8E // cryptographic checksum (MAC)
	tagLe         byte = 0x97 // expected response length
	tagStatus     byte = 0x99 // processing status (SW1-SW2)
)

// paddingIndicator marks the cryptogram as carrying ISO 7816-4 padded data.
const paddingIndicator byte = 0x01

// Encode protects a plaintext command APDU for transmission over the active
// channel: the data field becomes a cryptogram object, the expected length
// becomes a protected Le object, and both are sealed with a checksum object
// keyed to the incremented send sequence counter.
func (c *Channel) Encode(cmd *iso7816.CommandAPDU) (*iso7816.CommandAPDU, error) {
	if c.state != StateActive {
		return nil, ErrNoActiveChannel
	}
	if err := c.provider.EncodePreOps(cmd); err != nil {
		return nil, fmt.Errorf("cwa14890: encode pre-ops: %w", err)
	}

	var body []byte

	// Cryptogram object: pad, encrypt, prepend the padding indicator.
	if len(cmd.Data) > 0 {
		plain := pad(cmd.Data)
		ct, err := encrypt3DES(c.sess.kEnc[:], plain)
		zero(plain)
		if err != nil {
			return nil, fmt.Errorf("cwa14890: %w", err)
		}

		cryptogram := make([]byte, 0, 1+len(ct))
		cryptogram = append(cryptogram, paddingIndicator)
		cryptogram = append(cryptogram, ct...)

		do87, err := tlv.Build(tagCryptogram, cryptogram)
		if err != nil {
			return nil, fmt.Errorf("cwa14890: cryptogram object: %w", err)
		}
		body = append(body, do87...)
	}

	// Protected Le object.
	if cmd.Ne > 0 {
		if cmd.Ne > iso7816.MaxShortLe {
			return nil, fmt.Errorf("cwa14890: expected length %d not supported under secure messaging", cmd.Ne)
		}
		// 0x00 encodes the short-form maximum of 256.
		do97, err := tlv.Build(tagLe, []byte{byte(cmd.Ne % iso7816.MaxShortLe)})
		if err != nil {
			return nil, fmt.Errorf("cwa14890: expected length object: %w", err)
		}
		body = append(body, do97...)
	}

	c.sess.incrementSSC()

	// The MAC covers the padded command header (with the SM indicator bits
	// already set) followed by the objects built so far, padded again.
	smClass := cmd.Class
	smClass.SecureMessaging = iso7816.SMHeaderAuth
	claByte, err := smClass.Encode()
	if err != nil {
		return nil, fmt.Errorf("cwa14890: class encoding: %w", err)
	}

	macInput := pad([]byte{claByte, byte(cmd.Instruction.Raw), cmd.P1, cmd.P2})
	macInput = append(macInput, body...)
	macInput = pad(macInput)

	mac, err := retailMAC(c.sess.kMac[:], c.sess.ssc[:], macInput)
	if err != nil {
		return nil, fmt.Errorf("cwa14890: %w", err)
	}

	do8E, err := tlv.Build(tagChecksum, mac)
	if err != nil {
		return nil, fmt.Errorf("cwa14890: checksum object: %w", err)
	}
	body = append(body, do8E...)

	protected := &iso7816.CommandAPDU{
		Class:       smClass,
		Instruction: cmd.Instruction,
		P1:          cmd.P1,
		P2:          cmd.P2,
		Data:        body,
		Ne:          iso7816.MaxShortLe,
	}

	if err := c.provider.EncodePostOps(protected); err != nil {
		return nil, fmt.Errorf("cwa14890: encode post-ops: %w", err)
	}
	return protected, nil
}
