package cwa14890

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/qvicksilver/cwa14890/pkg/iso7816"
	"github.com/qvicksilver/cwa14890/pkg/tlv"
)

// ErrNoActiveChannel is returned by Encode and Decode when no secure
// channel is established.
var ErrNoActiveChannel = errors.New("cwa14890: no active secure channel")

// ErrIntegrity is returned by Decode when the received checksum does not
// match the recomputed one. The session is invalidated: the channel must be
// re-created with the Cold flag before further use.
var ErrIntegrity = errors.New("cwa14890: secure messaging checksum mismatch")

// Decode verifies and decrypts a protected response APDU. The checksum is
// verified before any decryption is attempted; no plaintext is ever
// released on an integrity failure.
func (c *Channel) Decode(resp *iso7816.ResponseAPDU) (*iso7816.ResponseAPDU, error) {
	if c.state != StateActive {
		return nil, ErrNoActiveChannel
	}
	if err := c.provider.DecodePreOps(resp); err != nil {
		return nil, fmt.Errorf("cwa14890: decode pre-ops: %w", err)
	}

	objs, err := tlv.ParseAll(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("cwa14890: malformed protected response: %w", err)
	}

	var do87, do99, do8E *tlv.TLV
	for i := range objs {
		switch objs[i].Tag {
		case tagCryptogram:
			do87 = &objs[i]
		case tagStatus:
			do99 = &objs[i]
		case tagChecksum:
			do8E = &objs[i]
		default:
			return nil, fmt.Errorf("cwa14890: unexpected data object 0x%02X in protected response", objs[i].Tag)
		}
	}
	if do99 == nil || do8E == nil {
		return nil, fmt.Errorf("cwa14890: protected response misses a mandatory data object")
	}
	if len(do8E.Value) != macLen {
		return nil, fmt.Errorf("cwa14890: checksum object of %d bytes, want %d", len(do8E.Value), macLen)
	}
	if len(do99.Value) != 2 {
		return nil, fmt.Errorf("cwa14890: status object of %d bytes, want 2", len(do99.Value))
	}

	c.sess.incrementSSC()

	// Recompute the checksum over the authenticated objects, in wire order.
	var macInput []byte
	if do87 != nil {
		obj, err := tlv.Build(tagCryptogram, do87.Value)
		if err != nil {
			return nil, fmt.Errorf("cwa14890: %w", err)
		}
		macInput = append(macInput, obj...)
	}
	statusObj, err := tlv.Build(tagStatus, do99.Value)
	if err != nil {
		return nil, fmt.Errorf("cwa14890: %w", err)
	}
	macInput = append(macInput, statusObj...)

	mac, err := retailMAC(c.sess.kMac[:], c.sess.ssc[:], pad(macInput))
	if err != nil {
		return nil, fmt.Errorf("cwa14890: %w", err)
	}

	if subtle.ConstantTimeCompare(mac, do8E.Value) != 1 {
		// Integrity failure is fatal for the whole session.
		c.log.Warn("checksum mismatch on protected response, invalidating session")
		c.teardown()
		return nil, ErrIntegrity
	}

	var data []byte
	if do87 != nil {
		if len(do87.Value) < 1 || do87.Value[0] != paddingIndicator {
			return nil, fmt.Errorf("cwa14890: cryptogram misses the padding indicator")
		}
		padded, err := decrypt3DES(c.sess.kEnc[:], do87.Value[1:])
		if err != nil {
			return nil, fmt.Errorf("cwa14890: %w", err)
		}
		data, err = unpad(padded)
		if err != nil {
			return nil, fmt.Errorf("cwa14890: cryptogram padding: %w", err)
		}
	}

	plain := &iso7816.ResponseAPDU{
		Data:   data,
		Status: iso7816.NewStatusWord(do99.Value[0], do99.Value[1]),
	}

	if err := c.provider.DecodePostOps(plain); err != nil {
		return nil, fmt.Errorf("cwa14890: decode post-ops: %w", err)
	}
	return plain, nil
}

// Transmit protects cmd, performs the exchange, and unprotects the reply.
func (c *Channel) Transmit(cmd *iso7816.CommandAPDU) (*iso7816.ResponseAPDU, error) {
	protected, err := c.Encode(cmd)
	if err != nil {
		return nil, err
	}

	resp, err := c.transmit(protected)
	if err != nil {
		return nil, err
	}

	return c.Decode(resp)
}
