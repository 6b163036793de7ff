package cwa14890

import (
	"crypto/cipher"
	"crypto/des"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"math/big"
)

const (
	blockLen = 8 // DES block size
	macLen   = 4 // truncated retail MAC
)

// pad appends ISO 7816-4 padding: a single 0x80 marker followed by zero
// fill up to the next multiple of 8. The padding block is added even when
// the input is already block aligned.
func pad(data []byte) []byte {
	padded := make([]byte, (len(data)/blockLen+1)*blockLen)
	copy(padded, data)
	padded[len(data)] = 0x80
	return padded
}

// unpad removes ISO 7816-4 padding, recovering the exact original bytes.
func unpad(data []byte) ([]byte, error) {
	for i := len(data) - 1; i >= 0; i-- {
		switch data[i] {
		case 0x00:
			// zero fill, keep scanning
		case 0x80:
			return data[:i], nil
		default:
			return nil, fmt.Errorf("invalid padding byte 0x%02X", data[i])
		}
	}
	return nil, fmt.Errorf("padding marker not found")
}

// tripleDESKey expands a 16-byte two-key 3DES key into the 24-byte
// K1|K2|K1 form expected by crypto/des.
func tripleDESKey(key []byte) []byte {
	expanded := make([]byte, 0, 24)
	expanded = append(expanded, key...)
	expanded = append(expanded, key[:blockLen]...)
	return expanded
}

// encrypt3DES encrypts block-aligned data with two-key 3DES in CBC mode
// and a zero IV, as mandated by CWA-14890-2 for the cryptogram object.
func encrypt3DES(key, data []byte) ([]byte, error) {
	block, err := des.NewTripleDESCipher(tripleDESKey(key))
	if err != nil {
		return nil, fmt.Errorf("3DES setup: %w", err)
	}
	if len(data)%blockLen != 0 {
		return nil, fmt.Errorf("3DES encrypt: input of %d bytes is not block aligned", len(data))
	}

	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, make([]byte, blockLen)).CryptBlocks(out, data)
	return out, nil
}

// decrypt3DES is the inverse of encrypt3DES.
func decrypt3DES(key, data []byte) ([]byte, error) {
	block, err := des.NewTripleDESCipher(tripleDESKey(key))
	if err != nil {
		return nil, fmt.Errorf("3DES setup: %w", err)
	}
	if len(data)%blockLen != 0 {
		return nil, fmt.Errorf("3DES decrypt: input of %d bytes is not block aligned", len(data))
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, make([]byte, blockLen)).CryptBlocks(out, data)
	return out, nil
}

// retailMAC computes the ISO 9797-1 algorithm 3 MAC ("retail MAC") over the
// send sequence counter followed by the padded message: single-DES CBC
// chaining under the first key half, with a final decrypt/encrypt step
// under the second half. The result is truncated to macLen bytes.
func retailMAC(key, ssc, data []byte) ([]byte, error) {
	k1, err := des.NewCipher(key[:blockLen])
	if err != nil {
		return nil, fmt.Errorf("MAC key setup: %w", err)
	}
	k2, err := des.NewCipher(key[blockLen : 2*blockLen])
	if err != nil {
		return nil, fmt.Errorf("MAC key setup: %w", err)
	}
	if len(data)%blockLen != 0 {
		return nil, fmt.Errorf("MAC: input of %d bytes is not block aligned", len(data))
	}

	chain := make([]byte, blockLen)
	mix := make([]byte, blockLen)
	absorb := func(block []byte) {
		for i := range mix {
			mix[i] = chain[i] ^ block[i]
		}
		k1.Encrypt(chain, mix)
	}

	// The SSC is the first chaining block: it binds the MAC to the message
	// sequence and defeats replay.
	absorb(ssc)
	for i := 0; i < len(data); i += blockLen {
		absorb(data[i : i+blockLen])
	}

	k2.Decrypt(chain, chain)
	k1.Encrypt(chain, chain)

	zero(mix)
	return chain[:macLen], nil
}

// deriveKey implements the CWA-14890-1 key derivation: SHA1(secret || c)
// truncated to 16 bytes, where c is a 32-bit big endian counter (1 for the
// encryption key, 2 for the MAC key).
func deriveKey(secret []byte, counter uint32) [sessionKeyLen]byte {
	h := sha1.New()
	h.Write(secret)

	var c [4]byte
	binary.BigEndian.PutUint32(c[:], counter)
	h.Write(c[:])

	var key [sessionKeyLen]byte
	copy(key[:], h.Sum(nil))
	return key
}

// RAW RSA:
// The CWA-14890 authentication tokens use the ISO 9796-2 scheme with the
// SIG / N-SIG minimum rule, which requires textbook modular exponentiation.
// crypto/rsa deliberately hides that primitive, so the two operations below
// go through math/big directly. They are used for nothing else.

// rsaRawPublic computes m^e mod n, left padded to the modulus size.
func rsaRawPublic(pub *rsa.PublicKey, m []byte) []byte {
	c := new(big.Int).Exp(new(big.Int).SetBytes(m), big.NewInt(int64(pub.E)), pub.N)
	return leftPad(c.Bytes(), pub.Size())
}

// rsaRawPrivate computes m^d mod n, left padded to the modulus size.
func rsaRawPrivate(priv *rsa.PrivateKey, m []byte) []byte {
	c := new(big.Int).Exp(new(big.Int).SetBytes(m), priv.D, priv.N)
	return leftPad(c.Bytes(), priv.Size())
}

// sigMinimum applies the ISO 9796-2 ambiguity rule: the transmitted value
// is min(sig, n-sig).
func sigMinimum(n *big.Int, sig []byte) []byte {
	s := new(big.Int).SetBytes(sig)
	alt := new(big.Int).Sub(n, s)
	if alt.Cmp(s) < 0 {
		s = alt
	}
	return leftPad(s.Bytes(), (n.BitLen()+7)/8)
}

func leftPad(b []byte, size int) []byte {
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
