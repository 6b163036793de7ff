/*
Package cwa14890 implements the CWA-14890 secure messaging scheme used by
smart cards such as the Spanish DNIe: mutual authentication between the
terminal (IFD) and the card (ICC), session key agreement, and the
protection/unprotection of individual APDU exchanges.

# Channel Lifecycle

A Channel is created once per card handle, from a Transmitter (the physical
connection) and a Provider (the card-model specific source of certificates,
key references and serial numbers):

	ch := cwa14890.NewChannel(card, provider, nil)
	if err := ch.Create(cwa14890.Cold); err != nil {
	    log.Fatal(err)
	}

Create drives the full handshake defined by CWA-14890-1:

 1. Verification of the card certificate chain (root CA -> intermediate CA
    -> card) using the material supplied by the Provider.
 2. Presentation of the terminal CV certificate chain to the card
    (MSE SET + PSO VERIFY CERTIFICATE), so the card registers the terminal
    public key.
 3. Internal authentication: the card signs a challenge derived from the
    terminal nonce and serial number; the terminal verifies the signature
    and recovers the card key contribution (KICC).
 4. External authentication: the terminal signs its own key contribution
    (KIFD) together with the card nonce and serial number, and the card
    verifies it.
 5. Session key derivation from KICC xor KIFD, and initialization of the
    send sequence counter from the two nonces.

Any failing step aborts the handshake atomically: the channel falls back to
the None state and all intermediate key material is zeroized.

# Protecting Exchanges

Once the channel is active, Encode protects a command APDU (cryptogram,
expected length and checksum data objects per CWA-14890-2) and Decode
verifies and decrypts a protected response. A checksum mismatch on Decode
invalidates the session: the channel must be re-created with the Cold flag
before further use. Transmit combines both around a single card exchange.

A Channel is not safe for concurrent use; callers holding one card handle
from several goroutines must serialize access themselves.
*/
package cwa14890
