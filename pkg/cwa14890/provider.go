package cwa14890

import (
	"crypto/rsa"
	"crypto/x509"

	"github.com/qvicksilver/cwa14890/pkg/iso7816"
)

// Provider supplies the card-model specific material consumed during secure
// channel creation, one instance per card session. The engine depends only
// on this interface; how the certificates, key references and serial numbers
// are actually retrieved (card files, configuration, hardware store) is the
// concrete provider's business.
//
// Every accessor returns a freshly allocated value owned by the caller.
// Key-reference accessors return complete control reference data objects
// (tag included); they are sent verbatim as the data field of MSE SET
// commands.
type Provider interface {
	// ICCCertificate returns the card certificate.
	ICCCertificate() (*x509.Certificate, error)

	// ICCIntermediateCACertificate returns the intermediate CA certificate
	// that issued the card certificate.
	ICCIntermediateCACertificate() (*x509.Certificate, error)

	// RootCAPublicKey returns the root CA RSA public key anchoring the
	// card certificate chain.
	RootCAPublicKey() (*rsa.PublicKey, error)

	// IFDPrivateKey returns the terminal RSA private key used to build the
	// external authentication token. Implementations should keep this
	// material in memory as briefly as possible.
	IFDPrivateKey() (*rsa.PrivateKey, error)

	// CACVCertificate returns the intermediate CA certificate in Card
	// Verifiable format, as presented to the card.
	CACVCertificate() ([]byte, error)

	// IFDCVCertificate returns the terminal certificate in Card Verifiable
	// format, as presented to the card.
	IFDCVCertificate() ([]byte, error)

	// RootCAPublicKeyRef identifies the on-card root CA public key used to
	// validate the CA CV certificate.
	RootCAPublicKeyRef() ([]byte, error)

	// IntermediateCAPublicKeyRef identifies the intermediate CA public key
	// used to validate the terminal CV certificate.
	IntermediateCAPublicKeyRef() ([]byte, error)

	// IFDPublicKeyRef identifies the terminal public key the card must use
	// during the authentication exchange.
	IFDPublicKeyRef() ([]byte, error)

	// ICCPrivateKeyRef identifies the card private key used for internal
	// authentication.
	ICCPrivateKeyRef() ([]byte, error)

	// SerialIFD returns the terminal serial number, exactly 8 bytes,
	// zero-left-padded.
	SerialIFD() ([]byte, error)

	// SerialICC returns the card serial number, exactly 8 bytes,
	// zero-left-padded.
	SerialICC() ([]byte, error)

	Hooks
}

// Hooks are the card-specific side effects run around channel creation and
// APDU protection. Any returned error aborts the enclosing operation
// verbatim. Providers with nothing to do can embed NopHooks.
type Hooks interface {
	// CreatePreOps runs before the handshake starts. Typically used to
	// acquire data (serial numbers, applet selection) so that no foreign
	// APDU interleaves with the establishment sequence.
	CreatePreOps(ch *Channel) error

	// CreatePostOps runs after the handshake succeeded, before Create
	// returns. A failure here tears the fresh channel down.
	CreatePostOps(ch *Channel) error

	// EncodePreOps and EncodePostOps run around the protection of one
	// command APDU.
	EncodePreOps(cmd *iso7816.CommandAPDU) error
	EncodePostOps(cmd *iso7816.CommandAPDU) error

	// DecodePreOps and DecodePostOps run around the unprotection of one
	// response APDU.
	DecodePreOps(resp *iso7816.ResponseAPDU) error
	DecodePostOps(resp *iso7816.ResponseAPDU) error
}

// NopHooks implements Hooks with no-ops, for providers that need no
// instrumentation.
type NopHooks struct{}

func (NopHooks) CreatePreOps(*Channel) error               { return nil }
func (NopHooks) CreatePostOps(*Channel) error              { return nil }
func (NopHooks) EncodePreOps(*iso7816.CommandAPDU) error   { return nil }
func (NopHooks) EncodePostOps(*iso7816.CommandAPDU) error  { return nil }
func (NopHooks) DecodePreOps(*iso7816.ResponseAPDU) error  { return nil }
func (NopHooks) DecodePostOps(*iso7816.ResponseAPDU) error { return nil }
