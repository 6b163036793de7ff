package cwa14890

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"fmt"
	"math/big"

	"github.com/pion/logging"

	"github.com/qvicksilver/cwa14890/pkg/iso7816"
)

// prndLen is the random filler inside an authentication token:
// token = 6A || PRND || K || SHA1(PRND || K || RND || SN) || BC.
const prndLen = tokenLen - 2 - contributionLen - sha1.Size

// Channel drives CWA-14890 secure messaging for one card session.
// It owns the session state exclusively; see the package documentation for
// the lifecycle and the concurrency contract.
type Channel struct {
	client   *iso7816.Client
	provider Provider
	log      logging.LeveledLogger

	state State
	sess  session
}

// NewChannel builds a channel over the given physical connection, sourcing
// card-model material from provider. A nil loggerFactory falls back to the
// pion default factory.
func NewChannel(card iso7816.Transmitter, provider Provider, loggerFactory logging.LoggerFactory) *Channel {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Channel{
		client:   iso7816.NewClient(card),
		provider: provider,
		log:      loggerFactory.NewLogger("cwa14890"),
	}
}

// State returns the current lifecycle flag of the channel.
func (c *Channel) State() State {
	return c.state
}

// Create drives the channel to the state requested by flag: Off tears the
// channel down, Cold negotiates from scratch, Warm negotiates only when no
// channel is active. On any handshake failure the channel is left in the
// None state with all intermediate material zeroized.
func (c *Channel) Create(flag Flag) error {
	switch flag {
	case Off:
		c.log.Debug("secure channel disabled")
		c.teardown()
		return nil
	case Warm:
		if c.state == StateActive {
			c.log.Debug("secure channel already active, keeping it")
			return nil
		}
	case Cold:
		// always renegotiate
	default:
		return fmt.Errorf("cwa14890: unknown channel flag %d", flag)
	}

	c.teardown()
	c.state = StateInProgress

	hs := &handshake{}
	err := c.establish(hs)
	hs.zeroize()
	if err != nil {
		c.teardown()
		return fmt.Errorf("cwa14890: channel establishment failed: %w", err)
	}

	c.state = StateActive
	c.log.Info("secure channel established")
	return nil
}

func (c *Channel) teardown() {
	c.sess.zeroize()
	c.state = StateNone
}

func (c *Channel) establish(hs *handshake) error {
	if err := c.provider.CreatePreOps(c); err != nil {
		return fmt.Errorf("create pre-ops: %w", err)
	}

	iccPub, err := c.verifyICCCertificates()
	if err != nil {
		return err
	}

	if err := c.presentIFDCertificates(); err != nil {
		return err
	}

	if err := c.selectAuthenticationKeys(); err != nil {
		return err
	}

	if err := c.internalAuthenticate(hs, iccPub); err != nil {
		return err
	}

	if err := c.getChallenge(hs); err != nil {
		return err
	}

	if err := c.externalAuthenticate(hs, iccPub); err != nil {
		return err
	}

	c.deriveSessionKeys(hs)

	if err := c.provider.CreatePostOps(c); err != nil {
		return fmt.Errorf("create post-ops: %w", err)
	}
	return nil
}

// verifyICCCertificates checks the card certificate chain
// root CA -> intermediate CA -> card and returns the card public key.
func (c *Channel) verifyICCCertificates() (*rsa.PublicKey, error) {
	rootPub, err := c.provider.RootCAPublicKey()
	if err != nil {
		return nil, fmt.Errorf("root CA public key: %w", err)
	}
	subCA, err := c.provider.ICCIntermediateCACertificate()
	if err != nil {
		return nil, fmt.Errorf("ICC intermediate CA certificate: %w", err)
	}
	iccCert, err := c.provider.ICCCertificate()
	if err != nil {
		return nil, fmt.Errorf("ICC certificate: %w", err)
	}

	if err := verifyCertSignature(subCA, rootPub); err != nil {
		return nil, fmt.Errorf("intermediate CA certificate not signed by root CA: %w", err)
	}

	subCAPub, ok := subCA.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("intermediate CA certificate carries a non-RSA key")
	}
	if err := verifyCertSignature(iccCert, subCAPub); err != nil {
		return nil, fmt.Errorf("ICC certificate not signed by intermediate CA: %w", err)
	}

	iccPub, ok := iccCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("ICC certificate carries a non-RSA key")
	}
	if iccPub.Size() != tokenLen {
		return nil, fmt.Errorf("ICC key size %d does not match the %d-byte token", iccPub.Size(), tokenLen)
	}

	c.log.Debug("ICC certificate chain verified")
	return iccPub, nil
}

// verifyCertSignature checks that cert was signed by the holder of pub.
// The chain is anchored on a bare key rather than a certificate, so the
// check is done directly against the RSA signature.
func verifyCertSignature(cert *x509.Certificate, pub *rsa.PublicKey) error {
	var hash crypto.Hash
	switch cert.SignatureAlgorithm {
	case x509.SHA1WithRSA:
		hash = crypto.SHA1
	case x509.SHA256WithRSA:
		hash = crypto.SHA256
	case x509.SHA384WithRSA:
		hash = crypto.SHA384
	case x509.SHA512WithRSA:
		hash = crypto.SHA512
	default:
		return fmt.Errorf("unsupported signature algorithm %s", cert.SignatureAlgorithm)
	}

	h := hash.New()
	h.Write(cert.RawTBSCertificate)
	return rsa.VerifyPKCS1v15(pub, hash, h.Sum(nil), cert.Signature)
}

// presentIFDCertificates sends the terminal CV certificate chain to the
// card: for each link, an MSE SET DST selecting the verification key
// followed by a PSO VERIFY CERTIFICATE carrying the CVC.
func (c *Channel) presentIFDCertificates() error {
	rootRef, err := c.provider.RootCAPublicKeyRef()
	if err != nil {
		return fmt.Errorf("root CA public key reference: %w", err)
	}
	caCVC, err := c.provider.CACVCertificate()
	if err != nil {
		return fmt.Errorf("CA CV certificate: %w", err)
	}
	if err := c.verifyCVCertificate(rootRef, caCVC); err != nil {
		return fmt.Errorf("card rejected CA CV certificate: %w", err)
	}

	caRef, err := c.provider.IntermediateCAPublicKeyRef()
	if err != nil {
		return fmt.Errorf("intermediate CA public key reference: %w", err)
	}
	ifdCVC, err := c.provider.IFDCVCertificate()
	if err != nil {
		return fmt.Errorf("IFD CV certificate: %w", err)
	}
	if err := c.verifyCVCertificate(caRef, ifdCVC); err != nil {
		return fmt.Errorf("card rejected IFD CV certificate: %w", err)
	}

	c.log.Debug("IFD CV certificate chain accepted by the card")
	return nil
}

func (c *Channel) verifyCVCertificate(keyRef, cvc []byte) error {
	// MSE SET DST: select the public key validating the certificate.
	if _, err := c.transmit(command(iso7816.INS_MANAGE_SECURITY_ENVIRONMENT, 0x81, 0xB6, keyRef, 0)); err != nil {
		return fmt.Errorf("MSE SET DST: %w", err)
	}

	// PSO: VERIFY CERTIFICATE.
	if _, err := c.transmit(command(iso7816.INS_PERFORM_SECURITY_OPERATION, 0x00, 0xAE, cvc, 0)); err != nil {
		return fmt.Errorf("PSO VERIFY CERTIFICATE: %w", err)
	}
	return nil
}

// selectAuthenticationKeys tells the card which key pair to use on each
// side of the authentication exchange: the card private key for internal
// authentication and the just-registered terminal public key for external
// authentication.
func (c *Channel) selectAuthenticationKeys() error {
	iccRef, err := c.provider.ICCPrivateKeyRef()
	if err != nil {
		return fmt.Errorf("ICC private key reference: %w", err)
	}
	ifdRef, err := c.provider.IFDPublicKeyRef()
	if err != nil {
		return fmt.Errorf("IFD public key reference: %w", err)
	}

	refs := make([]byte, 0, len(iccRef)+len(ifdRef))
	refs = append(refs, iccRef...)
	refs = append(refs, ifdRef...)

	if _, err := c.transmit(command(iso7816.INS_MANAGE_SECURITY_ENVIRONMENT, 0xC1, 0xA4, refs, 0)); err != nil {
		return fmt.Errorf("MSE SET for authentication: %w", err)
	}
	return nil
}

// internalAuthenticate challenges the card with the terminal nonce and
// serial number, verifies the returned authentication token against the
// card public key, and recovers KICC from it.
func (c *Channel) internalAuthenticate(hs *handshake, iccPub *rsa.PublicKey) error {
	if _, err := rand.Read(hs.rndIFD[:]); err != nil {
		return fmt.Errorf("RND.IFD generation: %w", err)
	}
	snIFD, err := c.provider.SerialIFD()
	if err != nil {
		return fmt.Errorf("SN.IFD: %w", err)
	}
	if len(snIFD) != serialLen {
		return fmt.Errorf("SN.IFD must be %d bytes, got %d", serialLen, len(snIFD))
	}

	challenge := make([]byte, 0, nonceLen+serialLen)
	challenge = append(challenge, hs.rndIFD[:]...)
	challenge = append(challenge, snIFD...)

	resp, err := c.transmit(command(iso7816.INS_INTERNAL_AUTHENTICATE, 0x00, 0x00, challenge, tokenLen))
	if err != nil {
		return fmt.Errorf("INTERNAL AUTHENTICATE: %w", err)
	}
	if len(resp.Data) != tokenLen {
		return fmt.Errorf("INTERNAL AUTHENTICATE returned %d bytes, want %d", len(resp.Data), tokenLen)
	}
	copy(hs.sig[:], resp.Data)

	return c.verifyInternalToken(hs, iccPub, snIFD)
}

// verifyInternalToken peels the two RSA layers off the card token (the
// outer encryption under the terminal key, the inner ISO 9796-2 signature
// under the card key), validates its structure and hash, and extracts KICC.
func (c *Channel) verifyInternalToken(hs *handshake, iccPub *rsa.PublicKey, snIFD []byte) error {
	ifdPriv, err := c.provider.IFDPrivateKey()
	if err != nil {
		return fmt.Errorf("IFD private key: %w", err)
	}

	sigMin := rsaRawPrivate(ifdPriv, hs.sig[:])
	defer zero(sigMin)

	// Undo the SIG / N-SIG ambiguity: try the value as transmitted first,
	// then its complement modulo the card modulus.
	token := rsaRawPublic(iccPub, sigMin)
	if token[len(token)-1] != 0xBC {
		complement := new(big.Int).Sub(iccPub.N, new(big.Int).SetBytes(sigMin))
		zero(token)
		token = rsaRawPublic(iccPub, leftPad(complement.Bytes(), iccPub.Size()))
	}
	defer zero(token)

	if token[0] != 0x6A || token[len(token)-1] != 0xBC {
		return fmt.Errorf("card authentication token has invalid framing")
	}

	prnd := token[1 : 1+prndLen]
	kicc := token[1+prndLen : 1+prndLen+contributionLen]
	tokenHash := token[1+prndLen+contributionLen : tokenLen-1]

	h := sha1.New()
	h.Write(prnd)
	h.Write(kicc)
	h.Write(hs.rndIFD[:])
	h.Write(snIFD)
	if !bytes.Equal(h.Sum(nil), tokenHash) {
		return fmt.Errorf("card authentication token hash mismatch")
	}

	copy(hs.kicc[:], kicc)
	c.log.Debug("card authenticated, KICC recovered")
	return nil
}

// getChallenge asks the card for its nonce (RND.ICC).
func (c *Channel) getChallenge(hs *handshake) error {
	resp, err := c.transmit(command(iso7816.INS_GET_CHALLENGE, 0x00, 0x00, nil, nonceLen))
	if err != nil {
		return fmt.Errorf("GET CHALLENGE: %w", err)
	}
	if len(resp.Data) != nonceLen {
		return fmt.Errorf("GET CHALLENGE returned %d bytes, want %d", len(resp.Data), nonceLen)
	}
	copy(hs.rndICC[:], resp.Data)
	return nil
}

// externalAuthenticate proves the terminal identity to the card: it builds
// the ISO 9796-2 token over a fresh KIFD and the card nonce, signs it with
// the terminal private key, encrypts it for the card and sends it.
func (c *Channel) externalAuthenticate(hs *handshake, iccPub *rsa.PublicKey) error {
	snICC, err := c.provider.SerialICC()
	if err != nil {
		return fmt.Errorf("SN.ICC: %w", err)
	}
	if len(snICC) != serialLen {
		return fmt.Errorf("SN.ICC must be %d bytes, got %d", serialLen, len(snICC))
	}

	var prnd [prndLen]byte
	if _, err := rand.Read(prnd[:]); err != nil {
		return fmt.Errorf("PRND generation: %w", err)
	}
	defer zero(prnd[:])
	if _, err := rand.Read(hs.kifd[:]); err != nil {
		return fmt.Errorf("KIFD generation: %w", err)
	}

	payload := make([]byte, 0, tokenLen)
	payload = append(payload, 0x6A)
	payload = append(payload, prnd[:]...)
	payload = append(payload, hs.kifd[:]...)
	h := sha1.New()
	h.Write(prnd[:])
	h.Write(hs.kifd[:])
	h.Write(hs.rndICC[:])
	h.Write(snICC)
	payload = append(payload, h.Sum(nil)...)
	payload = append(payload, 0xBC)
	defer zero(payload)

	ifdPriv, err := c.provider.IFDPrivateKey()
	if err != nil {
		return fmt.Errorf("IFD private key: %w", err)
	}

	sig := rsaRawPrivate(ifdPriv, payload)
	defer zero(sig)
	sigMin := sigMinimum(ifdPriv.N, sig)
	defer zero(sigMin)
	token := rsaRawPublic(iccPub, sigMin)

	if _, err := c.transmit(command(iso7816.INS_EXTERNAL_AUTHENTICATE, 0x00, 0x00, token, 0)); err != nil {
		return fmt.Errorf("EXTERNAL AUTHENTICATE: %w", err)
	}

	c.log.Debug("terminal authenticated by the card")
	return nil
}

// deriveSessionKeys combines the two key contributions and initializes the
// session per CWA-14890-1: KEnc and KMac from the KDF over KICC xor KIFD,
// and the send sequence counter from the low halves of the two nonces.
func (c *Channel) deriveSessionKeys(hs *handshake) {
	var shared [contributionLen]byte
	for i := range shared {
		shared[i] = hs.kicc[i] ^ hs.kifd[i]
	}

	c.sess.kEnc = deriveKey(shared[:], 1)
	c.sess.kMac = deriveKey(shared[:], 2)
	zero(shared[:])

	copy(c.sess.ssc[:nonceLen/2], hs.rndICC[nonceLen/2:])
	copy(c.sess.ssc[nonceLen/2:], hs.rndIFD[nonceLen/2:])
}

// transmit sends one command and requires a successful final status.
func (c *Channel) transmit(cmd *iso7816.CommandAPDU) (*iso7816.ResponseAPDU, error) {
	trace, err := c.client.Send(cmd)
	if err != nil {
		return nil, err
	}
	last := trace.Last()
	if last == nil {
		return nil, fmt.Errorf("empty exchange trace")
	}
	if !last.IsSuccess() {
		return nil, fmt.Errorf("card returned: %s", last.Response.Status.Verbose())
	}
	return last.Response, nil
}

// command builds a plain (CLA 0x00) command APDU for the handshake.
func command(ins iso7816.InsCode, p1, p2 byte, data []byte, ne int) *iso7816.CommandAPDU {
	cls, _ := iso7816.NewClass(0x00)
	instruction, _ := iso7816.NewInstruction(ins)
	return iso7816.NewCommandAPDU(cls, instruction, p1, p2, data, ne)
}
