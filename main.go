package main

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/ebfe/scard"
	"github.com/qvicksilver/cwa14890/pkg/cwa14890"
	"github.com/qvicksilver/cwa14890/pkg/iso7816"
	"github.com/qvicksilver/cwa14890/pkg/tlv"
)

func main() {
	configPath := flag.String("config", "channel.json", "path to the channel configuration file")
	flag.Parse()

	// --- 1. Hardware Setup ---
	ctx, card := connectToCard()

	defer func() {
		if err := ctx.Release(); err != nil {
			log.Printf("Warning: Failed to release context: %v", err)
		}
	}()

	defer func() {
		if err := card.Disconnect(scard.LeaveCard); err != nil {
			log.Printf("Warning: Failed to disconnect card: %v", err)
		}
	}()

	// --- 2. Logic Setup ---
	provider, err := loadProvider(*configPath)
	if err != nil {
		log.Fatalf("Error loading channel configuration: %v", err)
	}
	channel := cwa14890.NewChannel(card, provider, nil)

	// --- 3. Execution Flow ---

	// Step 1: Mutual authentication and session key agreement
	step1EstablishChannel(channel)

	// Step 2: One protected exchange over the fresh channel
	step2ProtectedSelect(channel, card)

	fmt.Println("\n>> Demo Finished Successfully")
}

// =========================================================================
// Helper Functions
// =========================================================================

// connectToCard handles the PC/SC context establishment and reader connection.
func connectToCard() (*scard.Context, *scard.Card) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		log.Fatalf("Error establishing context: %s", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		if relErr := ctx.Release(); relErr != nil {
			log.Printf("Warning: Failed to release context during error handling: %v", relErr)
		}
		log.Fatal("No smart card reader found.")
	}

	fmt.Printf(">> Using reader: %s\n", readers[0])

	// Force T=0 or T=1 to avoid "Parameter Incorrect" errors (Error 57)
	card, err := ctx.Connect(readers[0], scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		if relErr := ctx.Release(); relErr != nil {
			log.Printf("Warning: Failed to release context during error handling: %v", relErr)
		}
		log.Fatalf("Error connecting to card: %s", err)
	}

	return ctx, card
}

// step1EstablishChannel runs the CWA-14890 handshake from scratch.
func step1EstablishChannel(channel *cwa14890.Channel) {
	fmt.Println("\n=============================================")
	fmt.Println(" Step 1: ESTABLISH SECURE CHANNEL")
	fmt.Println("=============================================")

	if err := channel.Create(cwa14890.Cold); err != nil {
		log.Fatalf("Channel establishment failed: %v", err)
	}

	fmt.Printf(">> Channel state: %s\n", channel.State())
}

// step2ProtectedSelect protects a SELECT MF, sends it, and unprotects the
// reply, dumping the secure messaging objects along the way.
func step2ProtectedSelect(channel *cwa14890.Channel, card *scard.Card) {
	fmt.Println("\n=============================================")
	fmt.Println(" Step 2: PROTECTED SELECT MF (3F 00)")
	fmt.Println("=============================================")

	cls, _ := iso7816.NewClass(0x00)
	ins, _ := iso7816.NewInstruction(iso7816.INS_SELECT)
	selectMF := iso7816.NewCommandAPDU(cls, ins, 0x00, 0x00, tlv.Hex("3F00"), iso7816.MaxShortLe)

	protected, err := channel.Encode(selectMF)
	if err != nil {
		log.Fatalf("Protection failed: %v", err)
	}

	fmt.Println("\n>> Protected command objects:")
	fmt.Println(tlv.Describe(protected.Data))

	trace, err := iso7816.NewClient(card).Send(protected)
	if err != nil {
		log.Fatalf("Transmission failed: %v", err)
	}

	plain, err := channel.Decode(trace.Last().Response)
	if err != nil {
		log.Fatalf("Unprotection failed: %v", err)
	}

	fmt.Printf("\n>> Card status: %s\n", plain.Status.Verbose())
	if len(plain.Data) > 0 {
		fmt.Println(">> Recovered plaintext:")
		fmt.Println(tlv.Describe(plain.Data))
	}
}

// =========================================================================
// Configuration
// =========================================================================

// channelConfig is the on-disk description of the card model: PEM files for
// the PKI material, hex strings for the card-specific references.
type channelConfig struct {
	ICCCertificatePath          string `json:"icc_certificate"`
	IntermediateCertificatePath string `json:"intermediate_certificate"`
	RootPublicKeyPath           string `json:"root_public_key"`
	IFDPrivateKeyPath           string `json:"ifd_private_key"`

	CACVCertificate  string `json:"ca_cv_certificate"`
	IFDCVCertificate string `json:"ifd_cv_certificate"`

	RootCAPublicKeyRef         string `json:"root_ca_public_key_ref"`
	IntermediateCAPublicKeyRef string `json:"intermediate_ca_public_key_ref"`
	IFDPublicKeyRef            string `json:"ifd_public_key_ref"`
	ICCPrivateKeyRef           string `json:"icc_private_key_ref"`

	SerialIFD string `json:"serial_ifd"`
	SerialICC string `json:"serial_icc"`
}

// fileProvider serves a Provider from material loaded off disk.
type fileProvider struct {
	cwa14890.NopHooks

	iccCert *x509.Certificate
	subCert *x509.Certificate
	rootPub *rsa.PublicKey
	ifdPriv *rsa.PrivateKey

	caCVC  []byte
	ifdCVC []byte

	rootRef []byte
	caRef   []byte
	ifdRef  []byte
	iccRef  []byte

	serialIFD []byte
	serialICC []byte
}

func loadProvider(path string) (*fileProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg channelConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	p := &fileProvider{}

	if p.iccCert, err = loadCertificate(cfg.ICCCertificatePath); err != nil {
		return nil, fmt.Errorf("ICC certificate: %w", err)
	}
	if p.subCert, err = loadCertificate(cfg.IntermediateCertificatePath); err != nil {
		return nil, fmt.Errorf("intermediate certificate: %w", err)
	}
	if p.rootPub, err = loadPublicKey(cfg.RootPublicKeyPath); err != nil {
		return nil, fmt.Errorf("root public key: %w", err)
	}
	if p.ifdPriv, err = loadPrivateKey(cfg.IFDPrivateKeyPath); err != nil {
		return nil, fmt.Errorf("IFD private key: %w", err)
	}

	fields := []struct {
		name string
		src  string
		dst  *[]byte
	}{
		{"ca_cv_certificate", cfg.CACVCertificate, &p.caCVC},
		{"ifd_cv_certificate", cfg.IFDCVCertificate, &p.ifdCVC},
		{"root_ca_public_key_ref", cfg.RootCAPublicKeyRef, &p.rootRef},
		{"intermediate_ca_public_key_ref", cfg.IntermediateCAPublicKeyRef, &p.caRef},
		{"ifd_public_key_ref", cfg.IFDPublicKeyRef, &p.ifdRef},
		{"icc_private_key_ref", cfg.ICCPrivateKeyRef, &p.iccRef},
		{"serial_ifd", cfg.SerialIFD, &p.serialIFD},
		{"serial_icc", cfg.SerialICC, &p.serialICC},
	}
	for _, f := range fields {
		if *f.dst, err = hex.DecodeString(strings.ReplaceAll(f.src, " ", "")); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.name, err)
		}
	}

	return p, nil
}

func loadPEMBlock(path, wantType string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s contains no PEM block", path)
	}
	if block.Type != wantType {
		return nil, fmt.Errorf("%s contains a %q block, want %q", path, block.Type, wantType)
	}
	return block.Bytes, nil
}

func loadCertificate(path string) (*x509.Certificate, error) {
	der, err := loadPEMBlock(path, "CERTIFICATE")
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	der, err := loadPEMBlock(path, "PUBLIC KEY")
	if err != nil {
		return nil, err
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s does not hold an RSA key", path)
	}
	return rsaPub, nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	der, err := loadPEMBlock(path, "PRIVATE KEY")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s does not hold an RSA key", path)
	}
	return rsaKey, nil
}

// Provider accessors.

func (p *fileProvider) ICCCertificate() (*x509.Certificate, error) { return p.iccCert, nil }
func (p *fileProvider) ICCIntermediateCACertificate() (*x509.Certificate, error) {
	return p.subCert, nil
}
func (p *fileProvider) RootCAPublicKey() (*rsa.PublicKey, error) { return p.rootPub, nil }
func (p *fileProvider) IFDPrivateKey() (*rsa.PrivateKey, error) { return p.ifdPriv, nil }
func (p *fileProvider) CACVCertificate() ([]byte, error) { return p.caCVC, nil }
func (p *fileProvider) IFDCVCertificate() ([]byte, error) { return p.ifdCVC, nil }
func (p *fileProvider) RootCAPublicKeyRef() ([]byte, error) { return p.rootRef, nil }
func (p *fileProvider) IntermediateCAPublicKeyRef() ([]byte, error) {
	return p.caRef, nil
}
func (p *fileProvider) IFDPublicKeyRef() ([]byte, error) { return p.ifdRef, nil }
func (p *fileProvider) ICCPrivateKeyRef() ([]byte, error) { return p.iccRef, nil }
func (p *fileProvider) SerialIFD() ([]byte, error) { return p.serialIFD, nil }
func (p *fileProvider) SerialICC() ([]byte, error) { return p.serialICC, nil }
