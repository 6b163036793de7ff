package tlv

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/moov-io/bertlv"
)

// Names of the secure messaging data objects defined by CWA-14890.
var smTagNames = map[string]string{
	"81": "Plain value",
	"87": "Padding indicator + cryptogram",
	"8E": "Cryptographic checksum",
	"97": "Expected length (Le)",
	"99": "Processing status (SW1-SW2)",
}

// Describe renders the data field of a protected APDU as a human-readable
// report, one line per data object. It is a debugging aid only: the secure
// messaging codec itself never goes through this path.
func Describe(data []byte) string {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return fmt.Sprintf("  (undecodable TLV data: %v)", err)
	}

	var lines []string
	for _, p := range packets {
		tag := strings.ToUpper(p.Tag)
		name, ok := smTagNames[tag]
		if !ok {
			name = "Unknown object"
		}
		value := strings.ToUpper(hex.EncodeToString(p.Value))
		lines = append(lines, fmt.Sprintf("  - Tag %s (%s): %s", tag, name, value))
	}

	return strings.Join(lines, "\n")
}
