/*
Package iso7816 implements the APDU (Application Protocol Data Unit) layer used to
talk to smart cards according to the ISO/IEC 7816 standard.

It provides the building blocks the secure messaging engine is layered on:
Command and Response APDU structures, Class byte (CLA) handling including the
secure messaging indicator bits, an Instruction (INS) catalog, Status Word (SW)
analysis, and a Client that drives a physical connection.

# Fundamentals

The communication with a smart card is strictly synchronous:
 1. The Host sends a Command APDU (Header + Optional Body).
 2. The Card processes it and returns a Response APDU (Optional Body + Trailer SW1/SW2).

# Status Words

Every response ends with a 2-byte Status Word (SW).
  - 0x9000: Success (OK).
  - 0x61XX: Success, but response data is still available (XX bytes).
  - 0x6CXX: Error, wrong length expectation (XX is the correct length).
  - Other: Various error conditions, including the secure messaging specific
    0x6987 (expected SM object missing) and 0x6988 (SM object incorrect).

# Transport Handling

The Client wraps any Transmitter (a PC/SC card handle, a test double) and
transparently resolves the T=0 transport behaviors 61XX (GET RESPONSE) and
6CXX (re-issue with corrected Le). Every logical exchange is recorded as a
Trace of atomic Command/Response transactions.

# Usage Example

	client := iso7816.NewClient(card)
	cls, _ := iso7816.NewClass(0x00)
	ins, _ := iso7816.NewInstruction(iso7816.INS_GET_CHALLENGE)

	trace, err := client.Send(iso7816.NewCommandAPDU(cls, ins, 0x00, 0x00, nil, 8))
	if err != nil {
	    log.Fatal(err)
	}

	if trace.IsSuccess() {
	    fmt.Printf("Challenge: %X\n", trace.Last().Response.Data)
	}
*/
package iso7816
