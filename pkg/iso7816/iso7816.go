/*
Package iso7816 implements the ISO/IEC 7816-4 transport primitives the Calypso
layer is built on.

It provides Command and Response APDU structures restricted to short length
encoding, Class and Instruction byte handling, Status Word analysis and a
Client that drives one logical exchange over a Transceiver.

# Fundamentals

The communication with a smart card is strictly synchronous:
 1. The Host sends a Command APDU (Header + Optional Body).
 2. The Card processes it and returns a Response APDU (Optional Body + Trailer SW1/SW2).

# Status Words

Every response ends with a 2-byte Status Word (SW).
  - 0x9000: Success (OK).
  - 0x61XX: Success, but response data is still available (XX bytes).
  - 0x6CXX: Error, wrong length expectation (XX is the correct length).
  - Other: Various error conditions.

The Client resolves 61XX and 6CXX on its own (GET RESPONSE or re-issue with
the announced Le), so the caller only ever sees the final status.

# Usage Example

	client := iso7816.NewClient(reader)

	trace, err := client.Send(ctx, iso7816.NewReadRecordCommand(iso7816.MustClass(0x94), 0x07, 1, iso7816.RecordByNumber, iso7816.MaxShortLe))
	if err != nil {
	    log.Fatal(err)
	}

	last := trace.Last()
	fmt.Printf("%X %s\n", last.Response.Data, last.Response.Status.Verbose())

	// Full human-readable report of every physical exchange
	fmt.Println(trace.Describe(nil))
*/
package iso7816
