package sod

import (
	"github.com/houzhh15/pkd-trust/protocol"
)

const (
	// EnvelopeTag is the application tag wrapping EF.SOD on the chip.
	EnvelopeTag = 0x77
	sequenceTag = 0x30
	// maxLengthOctets bounds long-form lengths to what fits in an int.
	maxLengthOctets = 4
)

// Unwrap strips the 0x77 envelope and returns the CMS ContentInfo. Input
// that already starts with a SEQUENCE is returned unchanged.
func Unwrap(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, protocol.NewParseError("SOD envelope", "empty input")
	}
	switch data[0] {
	case sequenceTag:
		return data, nil
	case EnvelopeTag:
	default:
		return nil, protocol.NewParseError("SOD envelope", "unexpected tag 0x%02X", data[0])
	}

	length, header, err := readLength(data[1:])
	if err != nil {
		return nil, err
	}
	body := data[1+header:]
	if length > len(body) {
		return nil, protocol.NewParseError("SOD envelope", "length %d exceeds %d available bytes", length, len(body))
	}
	return body[:length], nil
}

// readLength decodes a BER definite length. It returns the length and the
// number of octets consumed.
func readLength(b []byte) (int, int, error) {
	if len(b) == 0 {
		return 0, 0, protocol.NewParseError("SOD envelope", "missing length")
	}
	first := b[0]
	if first < 0x80 {
		return int(first), 1, nil
	}

	n := int(first & 0x7F)
	switch {
	case n == 0:
		return 0, 0, protocol.NewParseError("SOD envelope", "indefinite length not supported")
	case n > maxLengthOctets:
		return 0, 0, protocol.NewParseError("SOD envelope", "length uses %d octets", n)
	case len(b) < 1+n:
		return 0, 0, protocol.NewParseError("SOD envelope", "truncated length")
	}

	length := 0
	for _, octet := range b[1 : 1+n] {
		length = length<<8 | int(octet)
	}
	if length < 0 {
		return 0, 0, protocol.NewParseError("SOD envelope", "length overflow")
	}
	return length, 1 + n, nil
}
