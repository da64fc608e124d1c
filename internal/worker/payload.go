package worker

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxPayloadBytes caps a single framed payload read. Entity payloads are
// kilobytes to megabytes; anything past this is a framing error.
const maxPayloadBytes = 256 << 20

// EncodePayloads writes both worker payloads as length-prefixed blobs
func EncodePayloads(w io.Writer, blob1, blob2 []byte) error {
	for _, blob := range [][]byte{blob1, blob2} {
		if err := binary.Write(w, binary.BigEndian, uint32(len(blob))); err != nil {
			return fmt.Errorf("write payload length: %w", err)
		}
		if _, err := w.Write(blob); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

// DecodePayloads reads both length-prefixed payloads from r
func DecodePayloads(r io.Reader) (blob1, blob2 []byte, err error) {
	read := func() ([]byte, error) {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("read payload length: %w", err)
		}
		if n > maxPayloadBytes {
			return nil, fmt.Errorf("payload too large: %d bytes", n)
		}
		blob := make([]byte, n)
		if _, err := io.ReadFull(r, blob); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return blob, nil
	}

	if blob1, err = read(); err != nil {
		return nil, nil, err
	}
	if blob2, err = read(); err != nil {
		return nil, nil, err
	}
	return blob1, blob2, nil
}
