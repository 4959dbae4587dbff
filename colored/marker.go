package colored

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// markerTag and markerVersion prefix every marker payload.
	markerTag     = [2]byte{0x4f, 0x41}
	markerVersion = [2]byte{0x01, 0x00}

	// ErrNotMarker is returned when a script is not a marker output.
	ErrNotMarker = errors.New("not a marker output")

	// ErrMalformedMarker is returned when a marker payload is truncated
	// or overflows.
	ErrMalformedMarker = errors.New("malformed marker payload")
)

const (
	// maxLEB128Bytes bounds a single encoded quantity to 63 bits.
	maxLEB128Bytes = 9

	// maxMarkerOutputs bounds the quantity list of a marker.
	maxMarkerOutputs = 1 << 16
)

// Marker is the payload of an Open Assets marker output.
type Marker struct {
	// Quantities lists the asset quantity of each output, in output
	// order, skipping the marker itself.
	Quantities []uint64

	// Metadata is opaque data attached to the transaction.
	Metadata []byte
}

// Encode serializes the marker payload.
func (m *Marker) Encode(w io.Writer) error {
	if _, err := w.Write(markerTag[:]); err != nil {
		return err
	}
	if _, err := w.Write(markerVersion[:]); err != nil {
		return err
	}

	err := wire.WriteVarInt(w, 0, uint64(len(m.Quantities)))
	if err != nil {
		return err
	}
	for _, q := range m.Quantities {
		if _, err := w.Write(putLEB128(q)); err != nil {
			return err
		}
	}

	return wire.WriteVarBytes(w, 0, m.Metadata)
}

// Decode parses a marker payload.
func (m *Marker) Decode(r io.Reader) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return ErrNotMarker
	}
	if !bytes.Equal(prefix[:2], markerTag[:]) ||
		!bytes.Equal(prefix[2:], markerVersion[:]) {

		return ErrNotMarker
	}

	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return ErrMalformedMarker
	}
	if count > maxMarkerOutputs {
		return ErrMalformedMarker
	}

	m.Quantities = make([]uint64, count)
	for i := range m.Quantities {
		m.Quantities[i], err = readLEB128(r)
		if err != nil {
			return err
		}
	}

	m.Metadata, err = wire.ReadVarBytes(
		r, 0, wire.MaxMessagePayload, "metadata",
	)
	if err != nil {
		return ErrMalformedMarker
	}
	if len(m.Metadata) == 0 {
		m.Metadata = nil
	}

	return nil
}

// Script returns the OP_RETURN output script carrying the marker.
func (m *Marker) Script() ([]byte, error) {
	var b bytes.Buffer
	if err := m.Encode(&b); err != nil {
		return nil, err
	}

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(b.Bytes()).
		Script()
}

// TxOut returns the zero valued marker output.
func (m *Marker) TxOut() (*wire.TxOut, error) {
	script, err := m.Script()
	if err != nil {
		return nil, err
	}

	return wire.NewTxOut(0, script), nil
}

// ParseMarkerScript extracts the marker from an OP_RETURN output script.
func ParseMarkerScript(pkScript []byte) (*Marker, error) {
	if len(pkScript) == 0 || pkScript[0] != txscript.OP_RETURN {
		return nil, ErrNotMarker
	}

	pushes, err := txscript.PushedData(pkScript)
	if err != nil || len(pushes) != 1 {
		return nil, ErrNotMarker
	}

	var m Marker
	if err := m.Decode(bytes.NewReader(pushes[0])); err != nil {
		return nil, err
	}

	return &m, nil
}

// FindMarker returns the index and payload of the first valid marker output
// of tx.
func FindMarker(tx *wire.MsgTx) (int, *Marker, bool) {
	for i, out := range tx.TxOut {
		m, err := ParseMarkerScript(out.PkScript)
		if err != nil {
			continue
		}

		return i, m, true
	}

	return -1, nil, false
}

// putLEB128 encodes v as unsigned LEB128.
func putLEB128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}

		return append(out, b)
	}
}

func readLEB128(r io.Reader) (uint64, error) {
	var (
		v     uint64
		shift uint
		buf   [1]byte
	)
	for i := 0; i < maxLEB128Bytes; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, ErrMalformedMarker
		}

		v |= uint64(buf[0]&0x7f) << shift
		if buf[0]&0x80 == 0 {
			return v, nil
		}
		shift += 7
	}

	return 0, fmt.Errorf("%w: quantity exceeds %d bytes",
		ErrMalformedMarker, maxLEB128Bytes)
}

// OutputQuantity returns the asset quantity the marker of tx assigns to
// output idx. It reports false when tx has no marker or the output is the
// marker itself or beyond the marker's list.
func OutputQuantity(tx *wire.MsgTx, idx int) (uint64, bool) {
	markerIdx, m, ok := FindMarker(tx)
	if !ok || idx == markerIdx {
		return 0, false
	}

	pos := idx
	if idx > markerIdx {
		pos--
	}
	if pos >= len(m.Quantities) {
		return 0, false
	}

	return m.Quantities[pos], true
}
