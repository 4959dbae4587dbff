package channeldb

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/colorhub/hubd/colored"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/tlv"
)

// Slot is the key every channel entity is filed under: the multisig address
// of a client's channel and the asset it carries.
type Slot struct {
	// Multisig is the p2wsh address of the 2-of-2 channel script.
	Multisig string

	// Asset is the asset moved through the channel.
	Asset colored.AssetID
}

// String returns the slot as multisig/asset.
func (s Slot) String() string {
	return fmt.Sprintf("%v/%v", s.Multisig, s.Asset)
}

// key returns the index key of the slot.
func (s Slot) key() []byte {
	k := make([]byte, 0, len(s.Multisig)+1+len(s.Asset))
	k = append(k, s.Multisig...)
	k = append(k, 0)
	k = append(k, s.Asset...)

	return k
}

// slotFromKey parses a key written by Slot.key.
func slotFromKey(k []byte) Slot {
	i := bytes.IndexByte(k, 0)
	if i < 0 {
		return Slot{Multisig: string(k)}
	}

	return Slot{
		Multisig: string(k[:i]),
		Asset:    colored.AssetID(k[i+1:]),
	}
}

// txBytes serializes tx, nil maps to an empty slice.
func txBytes(tx *wire.MsgTx) ([]byte, error) {
	if tx == nil {
		return nil, nil
	}

	var b bytes.Buffer
	if err := tx.Serialize(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// parseTx reverses txBytes.
func parseTx(b []byte) (*wire.MsgTx, error) {
	if len(b) == 0 {
		return nil, nil
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}

	return tx, nil
}

func pubBytes(pub *btcec.PublicKey) []byte {
	if pub == nil {
		return nil
	}

	return pub.SerializeCompressed()
}

func parsePub(b []byte) (*btcec.PublicKey, error) {
	if len(b) == 0 {
		return nil, nil
	}

	return btcec.ParsePubKey(b)
}

func timeToUint(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}

	return uint64(t.UnixNano())
}

func uintToTime(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}

	return time.Unix(0, int64(v))
}

func parseUUID(b []byte) (uuid.UUID, error) {
	if len(b) == 0 {
		return uuid.Nil, nil
	}

	return uuid.FromBytes(b)
}

func uuidBytes(id uuid.UUID) []byte {
	if id == uuid.Nil {
		return nil
	}

	b := id
	return b[:]
}

func hashBytes(h *chainhash.Hash) []byte {
	if h == nil {
		return nil
	}

	return h[:]
}

func parseHash(b []byte) (*chainhash.Hash, error) {
	if len(b) == 0 {
		return nil, nil
	}

	return chainhash.NewHash(b)
}

func outpointKey(op wire.OutPoint) []byte {
	var k [chainhash.HashSize + 4]byte
	copy(k[:], op.Hash[:])
	byteOrder.PutUint32(k[chainhash.HashSize:], op.Index)

	return k[:]
}

func encodeStream(w io.Writer, records ...tlv.Record) error {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

func decodeStream(r io.Reader, records ...tlv.Record) error {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Decode(r)
}

// serialize runs encode into a fresh buffer.
func serialize(encode func(io.Writer) error) ([]byte, error) {
	var b bytes.Buffer
	if err := encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}
