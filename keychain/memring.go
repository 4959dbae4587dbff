package keychain

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

type pubKeyID [btcec.PubKeyBytesLenCompressed]byte

func idOf(pub *btcec.PublicKey) pubKeyID {
	var id pubKeyID
	copy(id[:], pub.SerializeCompressed())

	return id
}

// MemoryKeyRing keeps private keys in memory. Families other than
// KeyFamilyRevocation only hold imported keys, while DeriveNextKey on the
// revocation family generates a fresh random key.
type MemoryKeyRing struct {
	mu       sync.RWMutex
	byPubKey map[pubKeyID]*btcec.PrivateKey
	families map[KeyFamily][]*btcec.PrivateKey
}

// A compile time check to ensure MemoryKeyRing implements SecretKeyRing.
var _ SecretKeyRing = (*MemoryKeyRing)(nil)

// NewMemoryKeyRing returns an empty key ring.
func NewMemoryKeyRing() *MemoryKeyRing {
	return &MemoryKeyRing{
		byPubKey: make(map[pubKeyID]*btcec.PrivateKey),
		families: make(map[KeyFamily][]*btcec.PrivateKey),
	}
}

// AddKey imports a private key into a family and returns its descriptor.
func (m *MemoryKeyRing) AddKey(fam KeyFamily,
	priv *btcec.PrivateKey) KeyDescriptor {

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.addKey(fam, priv)
}

func (m *MemoryKeyRing) addKey(fam KeyFamily,
	priv *btcec.PrivateKey) KeyDescriptor {

	m.byPubKey[idOf(priv.PubKey())] = priv
	m.families[fam] = append(m.families[fam], priv)

	return KeyDescriptor{
		KeyLocator: KeyLocator{
			Family: fam,
			Index:  uint32(len(m.families[fam]) - 1),
		},
		PubKey: priv.PubKey(),
	}
}

// DeriveNextKey generates a new revocation key. Other families are fixed and
// return their first imported key.
func (m *MemoryKeyRing) DeriveNextKey(fam KeyFamily) (KeyDescriptor, error) {
	if fam != KeyFamilyRevocation {
		return m.DeriveKey(KeyLocator{Family: fam})
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return KeyDescriptor{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.addKey(fam, priv), nil
}

// DeriveKey returns the key at keyLoc.
func (m *MemoryKeyRing) DeriveKey(keyLoc KeyLocator) (KeyDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := m.families[keyLoc.Family]
	if int(keyLoc.Index) >= len(keys) {
		return KeyDescriptor{}, fmt.Errorf("%w: %v/%d", ErrUnknownKey,
			keyLoc.Family, keyLoc.Index)
	}

	return KeyDescriptor{
		KeyLocator: keyLoc,
		PubKey:     keys[keyLoc.Index].PubKey(),
	}, nil
}

// DerivePrivKey returns the private key of keyDesc.
func (m *MemoryKeyRing) DerivePrivKey(
	keyDesc KeyDescriptor) (*btcec.PrivateKey, error) {

	if keyDesc.PubKey == nil {
		m.mu.RLock()
		keys := m.families[keyDesc.Family]
		m.mu.RUnlock()

		if int(keyDesc.Index) >= len(keys) {
			return nil, ErrUnknownKey
		}

		return keys[keyDesc.Index], nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	priv, ok := m.byPubKey[idOf(keyDesc.PubKey)]
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrUnknownKey,
			keyDesc.PubKey.SerializeCompressed())
	}

	return priv, nil
}

// LoadKeyFile imports keys from a file with one "<family> <wif>" pair per
// line. Blank lines and lines starting with # are skipped.
func (m *MemoryKeyRing) LoadKeyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return m.LoadKeys(f)
}

// LoadKeys imports keys in the key file format from r.
func (m *MemoryKeyRing) LoadKeys(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return fmt.Errorf("line %d: expected <family> <wif>",
				lineNum)
		}

		fam, err := parseFamily(fields[0])
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}

		wif, err := btcutil.DecodeWIF(fields[1])
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}

		m.AddKey(fam, wif.PrivKey)
	}

	return scanner.Err()
}

func parseFamily(s string) (KeyFamily, error) {
	for _, fam := range []KeyFamily{
		KeyFamilyChannel, KeyFamilyHotWallet, KeyFamilyFeeWallet,
		KeyFamilyRevocation,
	} {
		if fam.String() == s {
			return fam, nil
		}
	}

	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown key family %q", s)
	}

	return KeyFamily(n), nil
}
