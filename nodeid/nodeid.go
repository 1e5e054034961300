package nodeid

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Length of a node identity in bytes. It matches the size of an ed25519 public key.
const Length = ed25519.PublicKeySize

var ErrInvalidLength = fmt.Errorf("node ID must be %d bytes", Length)
var ErrInvalidHex = errors.New("invalid node ID hex string")

// ID is the public-key identity of a node. IDs are comparable and can be used as map keys.
// ID implements the MarshalBinary and UnmarshalBinary interfaces so CBOR carries it as a byte string.
type ID [Length]byte

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// TerminalString returns a shortened form for log lines.
func (id ID) TerminalString() string {
	return hex.EncodeToString(id[:4])
}

func (id ID) Bytes() []byte {
	b := make([]byte, Length)
	copy(b, id[:])
	return b
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) MarshalBinary() ([]byte, error) {
	return id.Bytes(), nil
}

func (id *ID) UnmarshalBinary(data []byte) error {
	if len(data) != Length {
		return ErrInvalidLength
	}
	copy(id[:], data)
	return nil
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(data []byte) error {
	parsed, err := FromHex(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return id.UnmarshalText([]byte(s))
}

// FromHex decodes a hex-encoded identity. The string must decode to exactly Length bytes.
func FromHex(s string) (ID, error) {
	var id ID
	if len(s) != 2*Length {
		return id, ErrInvalidLength
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	copy(id[:], b)
	return id, nil
}

func FromHexMustParse(s string) ID {
	id, err := FromHex(s)
	if err != nil {
		log.Fatalf("Failed to parse node ID: %v", err)
	}
	return id
}

func FromBytes(b []byte) (ID, error) {
	var id ID
	if err := id.UnmarshalBinary(b); err != nil {
		return id, err
	}
	return id, nil
}

func FromPublicKey(pub ed25519.PublicKey) (ID, error) {
	return FromBytes(pub)
}

// Random returns an identity backed by a freshly generated ed25519 key pair.
func Random() (ID, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return ID{}, nil, err
	}
	id, err := FromPublicKey(pub)
	if err != nil {
		return ID{}, nil, err
	}
	return id, priv, nil
}
