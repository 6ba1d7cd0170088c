package pacifica

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Pacifica authenticates requests with a Solana-style ed25519 signature over
// a deterministic JSON rendering of the operation: sorted keys, no
// whitespace. encoding/json already sorts map keys, so building the payload
// as nested maps gives the canonical form for free.

const signatureExpiryMS = 5_000

type Keypair struct {
	priv   ed25519.PrivateKey
	pubkey string
}

// NewKeypair accepts either a 64-hex-char seed or a base58 Solana secret key
// (64 bytes, seed followed by public key).
func NewKeypair(secret string) (*Keypair, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("private key is required")
	}
	if seed, err := hex.DecodeString(strings.TrimPrefix(secret, "0x")); err == nil && len(seed) == ed25519.SeedSize {
		priv := ed25519.NewKeyFromSeed(seed)
		return &Keypair{priv: priv, pubkey: base58Encode(priv.Public().(ed25519.PublicKey))}, nil
	}
	raw, err := base58Decode(secret)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		priv := ed25519.PrivateKey(raw)
		return &Keypair{priv: priv, pubkey: base58Encode(priv.Public().(ed25519.PublicKey))}, nil
	case ed25519.SeedSize:
		priv := ed25519.NewKeyFromSeed(raw)
		return &Keypair{priv: priv, pubkey: base58Encode(priv.Public().(ed25519.PublicKey))}, nil
	default:
		return nil, fmt.Errorf("private key has unexpected length %d", len(raw))
	}
}

func (k *Keypair) PublicKey() string { return k.pubkey }

// SignOperation signs an operation of the given type and returns the
// signature together with the timestamp it covers.
func (k *Keypair) SignOperation(opType string, data map[string]any) (signature string, timestamp int64, err error) {
	timestamp = time.Now().UnixMilli()
	envelope := map[string]any{
		"type":          opType,
		"timestamp":     timestamp,
		"expiry_window": signatureExpiryMS,
		"data":          data,
	}
	message, err := json.Marshal(envelope)
	if err != nil {
		return "", 0, err
	}
	sig := ed25519.Sign(k.priv, message)
	return base58Encode(sig), timestamp, nil
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func base58Encode(data []byte) string {
	x := new(big.Int).SetBytes(data)
	radix := big.NewInt(58)
	mod := new(big.Int)
	var out []byte
	for x.Sign() > 0 {
		x.DivMod(x, radix, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	for _, b := range data {
		if b != 0 {
			break
		}
		out = append(out, base58Alphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func base58Decode(s string) ([]byte, error) {
	x := new(big.Int)
	radix := big.NewInt(58)
	for _, r := range s {
		idx := strings.IndexRune(base58Alphabet, r)
		if idx < 0 {
			return nil, fmt.Errorf("invalid base58 character %q", r)
		}
		x.Mul(x, radix)
		x.Add(x, big.NewInt(int64(idx)))
	}
	decoded := x.Bytes()
	leading := 0
	for leading < len(s) && s[leading] == base58Alphabet[0] {
		leading++
	}
	out := make([]byte, leading+len(decoded))
	copy(out[leading:], decoded)
	return out, nil
}
