// Package idgen generates identifiers for sessions, requests and records.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// New returns a random RFC 4122 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "ent_", "alert_").
// Result is prefix + 24 hex chars.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// SessionID derives a session identifier as
// keccak256(user ‖ token ‖ uint256(amount) ‖ uint64(unix seconds) ‖ uint64(nonce)).
// The same inputs always produce the same ID; the nonce keeps IDs unique
// for a user who opens several sessions within one second.
func SessionID(user, token string, amount *big.Int, at time.Time, nonce uint64) string {
	buf := make([]byte, 0, 20+20+32+8+8)
	buf = append(buf, common.HexToAddress(user).Bytes()...)
	buf = append(buf, common.HexToAddress(token).Bytes()...)
	buf = append(buf, math.U256Bytes(new(big.Int).Set(amount))...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(at.Unix()))
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	return "0x" + hex.EncodeToString(crypto.Keccak256(buf))
}

// IsSessionID reports whether s has the shape produced by SessionID.
func IsSessionID(s string) bool {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}
