// Package fingerprint computes the commitment hashes recorded on-chain.
//
// Hashes are keccak256 over the tightly packed (non-padded for dynamic types,
// 32-byte big-endian for uint256/int256, 1 byte for bool) encoding of the bet
// fields, matching Solidity's abi.encodePacked. Any third party holding the
// raw bet data can recompute them:
//
//	commit  = keccak256(betId, direction, confidence*1e6, entryPrice*1e2, size*1e8, timestamp)
//	resolve = keccak256(betId, exitPrice*1e2, pnl*1e6, won, closeTimestamp)
//
// Monetary fields are fixed-point scaled and truncated toward zero; pnl is a
// signed int256 (two's complement).
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"
)

// Direction is the predicted price direction of a bet.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// ParseDirection parses a direction string, case-sensitive.
func ParseDirection(s string) (Direction, error) {
	d := Direction(s)
	if !d.Valid() {
		return "", fmt.Errorf("invalid direction %q", s)
	}
	return d, nil
}

// Prediction holds the pre-trade fields bound by the commit hash.
type Prediction struct {
	BetID      uint64
	Direction  Direction
	Confidence decimal.Decimal // 0..1
	EntryPrice decimal.Decimal // USD
	Size       decimal.Decimal // BTC
	Timestamp  int64           // unix seconds
}

// Outcome holds the post-close fields bound by the resolve hash.
type Outcome struct {
	BetID          uint64
	ExitPrice      decimal.Decimal // USD
	PnL            decimal.Decimal // USD, may be negative
	Won            bool
	CloseTimestamp int64 // unix seconds
}

// Hash is a 32-byte keccak256 digest.
type Hash [32]byte

// IsZero reports whether h is the all-zero sentinel.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Hex returns the 0x-prefixed hex form.
func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

// HexToHash parses a 0x-prefixed 32-byte hex string.
func HexToHash(s string) (Hash, error) {
	var h Hash
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != 32 {
		return h, fmt.Errorf("hash must be 32 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// CommitHash computes the commit fingerprint of a prediction.
func CommitHash(p *Prediction) Hash {
	buf := make([]byte, 0, 32*5+len(p.Direction))
	buf = appendUint256(buf, new(big.Int).SetUint64(p.BetID))
	buf = append(buf, []byte(p.Direction)...)
	buf = appendUint256(buf, scale(p.Confidence, 6))
	buf = appendUint256(buf, scale(p.EntryPrice, 2))
	buf = appendUint256(buf, scale(p.Size, 8))
	buf = appendUint256(buf, big.NewInt(p.Timestamp))
	return keccak256(buf)
}

// ResolveHash computes the resolve fingerprint of an outcome.
func ResolveHash(o *Outcome) Hash {
	buf := make([]byte, 0, 32*4+1)
	buf = appendUint256(buf, new(big.Int).SetUint64(o.BetID))
	buf = appendUint256(buf, scale(o.ExitPrice, 2))
	buf = appendInt256(buf, scale(o.PnL, 6))
	if o.Won {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendUint256(buf, big.NewInt(o.CloseTimestamp))
	return keccak256(buf)
}

// scale shifts d by exp decimal digits and truncates toward zero.
func scale(d decimal.Decimal, exp int32) *big.Int {
	return d.Shift(exp).Truncate(0).BigInt()
}

// appendUint256 appends v as a 32-byte big-endian word.
func appendUint256(buf []byte, v *big.Int) []byte {
	var word [32]byte
	v.FillBytes(word[:])
	return append(buf, word[:]...)
}

// appendInt256 appends v as a 32-byte two's complement word.
func appendInt256(buf []byte, v *big.Int) []byte {
	if v.Sign() >= 0 {
		return appendUint256(buf, v)
	}
	// 2^256 + v
	mod := new(big.Int).Lsh(big.NewInt(1), 256)
	return appendUint256(buf, new(big.Int).Add(mod, v))
}

func keccak256(data []byte) Hash {
	var h Hash
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(data)
	copy(h[:], hasher.Sum(nil))
	return h
}
