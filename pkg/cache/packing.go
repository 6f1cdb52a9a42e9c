// Backends that hold bytes outside the process (on disk, across the network) pack the expiry next to the value:
//   [opts: 1 byte][value: n bytes][expiry: 8 bytes, only if Expirable]
// The expiry is computed from the injected clock at write time, so expiration follows that clock even when the
// medium has its own notion of time.

package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Opts represents options for storing a packed value.
type Opts uint8

// Is returns true if any of the given options are toggled in the current options.
func (o Opts) Is(opts Opts) bool {
	return o&opts != 0
}

const (
	// Expirable is when a value has an expiration time appended to it.
	Expirable Opts = 1 << iota

	knownOpts = Expirable
)

var errEmptyPacked = errors.New("packed value is empty")

// PackedValue is a value unpacked from the storage format.
type PackedValue struct {
	Opt       Opts
	Value     []byte
	ExpiresAt time.Time // Zero unless Opt has Expirable.
}

// Pack serializes `value` and its optional expiry into a single byte slice.
func Pack(value []byte, expiresAt time.Time) []byte {
	pv := PackedValue{Value: value}
	if !expiresAt.IsZero() {
		pv.Opt = Expirable
		pv.ExpiresAt = expiresAt
	}
	return pv.pack()
}

func (pv PackedValue) pack() []byte {
	outputSize := 1 + len(pv.Value) // 1 byte for the options.
	if pv.Opt.Is(Expirable) {
		outputSize += 8 // 8 bytes for the expiry time.
	}
	buffer := make([]byte, outputSize)
	buffer[0] = byte(pv.Opt)
	copy(buffer[1:], pv.Value)
	if pv.Opt.Is(Expirable) {
		binary.BigEndian.PutUint64(buffer[1+len(pv.Value):], uint64(pv.ExpiresAt.UnixNano()))
	}
	return buffer
}

// Unpack deserializes a byte slice produced by Pack. The returned value aliases `packed`.
func Unpack(packed []byte) (PackedValue, error) {
	if len(packed) == 0 {
		return PackedValue{}, errEmptyPacked
	}
	opt := Opts(packed[0])
	if opt&^knownOpts != 0 {
		return PackedValue{}, fmt.Errorf("unknown packing options %08b", opt)
	}
	if !opt.Is(Expirable) {
		return PackedValue{Opt: opt, Value: packed[1:]}, nil
	}
	if len(packed) < 1+8 {
		return PackedValue{}, errors.New("packed value is too short to contain expiry")
	}
	expiryNs := int64(binary.BigEndian.Uint64(packed[len(packed)-8:]))
	return PackedValue{Opt: opt, Value: packed[1 : len(packed)-8], ExpiresAt: time.Unix(0, expiryNs)}, nil
}

// IsExpired reports whether the packed value is dead at `now`.
func (pv PackedValue) IsExpired(now time.Time) bool {
	if !pv.Opt.Is(Expirable) {
		return false
	}
	return IsExpired(pv.ExpiresAt, now)
}
