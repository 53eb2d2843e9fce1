package cryptorand

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"golang.org/x/xerrors"
)

// This file mirrors the math/rand integer helpers on top of crypto/rand, so
// callers get familiar shapes backed by real entropy.

// Uint64 returns a random 64-bit integer as a uint64.
func Uint64() (uint64, error) {
	var u uint64
	err := binary.Read(rand.Reader, binary.BigEndian, &u)
	if err != nil {
		return 0, xerrors.Errorf("read binary: %w", err)
	}
	return u, nil
}

// Uint32 returns a random 32-bit integer as a uint32.
func Uint32() (uint32, error) {
	var u uint32
	err := binary.Read(rand.Reader, binary.BigEndian, &u)
	if err != nil {
		return 0, xerrors.Errorf("read binary: %w", err)
	}
	return u, nil
}

// Int63 returns a non-negative random 63-bit integer as an int64.
func Int63() (int64, error) {
	u, err := Uint64()
	if err != nil {
		return 0, err
	}
	// #nosec G115 - The sign bit is shifted out, so the result is always
	// non-negative.
	return int64(u >> 1), nil
}

// Int31 returns a non-negative random 31-bit integer as an int32.
func Int31() (int32, error) {
	i, err := Int63()
	if err != nil {
		return 0, err
	}
	return int32(i >> 32), nil
}

// UnbiasedModulo32 uniformly modulos v by n over a sufficiently large data
// set, regenerating v if necessary. n must be > 0. All input bits in v must be
// fully random, you cannot cast a random uint8/uint16 for input into this
// function.
//
// See more details on this algorithm here:
// https://lemire.me/blog/2016/06/27/a-fast-alternative-to-the-modulo-reduction/
//
//nolint:varnamelen
func UnbiasedModulo32(v uint32, n int32) (int32, error) {
	// #nosec G115 - These conversions are safe within the context of this algorithm
	// The conversions here are part of an unbiased modulo algorithm for random number generation
	// where the values are properly handled within their respective ranges.
	prod := uint64(v) * uint64(n)
	// #nosec G115 - Safe conversion as part of the unbiased modulo algorithm
	low := uint32(prod)
	// #nosec G115 - Safe conversion as part of the unbiased modulo algorithm
	if low < uint32(n) {
		// #nosec G115 - Safe conversion as part of the unbiased modulo algorithm
		thresh := uint32(-n) % uint32(n)
		for low < thresh {
			err := binary.Read(rand.Reader, binary.BigEndian, &v)
			if err != nil {
				return 0, err
			}
			// #nosec G115 - Safe conversion as part of the unbiased modulo algorithm
			prod = uint64(v) * uint64(n)
			// #nosec G115 - Safe conversion as part of the unbiased modulo algorithm
			low = uint32(prod)
		}
	}
	// #nosec G115 - Safe conversion as part of the unbiased modulo algorithm
	return int32(prod >> 32), nil
}

// Int31n returns a non-negative random integer in [0,n), where n must be a
// positive 31-bit integer.
func Int31n(n int32) (int32, error) {
	v, err := Uint32()
	if err != nil {
		return 0, err
	}
	return UnbiasedModulo32(v, n)
}

// Int63n returns a non-negative random integer in [0,n). It panics when n is
// not positive, matching math/rand.
func Int63n(n int64) (int64, error) {
	if n <= 0 {
		panic("invalid argument to Int63n")
	}

	if n&(n-1) == 0 { // n is a power of two, can mask
		i, err := Int63()
		if err != nil {
			return 0, err
		}
		return i & (n - 1), nil
	}

	// #nosec G115 - Rejection sampling bound from math/rand.
	ceiling := int64((1 << 63) - 1 - (1<<63)%uint64(n))
	v, err := Int63()
	if err != nil {
		return 0, err
	}
	for v > ceiling {
		v, err = Int63()
		if err != nil {
			return 0, err
		}
	}
	return v % n, nil
}

// Intn returns a non-negative random integer in [0,n). It panics when n is
// not positive, matching math/rand.
func Intn(n int) (int, error) {
	if n <= 0 {
		panic("n must be a positive nonzero number")
	}
	if n <= 1<<31-1 {
		i, err := Int31n(int32(n))
		return int(i), err
	}
	i, err := Int63n(int64(n))
	return int(i), err
}

// Int returns a non-negative random integer.
func Int() (int, error) {
	i, err := Int63()
	if err != nil {
		return 0, err
	}
	// Clear the sign bit after a possible truncation to 32 bits.
	return int(uint(i) << 1 >> 1), nil
}

// Float64 returns a random number in [0.0,1.0).
func Float64() (float64, error) {
	i, err := Int63()
	if err != nil {
		return 0, err
	}
	// 53 random mantissa bits scaled into [0,1).
	return float64(i>>10) / (1 << 53), nil
}

// Float32 returns a random number in [0.0,1.0).
func Float32() (float32, error) {
	f, err := Float64()
	if err != nil {
		return 0, err
	}
	f32 := float32(f)
	// Rounding to 32 bits can land exactly on 1.
	if f32 == 1 {
		f32 = 0
	}
	return f32, nil
}

// Bool returns a random true/false value as a bool.
func Bool() (bool, error) {
	u, err := Uint64()
	if err != nil {
		return false, err
	}
	return u>>63 == 1, nil
}

// Duration returns a non-negative random time.Duration.
func Duration() (time.Duration, error) {
	i, err := Int63()
	if err != nil {
		return 0, err
	}
	return time.Duration(i), nil
}
