package firmware

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"slices"
	"strings"
)

var (
	// ErrUnsupportedChecksum is returned for an unknown
	// fw_checksum_algorithm.
	ErrUnsupportedChecksum = errors.New("unsupported checksum algorithm")
	// ErrChecksumMismatch is returned when a downloaded image does not
	// match fw_checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// newChecksum returns the hash for a ThingsBoard checksum algorithm
// name. An empty name means SHA256, the server default.
func newChecksum(algorithm string) (hash.Hash, error) {
	switch normalizeAlgorithm(algorithm) {
	case "", "SHA256":
		return sha256.New(), nil
	case "MD5":
		return md5.New(), nil
	case "SHA384":
		return sha512.New384(), nil
	case "SHA512":
		return sha512.New(), nil
	case "CRC32":
		return crc32.NewIEEE(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChecksum, algorithm)
	}
}

func normalizeAlgorithm(algorithm string) string {
	a := strings.ToUpper(strings.TrimSpace(algorithm))
	a = strings.ReplaceAll(a, "-", "")
	return strings.ReplaceAll(a, "_", "")
}

// verifyChecksum compares a computed sum with the hex checksum sent by
// the server. CRC32 values are accepted in either byte order and
// without leading zeros.
func verifyChecksum(algorithm string, sum []byte, want string) error {
	want = strings.ToLower(strings.TrimSpace(want))
	got := hex.EncodeToString(sum)
	if got == want {
		return nil
	}
	if normalizeAlgorithm(algorithm) == "CRC32" {
		reversed := slices.Clone(sum)
		slices.Reverse(reversed)
		trimmed := strings.TrimLeft(want, "0")
		for _, candidate := range []string{got, hex.EncodeToString(reversed)} {
			if strings.TrimLeft(candidate, "0") == trimmed {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, want)
}
