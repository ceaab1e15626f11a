package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
)

// Sum returns the hex-encoded SHA-256 digest of data. The replay
// ledger stores this as the payload fingerprint.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// CRC returns the lowercase hex IEEE CRC-32 of data, the per-chunk
// integrity check carried on the wire.
func CRC(data []byte) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(data))
}
