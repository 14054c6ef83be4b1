package protocol

import (
	"encoding/hex"
	"io"

	"lukechampine.com/blake3"
)

// Checksum returns the hex blake3-256 digest of data. Used for
// end-to-end content verification on database transfers.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChecksumReader digests r to EOF and returns the hex blake3-256 digest
// with the byte count consumed.
func ChecksumReader(r io.Reader) (string, int64, error) {
	h := blake3.New(32, nil)
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
