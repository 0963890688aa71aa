package manifest

import (
	"crypto/md5"
	"encoding/hex"
	"io"
)

// Checksum returns the hex MD5 of data. It matches the ETag S3-compatible
// stores report for single-part uploads.
func Checksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// ChecksumReader hashes everything read from r.
func ChecksumReader(r io.Reader) (string, int64, error) {
	h := md5.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
