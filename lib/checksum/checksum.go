package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
)

// CalculateCheckSum returns the hex encoded sha256 digest of data.
func CalculateCheckSum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// File returns the hex encoded sha256 digest of the file at path.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return Reader(f)
}

func Reader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}

	return encode(h), nil
}

func encode(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
