package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Domain prefixes for content digests.
// The version suffix allows the algorithm to change without ambiguity.
const (
	DomainRow      = "psb/row/v1"
	DomainDocument = "psb/document/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RowHash is the content digest of a row's table, key and values.
// Origin is excluded: moving a bundle does not change its rows.
func RowHash(r Row) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"table":  string(r.Table),
		"key":    r.Key,
		"values": r.Values,
	})
	if err != nil {
		return "", fmt.Errorf("RowHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainRow, canonical), nil
}

// DocumentDigest is the content digest of a decoded JSON document.
// Two documents that differ only in whitespace or key order share a digest.
func DocumentDigest(doc any) (string, error) {
	canonical, err := MarshalCanonical(doc)
	if err != nil {
		return "", fmt.Errorf("DocumentDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainDocument, canonical), nil
}

// MustRowHash is like RowHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustRowHash(r Row) string {
	h, err := RowHash(r)
	if err != nil {
		panic(err)
	}
	return h
}

// FileSHA256 streams a file through SHA-256 and returns the hex digest and
// the number of bytes read.
func FileSHA256(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.CopyBuffer(h, f, make([]byte, 64*1024))
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// BytesSHA256 returns the plain hex SHA-256 of data.
func BytesSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
