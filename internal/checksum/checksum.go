package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// EmptyDigest is the digest of zero bytes. An absent or empty file always
// hashes to this constant, so diffs against new files can pin it as their
// pre-image.
const EmptyDigest = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// SHA256Bytes computes the SHA256 hash of a byte slice and returns it as "sha256:hexstring"
func SHA256Bytes(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// SHA256File computes the SHA256 hash of a file and returns it as "sha256:hexstring"
// Uses streaming to handle large files efficiently
func SHA256File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	return "sha256:" + hex.EncodeToString(hasher.Sum(nil)), nil
}

// SHA256FileOrEmpty computes the digest of a file, treating a missing file
// as empty content. This is the digest the diff applier compares pre-images
// against.
func SHA256FileOrEmpty(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return EmptyDigest, nil
		}
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return SHA256Bytes(data), nil
}

// Valid reports whether a digest string has the expected "sha256:<64 hex>"
// shape.
func Valid(digest string) bool {
	if !strings.HasPrefix(digest, "sha256:") {
		return false
	}
	hexPart := strings.TrimPrefix(digest, "sha256:")
	if len(hexPart) != 64 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}

// VerifyFile checks if a file's SHA256 hash matches the expected value
// Expected format: "sha256:hexstring"
func VerifyFile(path string, expectedSum string) error {
	if !Valid(expectedSum) {
		return fmt.Errorf("invalid checksum format: %q", expectedSum)
	}

	actualSum, err := SHA256FileOrEmpty(path)
	if err != nil {
		return fmt.Errorf("failed to compute checksum: %w", err)
	}

	if actualSum != expectedSum {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expectedSum, actualSum)
	}

	return nil
}
