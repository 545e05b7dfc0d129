package manifest

import (
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/poltergeist/deployer/pkg/types"
)

// Fingerprinter computes the change-detection fingerprint of a file
type Fingerprinter func(path string, info fs.FileInfo) (string, error)

// FingerprinterFor returns the fingerprinter of a policy
func FingerprinterFor(policy types.FingerprintPolicy) Fingerprinter {
	if policy == types.FingerprintContent {
		return ContentFingerprint
	}
	return ModTimeFingerprint
}

// ModTimeFingerprint fingerprints a file by its modification time
func ModTimeFingerprint(path string, info fs.FileInfo) (string, error) {
	if info == nil {
		var err error
		if info, err = os.Stat(path); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("mtime:%d", info.ModTime().UnixNano()), nil
}

// ContentFingerprint fingerprints a file by the SHA256 of its content
func ContentFingerprint(path string, _ fs.FileInfo) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = file.Close()
	}()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}
