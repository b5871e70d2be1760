package vaultfile

import (
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/sshkeeper/internal/filex"
)

// MetaPath is the side-car path of an encrypted blob.
func MetaPath(path string) string { return path + MetaSuffix }

// ReadMetadata loads the side-car of path.
func ReadMetadata(path string) (*Metadata, error) {
	b, err := os.ReadFile(MetaPath(path))
	if err != nil {
		return nil, err
	}
	return ParseMetadata(b)
}

// WriteEncrypted writes the blob and then its side-car, each atomically.
func WriteEncrypted(path string, enc []byte, meta *Metadata) error {
	mb, err := meta.Marshal()
	if err != nil {
		return err
	}
	if err := filex.WriteFileAtomic(path, enc, 0o600); err != nil {
		return err
	}
	return filex.WriteFileAtomic(MetaPath(path), mb, 0o600)
}

// IsEncryptedVaultFile reports whether path is a blob with a readable
// side-car of a supported version. It never decrypts.
func IsEncryptedVaultFile(path string) bool {
	if !filex.Exists(path) {
		return false
	}
	_, err := ReadMetadata(path)
	return err == nil
}

// FileInfo describes an encrypted vault file without opening it.
type FileInfo struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	Metadata *Metadata `json:"metadata"`
}

func GetEncryptedFileInfo(path string) (*FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	meta, err := ReadMetadata(path)
	if err != nil {
		return nil, err
	}
	return &FileInfo{Path: path, Size: fi.Size(), Modified: fi.ModTime(), Metadata: meta}, nil
}

// EncryptToFile encrypts srcPath into dstPath plus side-car. An empty
// passphrase selects the machine key.
func (c *Codec) EncryptToFile(srcPath, dstPath, passphrase string) (*Metadata, error) {
	src, err := os.ReadFile(srcPath)
	if err != nil {
		return nil, err
	}

	var enc []byte
	var meta *Metadata
	if passphrase == "" {
		enc, meta, err = c.EncryptFile(src)
	} else {
		enc, meta, err = c.EncryptFileWithPassphrase(src, passphrase)
	}
	if err != nil {
		return nil, err
	}
	if err := WriteEncrypted(dstPath, enc, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// DecryptToFile decrypts encPath and atomically replaces dstPath. Nothing
// is written unless decryption and the fingerprint check succeed. The
// caller must make sure dstPath is not an open datastore.
func (c *Codec) DecryptToFile(encPath, dstPath, passphrase string) error {
	meta, err := ReadMetadata(encPath)
	if err != nil {
		return err
	}
	enc, err := os.ReadFile(encPath)
	if err != nil {
		return err
	}
	plain, err := c.DecryptFileWithPassphrase(enc, meta, passphrase)
	if err != nil {
		return err
	}
	return filex.WriteFileAtomic(dstPath, plain, 0o600)
}
