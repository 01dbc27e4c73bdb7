// Package staging manages the firmware-staging directory behind the
// gateway's HTTP upload endpoint (§6 "staging layer", §10.1). It writes an
// uploaded image to disk and, if the uploader supplied one, verifies an
// MD5 checksum before the bytes are handed to the transport core — the
// core itself only ever verifies the image's CRC-32 via START.
package staging

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ErrChecksumMismatch is returned by Stage when a caller-supplied MD5
// doesn't match the bytes actually written.
type ErrChecksumMismatch struct {
	Want, Got string
}

func (e *ErrChecksumMismatch) Error() string {
	return fmt.Sprintf("staging: md5 mismatch: want %s, got %s", e.Want, e.Got)
}

// Info describes a staged firmware image, the Go-native analogue of
// the original source's FirmwareInfo.to_dict().
type Info struct {
	FileName string
	FileSize int64
	MD5      string
	Version  string
	Project  string
	StagedAt time.Time
	Path     string
}

// Store manages firmware files under a single directory.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir, creating it if absent.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("staging: create directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Stage copies r into the staging directory under a name derived from
// version/project, computing its MD5 as it streams. If wantMD5 is
// non-empty, a mismatch removes the partial file and returns
// *ErrChecksumMismatch.
func (s *Store) Stage(r io.Reader, version, project, wantMD5 string) (Info, error) {
	name := fileName(project, version)
	dst := filepath.Join(s.dir, name)

	f, err := os.Create(dst)
	if err != nil {
		return Info{}, fmt.Errorf("staging: create %s: %w", dst, err)
	}
	defer f.Close()

	h := md5.New()
	n, err := io.Copy(f, io.TeeReader(r, h))
	if err != nil {
		os.Remove(dst)
		return Info{}, fmt.Errorf("staging: write %s: %w", dst, err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if wantMD5 != "" && wantMD5 != sum {
		os.Remove(dst)
		return Info{}, &ErrChecksumMismatch{Want: wantMD5, Got: sum}
	}

	return Info{
		FileName: name,
		FileSize: n,
		MD5:      sum,
		Version:  version,
		Project:  project,
		StagedAt: time.Now(),
		Path:     dst,
	}, nil
}

// Load reads a previously staged image back into memory for handoff to
// the transport core's SendFirmware.
func (s *Store) Load(info Info) ([]byte, error) {
	b, err := os.ReadFile(info.Path)
	if err != nil {
		return nil, fmt.Errorf("staging: read %s: %w", info.Path, err)
	}
	return b, nil
}

func fileName(project, version string) string {
	if project == "" {
		project = "firmware"
	}
	if version == "" {
		version = "unknown"
	}
	return fmt.Sprintf("%s_v%s.bin", project, version)
}
