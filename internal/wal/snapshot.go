package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/veloxdb/velox/internal/veloxerr"
)

const (
	snapshotMagic     = "VLXSNAP1"
	snapshotHeaderLen = 8 + 4 // magic + format version
	snapshotFooterLen = 8 + 4 // version + crc32c
)

// Snapshot is a point-in-time dump of the database at CommitVersion
// (spec §4.8, §6). Payload holds the per-class record dumps and
// per-index states; internal/engine owns their encoding, keeping this
// package agnostic of model/store/index types.
type Snapshot struct {
	CommitVersion uint64
	Payload       []byte
}

// Write serializes snap to path: magic+version header, payload, and a
// footer carrying the snapshot's version and a checksum over the whole
// file (spec §6: "ends with a footer carrying the snapshot's version and
// checksum").
func Write(path string, snap Snapshot) error {
	var hdr [snapshotHeaderLen]byte
	copy(hdr[0:8], snapshotMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], logFormatVer)

	footer := make([]byte, snapshotFooterLen)
	binary.LittleEndian.PutUint64(footer[0:8], snap.CommitVersion)

	h := crc32.New(crcTable)
	h.Write(hdr[:])
	h.Write(snap.Payload)
	h.Write(footer[:8])
	binary.LittleEndian.PutUint32(footer[8:12], h.Sum32())

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create snapshot %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(hdr[:]); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	if _, err := f.Write(snap.Payload); err != nil {
		return fmt.Errorf("write snapshot payload: %w", err)
	}
	if _, err := f.Write(footer); err != nil {
		return fmt.Errorf("write snapshot footer: %w", err)
	}
	return f.Sync()
}

// Read parses a snapshot file previously produced by Write, validating
// magic, format version, and checksum.
func Read(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	if len(data) < snapshotHeaderLen+snapshotFooterLen {
		return Snapshot{}, veloxerr.New(veloxerr.KindLogCorrupted, "snapshot file too short")
	}
	hdr := data[:snapshotHeaderLen]
	if string(hdr[0:8]) != snapshotMagic {
		return Snapshot{}, veloxerr.New(veloxerr.KindLogCorrupted, "bad snapshot magic")
	}
	if binary.LittleEndian.Uint32(hdr[8:12]) != logFormatVer {
		return Snapshot{}, veloxerr.New(veloxerr.KindLogCorrupted, "unsupported snapshot format version")
	}

	payload := data[snapshotHeaderLen : len(data)-snapshotFooterLen]
	footer := data[len(data)-snapshotFooterLen:]
	version := binary.LittleEndian.Uint64(footer[0:8])
	storedCRC := binary.LittleEndian.Uint32(footer[8:12])

	h := crc32.New(crcTable)
	h.Write(hdr)
	h.Write(payload)
	h.Write(footer[:8])
	if h.Sum32() != storedCRC {
		return Snapshot{}, veloxerr.New(veloxerr.KindLogCorrupted, "snapshot checksum mismatch")
	}

	return Snapshot{CommitVersion: version, Payload: payload}, nil
}

// PickLatestValid reads both alternating snapshot paths and returns the
// contents of whichever validates and carries the higher commit version
// (spec §4.8: "selects the newest valid snapshot, by header integrity
// and version"). It is not an error for neither, one, or both to be
// missing or invalid; callers distinguish "no valid snapshot" via ok.
func PickLatestValid(pathA, pathB string) (snap Snapshot, ok bool) {
	var best Snapshot
	found := false
	for _, p := range []string{pathA, pathB} {
		s, err := Read(p)
		if err != nil {
			continue
		}
		if !found || s.CommitVersion > best.CommitVersion {
			best = s
			found = true
		}
	}
	return best, found
}
