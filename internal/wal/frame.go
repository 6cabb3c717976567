// Package wal implements the WAL persister (spec §4.8): framed,
// checksummed log records, group-commit batching, alternating log and
// snapshot files, and crash restore with torn-tail detection.
//
// Grounded on internal/storage/pager/wal.go's WALFile (magic-header file
// validation, [type][lsn][txid][datalen][crc] record framing with
// crc32.Castagnoli, append-with-tracked-write-position) and
// internal/storage/pager/superblock.go's magic+version+CRC page format,
// adapted from fixed-size page images to the spec §6 changeset frame:
// [u32 length][u64 sequence][u64 commit-version][bytes changeset][u32
// crc32c].
package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/veloxdb/velox/internal/veloxerr"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// frameHeaderSize is [u32 length][u64 sequence][u64 commit-version].
const frameHeaderSize = 4 + 8 + 8

// Frame is one framed log record (spec §6).
type Frame struct {
	Sequence      uint64
	CommitVersion uint64
	Payload       []byte // the encoded changeset (internal/changeset.Encode)
}

// Encode serializes f into its on-disk byte representation, little-endian
// throughout, with a trailing CRC32C covering the header and payload.
func Encode(f Frame) []byte {
	buf := make([]byte, frameHeaderSize+len(f.Payload)+4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(f.Payload)))
	binary.LittleEndian.PutUint64(buf[4:12], f.Sequence)
	binary.LittleEndian.PutUint64(buf[12:20], f.CommitVersion)
	copy(buf[20:20+len(f.Payload)], f.Payload)
	crc := crc32.Checksum(buf[:20+len(f.Payload)], crcTable)
	binary.LittleEndian.PutUint32(buf[20+len(f.Payload):], crc)
	return buf
}

// Decode reads one frame from r. It returns io.EOF (unwrapped, via
// errors.Is) when the stream ends cleanly between frames. Any other
// failure — a header, payload, or CRC that was only partially written or
// fails its checksum — is LogCorrupted: the spec's "torn tail" case,
// which callers should treat as "stop restoring here".
func Decode(r io.Reader) (Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, veloxerr.Wrap(veloxerr.KindLogCorrupted, "torn frame header", err)
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	seq := binary.LittleEndian.Uint64(hdr[4:12])
	cv := binary.LittleEndian.Uint64(hdr[12:20])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, veloxerr.Wrap(veloxerr.KindLogCorrupted, "torn frame payload", err)
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return Frame{}, veloxerr.Wrap(veloxerr.KindLogCorrupted, "torn frame checksum", err)
	}
	stored := binary.LittleEndian.Uint32(crcBuf[:])

	h := crc32.New(crcTable)
	h.Write(hdr[:])
	h.Write(payload)
	if h.Sum32() != stored {
		return Frame{}, veloxerr.Newf(veloxerr.KindLogCorrupted, "frame checksum mismatch at sequence %d", seq)
	}
	return Frame{Sequence: seq, CommitVersion: cv, Payload: payload}, nil
}
