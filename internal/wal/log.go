package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/veloxdb/velox/internal/veloxerr"
)

const (
	logMagic      = "VLXWAL01"
	logFormatVer  = uint32(1)
	logHeaderSize = 8 + 4 + 4 // magic + version + header CRC
)

// LogFile is one append-only file of a log stream — the `.a` or `.b`
// half of a DualLog. Grounded on internal/storage/pager/wal.go's WALFile:
// magic-header validation on open, a tracked write offset to avoid a
// Seek syscall per append, and WriteAt for appends plus Sync for
// durability.
type LogFile struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	writePos int64
}

// OpenLogFile opens or creates path, validating (or writing) the file
// header.
func OpenLogFile(path string) (*LogFile, error) {
	_, statErr := os.Stat(path)
	exists := statErr == nil

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	lf := &LogFile{f: f, path: path}

	if exists {
		if err := lf.validateHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else if err := lf.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}

	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("seek log file %s: %w", path, err)
	}
	lf.writePos = end
	return lf, nil
}

func (lf *LogFile) writeHeader() error {
	var hdr [logHeaderSize]byte
	copy(hdr[0:8], logMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], logFormatVer)
	crc := crc32.Checksum(hdr[:12], crcTable)
	binary.LittleEndian.PutUint32(hdr[12:16], crc)
	if _, err := lf.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("write log header: %w", err)
	}
	return lf.f.Sync()
}

func (lf *LogFile) validateHeader() error {
	var hdr [logHeaderSize]byte
	n, err := lf.f.ReadAt(hdr[:], 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("read log header: %w", err)
	}
	if n < logHeaderSize {
		return veloxerr.New(veloxerr.KindLogCorrupted, "log header too short")
	}
	if string(hdr[0:8]) != logMagic {
		return veloxerr.New(veloxerr.KindLogCorrupted, "bad log magic")
	}
	if binary.LittleEndian.Uint32(hdr[8:12]) != logFormatVer {
		return veloxerr.New(veloxerr.KindLogCorrupted, "unsupported log format version")
	}
	stored := binary.LittleEndian.Uint32(hdr[12:16])
	if crc32.Checksum(hdr[:12], crcTable) != stored {
		return veloxerr.New(veloxerr.KindLogCorrupted, "log header CRC mismatch")
	}
	return nil
}

// Append writes one frame at the current write position.
func (lf *LogFile) Append(f Frame) error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	data := Encode(f)
	n, err := lf.f.WriteAt(data, lf.writePos)
	if err != nil {
		return fmt.Errorf("append log frame: %w", err)
	}
	lf.writePos += int64(n)
	return nil
}

// Sync fsyncs the underlying file (spec §4.8's durability contract).
func (lf *LogFile) Sync() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.f.Sync()
}

// Close closes the file.
func (lf *LogFile) Close() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.f.Close()
}

// ReadFrames reads every well-formed frame after the header, in order.
// If the trailing frame is torn (a partially-written header, payload, or
// a checksum mismatch), reading stops there and torn is true; this is
// not an error (spec §4.8: "restore stops at the last good frame and
// marks the remainder invalid").
func (lf *LogFile) ReadFrames() (frames []Frame, torn bool, err error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if err := lf.validateHeader(); err != nil {
		return nil, false, err
	}
	if _, err := lf.f.Seek(logHeaderSize, io.SeekStart); err != nil {
		return nil, false, fmt.Errorf("seek past log header: %w", err)
	}

	for {
		f, derr := Decode(lf.f)
		if derr == io.EOF {
			return frames, false, nil
		}
		if derr != nil {
			return frames, true, nil
		}
		frames = append(frames, f)
	}
}

// Rewrite truncates the file back to just the header and re-appends
// frames (spec §4.8: "truncates the log up to S" after a snapshot —
// the caller decides which frames at or below S to drop before calling
// this with the remainder).
func (lf *LogFile) Rewrite(frames []Frame) error {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if err := lf.f.Truncate(logHeaderSize); err != nil {
		return fmt.Errorf("truncate log file: %w", err)
	}
	lf.writePos = logHeaderSize

	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(Encode(f))
	}
	if buf.Len() > 0 {
		n, err := lf.f.WriteAt(buf.Bytes(), lf.writePos)
		if err != nil {
			return fmt.Errorf("rewrite log frames: %w", err)
		}
		lf.writePos += int64(n)
	}
	return lf.f.Sync()
}
