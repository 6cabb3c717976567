package wal

import (
	"fmt"
	"os"
	"sync"

	"github.com/veloxdb/velox/internal/veloxerr"
)

// DualLog is one log stream laid out as spec §6 describes: `<log>.a` and
// `<log>.b` alternating active files plus a small `<log>.hdr` file
// carrying the current active letter. Appends always go to the active
// file; a post-snapshot truncation writes the surviving frames into the
// inactive file and swaps the header atomically (via a temporary
// variant), so a crash mid-truncation never loses the last good log.
type DualLog struct {
	mu      sync.Mutex
	a, b    *LogFile
	hdrPath string
	active  byte // 'a' or 'b'
}

// OpenDualLog opens (or creates) the log stream rooted at base.
func OpenDualLog(base string) (*DualLog, error) {
	a, err := OpenLogFile(base + ".a")
	if err != nil {
		return nil, err
	}
	b, err := OpenLogFile(base + ".b")
	if err != nil {
		a.Close()
		return nil, err
	}
	d := &DualLog{a: a, b: b, hdrPath: base + ".hdr"}

	data, err := os.ReadFile(d.hdrPath)
	switch {
	case err == nil && len(data) > 0 && (data[0] == 'a' || data[0] == 'b'):
		d.active = data[0]
	case err == nil || os.IsNotExist(err):
		d.active = 'a'
		if werr := d.writeHeader('a'); werr != nil {
			a.Close()
			b.Close()
			return nil, werr
		}
	default:
		a.Close()
		b.Close()
		return nil, veloxerr.Wrap(veloxerr.KindLogCorrupted, "read log stream header", err)
	}
	return d, nil
}

// writeHeader records the active letter through a temporary variant and
// an atomic rename.
func (d *DualLog) writeHeader(letter byte) error {
	tmp := d.hdrPath + ".tmp"
	if err := os.WriteFile(tmp, []byte{letter}, 0644); err != nil {
		return fmt.Errorf("write log stream header: %w", err)
	}
	if err := os.Rename(tmp, d.hdrPath); err != nil {
		return fmt.Errorf("swap log stream header: %w", err)
	}
	return nil
}

func (d *DualLog) activeInactive() (active, inactive *LogFile) {
	if d.active == 'b' {
		return d.b, d.a
	}
	return d.a, d.b
}

// Append writes one frame to the active file. The stream lock is held
// across the write so a concurrent TruncateThrough can never lose a
// frame between files.
func (d *DualLog) Append(f Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	active, _ := d.activeInactive()
	return active.Append(f)
}

// Sync fsyncs the active file.
func (d *DualLog) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	active, _ := d.activeInactive()
	return active.Sync()
}

// ReadFrames reads the active file's frames; torn-tail semantics match
// LogFile.ReadFrames.
func (d *DualLog) ReadFrames() ([]Frame, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	active, _ := d.activeInactive()
	return active.ReadFrames()
}

// TruncateThrough drops every frame with a commit version at or below
// version: the surviving frames are written into the inactive file, the
// header atomically flips to it, and the previously active file is
// emptied. This is the post-snapshot log truncation of spec §4.8: the
// old file stays intact until the header points at its complete
// replacement, so a crash at any point leaves one consistent log.
func (d *DualLog) TruncateThrough(version uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	active, inactive := d.activeInactive()
	frames, _, err := active.ReadFrames()
	if err != nil {
		return err
	}
	kept := frames[:0]
	for _, f := range frames {
		if f.CommitVersion > version {
			kept = append(kept, f)
		}
	}
	if err := inactive.Rewrite(kept); err != nil {
		return err
	}
	next := byte('a')
	if d.active == 'a' {
		next = 'b'
	}
	if err := d.writeHeader(next); err != nil {
		return err
	}
	d.active = next
	return active.Rewrite(nil)
}

// Close closes both files.
func (d *DualLog) Close() error {
	errA := d.a.Close()
	errB := d.b.Close()
	if errA != nil {
		return errA
	}
	return errB
}
