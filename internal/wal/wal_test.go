package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/veloxdb/velox/internal/changeset"
	"github.com/veloxdb/velox/internal/veloxerr"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{Sequence: 7, CommitVersion: 42, Payload: []byte("hello changeset")}
	data := Encode(f)

	got, err := Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Sequence != f.Sequence || got.CommitVersion != f.CommitVersion || !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, f)
	}
}

func TestFrameDecodeDetectsChecksumMismatch(t *testing.T) {
	data := Encode(Frame{Sequence: 1, CommitVersion: 1, Payload: []byte("x")})
	data[len(data)-1] ^= 0xFF

	_, err := Decode(bytes.NewReader(data))
	if !veloxerr.Is(err, veloxerr.KindLogCorrupted) {
		t.Fatalf("expected KindLogCorrupted, got %v", err)
	}
}

func TestFrameDecodeTornPayloadReportsCorrupted(t *testing.T) {
	data := Encode(Frame{Sequence: 1, CommitVersion: 1, Payload: []byte("hello")})
	truncated := data[:len(data)-3]

	_, err := Decode(bytes.NewReader(truncated))
	if !veloxerr.Is(err, veloxerr.KindLogCorrupted) {
		t.Fatalf("expected KindLogCorrupted, got %v", err)
	}
}

func TestLogFileAppendAndReadFrames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.a")

	lf, err := OpenLogFile(path)
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}

	for i := uint64(1); i <= 3; i++ {
		if err := lf.Append(Frame{Sequence: i, CommitVersion: i, Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := lf.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	frames, torn, err := lf.ReadFrames()
	if err != nil {
		t.Fatalf("ReadFrames: %v", err)
	}
	if torn {
		t.Fatalf("expected clean read, got torn=true")
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f.Sequence != uint64(i+1) {
			t.Fatalf("frame %d: sequence = %d", i, f.Sequence)
		}
	}
	lf.Close()
}

func TestLogFileReopenValidatesHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.a")

	lf, err := OpenLogFile(path)
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	lf.Close()

	lf2, err := OpenLogFile(path)
	if err != nil {
		t.Fatalf("reopen OpenLogFile: %v", err)
	}
	lf2.Close()
}

func TestLogFileReadFramesDetectsTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.a")

	lf, err := OpenLogFile(path)
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	if err := lf.Append(Frame{Sequence: 1, CommitVersion: 1, Payload: []byte("ok")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Append a second frame, then truncate its tail to simulate a crash
	// mid-write.
	if err := lf.Append(Frame{Sequence: 2, CommitVersion: 2, Payload: []byte("partial-payload")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := lf.f.Truncate(lf.writePos - 5); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	frames, torn, err := lf.ReadFrames()
	if err != nil {
		t.Fatalf("ReadFrames: %v", err)
	}
	if !torn {
		t.Fatalf("expected torn=true")
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 good frame before the tear, got %d", len(frames))
	}
	lf.Close()
}

func TestLogFileRewriteTruncatesAndReappends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.a")

	lf, err := OpenLogFile(path)
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	for i := uint64(1); i <= 5; i++ {
		lf.Append(Frame{Sequence: i, CommitVersion: i, Payload: []byte{byte(i)}})
	}

	kept := []Frame{{Sequence: 4, CommitVersion: 4, Payload: []byte{4}}, {Sequence: 5, CommitVersion: 5, Payload: []byte{5}}}
	if err := lf.Rewrite(kept); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	frames, torn, err := lf.ReadFrames()
	if err != nil || torn {
		t.Fatalf("ReadFrames after rewrite: frames=%v torn=%v err=%v", frames, torn, err)
	}
	if len(frames) != 2 || frames[0].Sequence != 4 || frames[1].Sequence != 5 {
		t.Fatalf("unexpected frames after rewrite: %+v", frames)
	}
	lf.Close()
}

func TestDualLogSwitchKeepsOnlySurvivingFrames(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "primary")

	d, err := OpenDualLog(base)
	if err != nil {
		t.Fatalf("OpenDualLog: %v", err)
	}
	for i := uint64(1); i <= 5; i++ {
		if err := d.Append(Frame{Sequence: i, CommitVersion: i, Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := d.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if err := d.TruncateThrough(3); err != nil {
		t.Fatalf("TruncateThrough: %v", err)
	}

	frames, torn, err := d.ReadFrames()
	if err != nil || torn {
		t.Fatalf("ReadFrames after switch: torn=%v err=%v", torn, err)
	}
	if len(frames) != 2 || frames[0].CommitVersion != 4 || frames[1].CommitVersion != 5 {
		t.Fatalf("unexpected frames after switch: %+v", frames)
	}
	d.Close()

	// The header file must make the switch stick across a reopen.
	d2, err := OpenDualLog(base)
	if err != nil {
		t.Fatalf("reopen OpenDualLog: %v", err)
	}
	frames, _, err = d2.ReadFrames()
	if err != nil {
		t.Fatalf("ReadFrames after reopen: %v", err)
	}
	if len(frames) != 2 || frames[0].CommitVersion != 4 {
		t.Fatalf("expected switched log active after reopen, got %+v", frames)
	}
	d2.Close()
}

func TestSnapshotWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.a")

	snap := Snapshot{CommitVersion: 99, Payload: []byte("class dump payload")}
	if err := Write(path, snap); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.CommitVersion != snap.CommitVersion || !bytes.Equal(got.Payload, snap.Payload) {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestSnapshotReadDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.a")

	if err := Write(path, Snapshot{CommitVersion: 1, Payload: []byte("abc")}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("corrupt write: %v", err)
	}

	if _, err := Read(path); !veloxerr.Is(err, veloxerr.KindLogCorrupted) {
		t.Fatalf("expected KindLogCorrupted, got %v", err)
	}
}

func TestPickLatestValidPrefersHigherVersion(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "snap.a")
	pathB := filepath.Join(dir, "snap.b")

	Write(pathA, Snapshot{CommitVersion: 5, Payload: []byte("old")})
	Write(pathB, Snapshot{CommitVersion: 9, Payload: []byte("new")})

	snap, ok := PickLatestValid(pathA, pathB)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if snap.CommitVersion != 9 || string(snap.Payload) != "new" {
		t.Fatalf("expected newer snapshot, got %+v", snap)
	}
}

func TestPickLatestValidFallsBackWhenOneCorrupt(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "snap.a")
	pathB := filepath.Join(dir, "snap.b")

	Write(pathA, Snapshot{CommitVersion: 5, Payload: []byte("good")})
	// pathB left nonexistent, simulating the first-ever snapshot cycle.

	snap, ok := PickLatestValid(pathA, pathB)
	if !ok || snap.CommitVersion != 5 {
		t.Fatalf("expected fallback to pathA, got %+v ok=%v", snap, ok)
	}
}

func TestPickLatestValidNoneValidReturnsNotOK(t *testing.T) {
	dir := t.TempDir()
	_, ok := PickLatestValid(filepath.Join(dir, "missing.a"), filepath.Join(dir, "missing.b"))
	if ok {
		t.Fatalf("expected ok=false when neither snapshot exists")
	}
}

func TestPersisterPersistsToAllConfiguredLogs(t *testing.T) {
	dir := t.TempDir()
	logA, err := OpenDualLog(filepath.Join(dir, "primary"))
	if err != nil {
		t.Fatalf("OpenDualLog primary: %v", err)
	}
	logB, err := OpenDualLog(filepath.Join(dir, "aux"))
	if err != nil {
		t.Fatalf("OpenDualLog aux: %v", err)
	}

	p := NewPersister([]*DualLog{logA, logB}, 5*time.Millisecond, 4)
	defer p.Close()

	cs := changeset.Set{CommitVersion: 10, Ops: []changeset.Op{{Kind: changeset.OpCreate, ClassID: 1, ObjectID: 1}}}
	if err := p.Persist(cs); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	for _, lf := range []*DualLog{logA, logB} {
		frames, torn, err := lf.ReadFrames()
		if err != nil {
			t.Fatalf("ReadFrames: %v", err)
		}
		if torn {
			t.Fatalf("unexpected torn read")
		}
		if len(frames) != 1 {
			t.Fatalf("expected 1 frame on every log, got %d", len(frames))
		}
		if frames[0].CommitVersion != 10 {
			t.Fatalf("unexpected commit version: %d", frames[0].CommitVersion)
		}
	}
}

func TestPersisterBatchesWithinWindow(t *testing.T) {
	dir := t.TempDir()
	lf, err := OpenDualLog(filepath.Join(dir, "primary"))
	if err != nil {
		t.Fatalf("OpenDualLog: %v", err)
	}

	p := NewPersister([]*DualLog{lf}, 20*time.Millisecond, 256)
	defer p.Close()

	done := make(chan struct{})
	for i := 1; i <= 3; i++ {
		go func(v uint64) {
			p.Persist(changeset.Set{CommitVersion: v})
			done <- struct{}{}
		}(uint64(i))
	}
	for i := 0; i < 3; i++ {
		<-done
	}

	frames, _, err := lf.ReadFrames()
	if err != nil {
		t.Fatalf("ReadFrames: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].CommitVersion < frames[i-1].CommitVersion {
			t.Fatalf("frames not in commit-version order: %+v", frames)
		}
	}
}

func TestRestoreReturnsFramesAboveSnapshotVersion(t *testing.T) {
	dir := t.TempDir()
	lf, err := OpenDualLog(filepath.Join(dir, "primary"))
	if err != nil {
		t.Fatalf("OpenDualLog: %v", err)
	}
	for i := uint64(1); i <= 5; i++ {
		lf.Append(Frame{Sequence: i, CommitVersion: i, Payload: []byte{byte(i)}})
	}
	lf.Sync()

	snapA := filepath.Join(dir, "snap.a")
	snapB := filepath.Join(dir, "snap.b")
	if err := Write(snapA, Snapshot{CommitVersion: 3, Payload: []byte("dump@3")}); err != nil {
		t.Fatalf("Write snapshot: %v", err)
	}

	base, frames, torn, err := Restore(lf, snapA, snapB)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if torn {
		t.Fatalf("unexpected torn=true")
	}
	if base != 3 {
		t.Fatalf("expected base version 3, got %d", base)
	}
	if len(frames) != 2 || frames[0].CommitVersion != 4 || frames[1].CommitVersion != 5 {
		t.Fatalf("expected frames at commit versions 4,5, got %+v", frames)
	}
}

func TestRestoreWithNoSnapshotReplaysEverything(t *testing.T) {
	dir := t.TempDir()
	lf, err := OpenDualLog(filepath.Join(dir, "primary"))
	if err != nil {
		t.Fatalf("OpenDualLog: %v", err)
	}
	lf.Append(Frame{Sequence: 1, CommitVersion: 1, Payload: []byte{1}})
	lf.Append(Frame{Sequence: 2, CommitVersion: 2, Payload: []byte{2}})
	lf.Sync()

	base, frames, _, err := Restore(lf, filepath.Join(dir, "snap.a"), filepath.Join(dir, "snap.b"))
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if base != 0 {
		t.Fatalf("expected base version 0, got %d", base)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
}
