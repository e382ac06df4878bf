package kv

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.pathkvs")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	tr := db.Begin()
	tr.Write("plain", []byte("value"))
	tr.Write("empty", []byte{})
	tr.Write("binary", []byte{0, 1, '\n', 255})
	tr.Delete("dead")
	mustCommit(t, tr)
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()

	if v, ok := reopened.Get("plain"); !ok || !bytes.Equal(v, []byte("value")) {
		t.Errorf("Expected plain=value, got %q (found=%v)", v, ok)
	}
	if v, ok := reopened.Get("empty"); !ok || len(v) != 0 {
		t.Errorf("Expected empty value, got %q (found=%v)", v, ok)
	}
	if v, ok := reopened.Get("binary"); !ok || !bytes.Equal(v, []byte{0, 1, '\n', 255}) {
		t.Errorf("Expected binary value to survive, got %q (found=%v)", v, ok)
	}
	if _, ok := reopened.Get("dead"); ok {
		t.Errorf("Expected tombstone to survive the round trip")
	}
	if gen := reopened.View().Generation(); gen != 1 {
		t.Errorf("Expected generation 1, got %d", gen)
	}
}

func TestRecoveryOrderMatchesGenerations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "order.pathkvs")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// three commits against the same key; recovery must replay them in
	// generation order so the last one wins
	for _, v := range []string{"1", "2", "3"} {
		if err := db.Set("k", []byte(v)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()

	if v, _ := reopened.Get("k"); !bytes.Equal(v, []byte("3")) {
		t.Errorf("Expected last committed value 3, got %s", v)
	}
	if gen := reopened.View().Generation(); gen != 3 {
		t.Errorf("Expected generation 3, got %d", gen)
	}
}

func TestRecoveryDiscardsGarbageTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.pathkvs")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.Set("good", []byte("data")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// append a header that announces more writes than follow
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], 7)
	if _, err := f.Write(header[:]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	tornSize := size(t, path)

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()

	if v, ok := reopened.Get("good"); !ok || !bytes.Equal(v, []byte("data")) {
		t.Errorf("Expected intact record to survive, got %q (found=%v)", v, ok)
	}
	if gen := reopened.View().Generation(); gen != 1 {
		t.Errorf("Expected generation 1, got %d", gen)
	}
	if after := size(t, path); after >= tornSize {
		t.Errorf("Expected the torn tail to be truncated (size %d -> %d)", tornSize, after)
	}
}

func TestRecoveryRejectsImplausibleLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "badlen.pathkvs")

	// a record header with an absurd key length must be treated as torn,
	// not allocated
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], 1)          // one write
	binary.LittleEndian.PutUint32(buf[4:8], 0xFFFFFFFF) // bogus key length
	if _, err := f.Write(buf[:]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if gen := db.View().Generation(); gen != 0 {
		t.Errorf("Expected empty database after discarding garbage, got generation %d", gen)
	}
	if after := size(t, path); after != 0 {
		t.Errorf("Expected the file to be truncated to 0, got %d bytes", after)
	}
}

func TestOpenEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pathkvs")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if gen := db.View().Generation(); gen != 0 {
		t.Errorf("Expected genesis generation 0, got %d", gen)
	}
	if entries := db.View().ScanPrefix("", ""); len(entries) != 0 {
		t.Errorf("Expected empty database, got %v", entries)
	}
}

func size(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	return info.Size()
}
