package bstore_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/oda/ltrie/internal/bstore"
)

func TestOpenClose(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.db")

	s, err := bstore.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s.Length() != 0 {
		t.Errorf("expected length 0, got %d", s.Length())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestWriteExtendsLength(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.db")

	s, err := bstore.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.Write(10, []byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if s.Length() != 15 {
		t.Errorf("expected length 15, got %d", s.Length())
	}

	buf := make([]byte, 5)
	if err := s.Read(10, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(buf, []byte("hello")) {
		t.Errorf("expected %q, got %q", "hello", buf)
	}

	// The gap [0,10) should read as zero.
	gap := make([]byte, 10)
	if err := s.Read(0, gap); err != nil {
		t.Fatalf("Read gap failed: %v", err)
	}
	for i, b := range gap {
		if b != 0 {
			t.Errorf("gap byte %d not zero: %d", i, b)
		}
	}
}

func TestReservePreZeroed(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.db")

	s, err := bstore.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	start, err := s.Reserve(64)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if start != 0 {
		t.Errorf("expected reserve to start at 0, got %d", start)
	}
	if s.Length() != 64 {
		t.Errorf("expected length 64, got %d", s.Length())
	}

	buf := make([]byte, 64)
	if err := s.Read(0, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Errorf("reserved byte %d not zero: %d", i, b)
		}
	}
}

func TestReadPastLengthFails(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.db")

	s, err := bstore.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.Write(0, []byte("abc")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	buf := make([]byte, 10)
	if err := s.Read(0, buf); err == nil {
		t.Error("expected read past length to fail")
	}
}

func TestFlushPersistsAcrossReopen(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.db")

	s, err := bstore.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Write(100, []byte("durable")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != 107 {
		t.Errorf("expected on-disk size 107, got %d", info.Size())
	}

	s2, err := bstore.Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	if s2.Length() != 107 {
		t.Errorf("expected reopened length 107, got %d", s2.Length())
	}
	buf := make([]byte, 7)
	if err := s2.Read(100, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(buf, []byte("durable")) {
		t.Errorf("expected %q, got %q", "durable", buf)
	}
}
