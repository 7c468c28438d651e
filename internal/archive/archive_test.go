package archive

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pbibridge/pbibridge/internal/storage"
)

type memoryStore struct {
	objects map[string][]byte
	lastKey string
}

func (m *memoryStore) Put(_ context.Context, key string, body io.Reader, size int64, _ storage.PutOptions) (storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = data
	m.lastKey = key
	return storage.ObjectInfo{Key: key, Size: size}, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	data, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

func sampleResult() Result {
	return Result{
		Columns: []string{"Sales[Amount]", "Sales[Region]"},
		Rows: []map[string]any{
			{"Sales[Amount]": 19.99, "Sales[Region]": "East"},
			{"Sales[Amount]": 5.0, "Sales[Region]": "West"},
		},
		RowCount: 2,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestArchivePutsUnderCatalogDayKey(t *testing.T) {
	store := &memoryStore{}
	archiver := New(store, quietLogger(), Options{})
	executedAt := time.Date(2026, time.February, 19, 10, 0, 0, 0, time.UTC)

	key, err := archiver.Archive(context.Background(), "SalesDS", "q-1", sampleResult(), executedAt)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if key != "archives/SalesDS/2026/02/19/q-1.parquet" {
		t.Fatalf("key = %q", key)
	}
	if len(store.objects[key]) == 0 {
		t.Fatal("no object stored")
	}
}

func TestArchiveSkipsEmptyResult(t *testing.T) {
	store := &memoryStore{}
	archiver := New(store, quietLogger(), Options{})

	key, err := archiver.Archive(context.Background(), "SalesDS", "q-1", Result{}, time.Now())
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if key != "" {
		t.Fatalf("key = %q", key)
	}
	if len(store.objects) != 0 {
		t.Fatal("empty result should store nothing")
	}
}

func TestNilArchiverIsNoOp(t *testing.T) {
	var archiver *Archiver
	key, err := archiver.Archive(context.Background(), "SalesDS", "q-1", sampleResult(), time.Now())
	if err != nil || key != "" {
		t.Fatalf("Archive() = %q, %v", key, err)
	}
}

func TestEncodeResultCarriesRowPayloads(t *testing.T) {
	data, err := EncodeResult(sampleResult(), time.Now())
	if err != nil {
		t.Fatalf("EncodeResult() error = %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty parquet output")
	}
	// Parquet string pages stay uncompressed enough for a substring check.
	if !strings.Contains(string(data), "East") {
		t.Fatal("payload missing from parquet output")
	}
}

func TestVerifyCountsArchivedRows(t *testing.T) {
	store := &memoryStore{}
	archiver := New(store, quietLogger(), Options{})
	executedAt := time.Date(2026, time.February, 19, 10, 0, 0, 0, time.UTC)

	key, err := archiver.Archive(context.Background(), "SalesDS", "q-2", sampleResult(), executedAt)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	count, err := Verify(context.Background(), store, key)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d", count)
	}
}

func TestArchiveVerifyWritesAcceptsIntactObject(t *testing.T) {
	store := &memoryStore{}
	archiver := New(store, quietLogger(), Options{VerifyWrites: true})
	executedAt := time.Date(2026, time.February, 19, 10, 0, 0, 0, time.UTC)

	key, err := archiver.Archive(context.Background(), "SalesDS", "q-3", sampleResult(), executedAt)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if key == "" {
		t.Fatal("no key returned")
	}
}

// truncatingStore drops the tail of every object, simulating a partial upload.
type truncatingStore struct {
	memoryStore
}

func (s *truncatingStore) Put(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	info, err := s.memoryStore.Put(ctx, key, body, size, opts)
	if err != nil {
		return info, err
	}
	s.objects[key] = s.objects[key][:len(s.objects[key])/2]
	return info, nil
}

func TestArchiveVerifyWritesRejectsCorruptObject(t *testing.T) {
	store := &truncatingStore{}
	archiver := New(store, quietLogger(), Options{VerifyWrites: true})

	_, err := archiver.Archive(context.Background(), "SalesDS", "q-4", sampleResult(), time.Now())
	if err == nil {
		t.Fatal("expected verification failure for truncated archive")
	}
	if !strings.Contains(err.Error(), "verify archive") {
		t.Fatalf("error = %v", err)
	}
}

func TestVerifyMissingObject(t *testing.T) {
	if _, err := Verify(context.Background(), &memoryStore{}, "archives/none.parquet"); err == nil {
		t.Fatal("expected error for missing archive")
	}
}
