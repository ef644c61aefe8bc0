package replay_test

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spagate/spagate/internal/replay"
	"github.com/spagate/spagate/pkg/spa"
)

func openStore(t *testing.T) *replay.BoltStore {
	t.Helper()
	s, err := replay.Open(filepath.Join(t.TempDir(), "digests.db"))
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertContains(t *testing.T) {
	s := openStore(t)

	d := spa.RawDigest([]byte("ciphertext one"))

	seen, err := s.Contains(d)
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatal("fresh digest reported as seen")
	}

	if err := s.Insert(d); err != nil {
		t.Fatalf("Insert error = %v", err)
	}

	seen, err = s.Contains(d)
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Error("inserted digest not found")
	}
}

func TestInsert_Duplicate(t *testing.T) {
	s := openStore(t)

	d := spa.RawDigest([]byte("ciphertext two"))
	if err := s.Insert(d); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(d); !errors.Is(err, spa.ErrReplay) {
		t.Errorf("duplicate insert: err = %v, want ErrReplay", err)
	}
}

func TestInsert_ConcurrentDuplicates(t *testing.T) {
	s := openStore(t)

	d := spa.RawDigest([]byte("ciphertext three"))
	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Insert(d)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, spa.ErrReplay) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("%d concurrent inserts succeeded, want exactly 1", wins)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digests.db")

	s, err := replay.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	d := spa.RawDigest([]byte("survives restart"))
	if err := s.Insert(d); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := replay.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	seen, err := s2.Contains(d)
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Error("digest lost across reopen")
	}
	if n, _ := s2.Count(); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestDisabled(t *testing.T) {
	var s replay.Store = replay.Disabled{}
	if err := s.Insert("anything"); err != nil {
		t.Errorf("Disabled.Insert error = %v", err)
	}
	seen, err := s.Contains("anything")
	if err != nil || seen {
		t.Error("Disabled.Contains should never match")
	}
}
