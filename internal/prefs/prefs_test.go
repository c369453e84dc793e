package prefs_test

import (
	"path/filepath"
	"testing"

	"github.com/go-iscsi/initiator/internal/prefs"
	"github.com/go-iscsi/initiator/pkg/hba"
	"github.com/go-iscsi/initiator/pkg/session"
)

func sampleRecord() session.NodeRecord {
	return session.NodeRecord{
		Target:    session.Target{Name: "iqn.2016-01.com.example:target0", Alias: "example-target"},
		Portal:    hba.Portal{Address: "10.0.0.1", Port: 3260},
		AutoLogin: true,
	}
}

func TestPutGetRemove(t *testing.T) {
	s, err := prefs.New(nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	rec := sampleRecord()
	s.Put(rec)

	got, err := s.Get(rec.Target.Name, "10.0.0.1:3260")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Target.Name != rec.Target.Name {
		t.Errorf("Get() = %+v, want %+v", got, rec)
	}

	s.Remove(rec.Target.Name, "10.0.0.1:3260")
	if _, err := s.Get(rec.Target.Name, "10.0.0.1:3260"); err != prefs.ErrNotFound {
		t.Errorf("Get() after Remove error = %v, want ErrNotFound", err)
	}
}

func TestAutoLoginRecords(t *testing.T) {
	s, _ := prefs.New(nil)
	auto := sampleRecord()
	s.Put(auto)

	manual := sampleRecord()
	manual.Target.Name = "iqn.2016-01.com.example:target1"
	manual.AutoLogin = false
	s.Put(manual)

	got := s.AutoLoginRecords()
	if len(got) != 1 || got[0].Target.Name != auto.Target.Name {
		t.Errorf("AutoLoginRecords() = %+v, want only %+v", got, auto)
	}
}

func TestLockUnlockPairing(t *testing.T) {
	s, _ := prefs.New(nil)

	if err := s.Lock("conn-a"); err != nil {
		t.Fatalf("Lock(conn-a) error = %v", err)
	}
	if err := s.Lock("conn-b"); err == nil {
		t.Fatal("expected Lock(conn-b) to fail while conn-a holds the lock")
	}
	if err := s.Unlock("conn-b"); err != prefs.ErrNotLocked {
		t.Errorf("Unlock(conn-b) error = %v, want ErrNotLocked", err)
	}
	if err := s.Unlock("conn-a"); err != nil {
		t.Fatalf("Unlock(conn-a) error = %v", err)
	}
	if err := s.Lock("conn-b"); err != nil {
		t.Fatalf("Lock(conn-b) after release error = %v", err)
	}
}

func TestUnlockWithoutPriorLockDoesNotPanic(t *testing.T) {
	s, _ := prefs.New(nil)
	if err := s.Unlock("never-locked"); err != prefs.ErrNotLocked {
		t.Errorf("Unlock() error = %v, want ErrNotLocked", err)
	}
}

func TestDisconnectClientReleasesLock(t *testing.T) {
	s, _ := prefs.New(nil)
	if err := s.Lock("conn-a"); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	s.DisconnectClient("conn-a")
	if err := s.Lock("conn-b"); err != nil {
		t.Fatalf("Lock(conn-b) after disconnect error = %v", err)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prefs.json")
	fs := prefs.NewFileStore(path)

	rec := sampleRecord()
	if err := fs.Save([]session.NodeRecord{rec}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := fs.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 1 || loaded[0].Target.Name != rec.Target.Name {
		t.Errorf("Load() = %+v, want [%+v]", loaded, rec)
	}
}

func TestFileStoreLoadMissingFile(t *testing.T) {
	fs := prefs.NewFileStore(filepath.Join(t.TempDir(), "does-not-exist.json"))
	records, err := fs.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Load() on missing file = %+v, want empty", records)
	}
}

func TestStoreLoadsFromPersisterOnNew(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prefs.json")
	fs := prefs.NewFileStore(path)
	rec := sampleRecord()
	if err := fs.Save([]session.NodeRecord{rec}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	s, err := prefs.New(fs)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := s.Get(rec.Target.Name, "10.0.0.1:3260")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Target.Name != rec.Target.Name {
		t.Errorf("Get() = %+v, want %+v", got, rec)
	}
}
