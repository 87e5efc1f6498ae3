package persist

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/dreamware/chatring/internal/directory"
	"github.com/dreamware/chatring/internal/wire"
)

func sampleRecords() []directory.Record {
	return []directory.Record{
		{Username: "@alice", Subscribers: []string{"@bob", "@carol"}},
		{Username: "@bob"},
		{Username: "@carol", Subscribers: []string{"@alice"}},
	}
}

// TestStores runs the same contract against every backend.
func TestStores(t *testing.T) {
	backends := map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			return NewFileStore(filepath.Join(t.TempDir(), ".savefile.0"))
		},
		"bolt": func(t *testing.T) Store {
			s, err := OpenBolt(filepath.Join(t.TempDir(), "chat.db"))
			if err != nil {
				t.Fatalf("OpenBolt: %v", err)
			}
			return s
		},
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			t.Run("empty store loads nothing", func(t *testing.T) {
				s := open(t)
				defer s.Close()

				recs, err := s.Load()
				if err != nil {
					t.Fatalf("Load: %v", err)
				}
				if len(recs) != 0 {
					t.Errorf("Expected no records, got %d", len(recs))
				}
			})

			t.Run("save then load", func(t *testing.T) {
				s := open(t)
				defer s.Close()

				if err := s.Save(sampleRecords()); err != nil {
					t.Fatalf("Save: %v", err)
				}
				got, err := s.Load()
				if err != nil {
					t.Fatalf("Load: %v", err)
				}
				want := sampleRecords()
				if len(got) != len(want) {
					t.Fatalf("Expected %d records, got %d", len(want), len(got))
				}
				for i := range want {
					if got[i].Username != want[i].Username {
						t.Errorf("record %d: username %q, want %q", i, got[i].Username, want[i].Username)
					}
					if len(got[i].Subscribers) != len(want[i].Subscribers) {
						t.Errorf("record %d: subscribers %v, want %v", i, got[i].Subscribers, want[i].Subscribers)
					}
				}
			})

			t.Run("save replaces previous state", func(t *testing.T) {
				s := open(t)
				defer s.Close()

				if err := s.Save(sampleRecords()); err != nil {
					t.Fatalf("Save: %v", err)
				}
				if err := s.Save(sampleRecords()[:1]); err != nil {
					t.Fatalf("Save: %v", err)
				}
				got, err := s.Load()
				if err != nil {
					t.Fatalf("Load: %v", err)
				}
				if len(got) != 1 || got[0].Username != "@alice" {
					t.Errorf("Expected only @alice, got %+v", got)
				}
			})
		})
	}
}

func TestSaveDropsVolatileState(t *testing.T) {
	s := NewMemoryStore()
	rec := directory.Record{
		Username:    "@alice",
		Subscribers: []string{"@bob"},
		Sessions:    []string{"h1"},
		Pending:     []wire.Notification{{Message: "x"}},
	}
	if err := s.Save([]directory.Record{rec}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _ := s.Load()
	if len(got[0].Sessions) != 0 || len(got[0].Pending) != 0 {
		t.Errorf("Sessions and pending must not be persisted: %+v", got[0])
	}
	if s.Saves() != 1 {
		t.Errorf("Expected 1 save, got %d", s.Saves())
	}
}

func TestEncodeFormat(t *testing.T) {
	var b strings.Builder
	if err := Encode(&b, sampleRecords()); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := "@alice\n@bob,@carol\n@bob\n\n@carol\n@alice\n\n"
	if b.String() != want {
		t.Errorf("Encode = %q, want %q", b.String(), want)
	}
}

func TestEncodeRejectsBadUsername(t *testing.T) {
	var b strings.Builder
	err := Encode(&b, []directory.Record{{Username: "a,b"}})
	if err == nil {
		t.Error("Expected error for username containing a comma")
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []directory.Record
	}{
		{
			name:  "empty",
			input: "",
			want:  nil,
		},
		{
			name:  "terminator only",
			input: "\n",
			want:  nil,
		},
		{
			name:  "user without subscribers keeps its empty line",
			input: "@bob\n\n@carol\n@alice\n\n",
			want: []directory.Record{
				{Username: "@bob"},
				{Username: "@carol", Subscribers: []string{"@alice"}},
			},
		},
		{
			name:  "trailing comma",
			input: "@alice\n@bob,@carol,\n\n",
			want:  []directory.Record{{Username: "@alice", Subscribers: []string{"@bob", "@carol"}}},
		},
		{
			name:  "stops at terminator",
			input: "@alice\n@bob\n\n@ignored\n\n",
			want:  []directory.Record{{Username: "@alice", Subscribers: []string{"@bob"}}},
		},
		{
			name:  "missing terminator",
			input: "@alice\n@bob\n",
			want:  []directory.Record{{Username: "@alice", Subscribers: []string{"@bob"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Decode = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode(strings.NewReader("@alice"))
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("Expected ErrCorrupt, got %v", err)
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(filepath.Join(dir, ".savefile.3"))
	for i := 0; i < 3; i++ {
		if err := s.Save(sampleRecords()); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the savefile, found %d entries", len(entries))
	}
}

func TestFileStoreConcurrentSaves(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), ".savefile.0"))
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Save(sampleRecords()); err != nil {
				t.Errorf("Save: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Expected 3 records, got %d", len(got))
	}
}

func TestOpenAndPath(t *testing.T) {
	if got := Path(".savefile", 2); got != ".savefile.2" {
		t.Errorf("Path = %q", got)
	}
	if _, err := Open("s3", "x"); err == nil {
		t.Error("Expected error for unknown backend")
	}
	s, err := Open("file", filepath.Join(t.TempDir(), "f"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.(*FileStore); !ok {
		t.Errorf("Expected *FileStore, got %T", s)
	}
}
