package persist

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dreamware/chatring/internal/directory"
)

// FileStore implements Store as a line-oriented savefile.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store backed by the file at path. The file is
// created on the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the savefile. A missing or empty file yields no records.
func (f *FileStore) Load() ([]directory.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read savefile: %w", err)
	}
	return Decode(bytes.NewReader(data))
}

// Save writes records to a temporary file and renames it over the
// savefile, so a crash mid-write leaves the previous state intact.
func (f *FileStore) Save(records []directory.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var buf bytes.Buffer
	if err := Encode(&buf, records); err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create savefile: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write savefile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close savefile: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace savefile: %w", err)
	}
	return nil
}

// Close is a no-op; the file is only open during Load and Save.
func (f *FileStore) Close() error { return nil }

// Encode writes records in savefile format.
func Encode(w io.Writer, records []directory.Record) error {
	bw := bufio.NewWriter(w)
	for _, r := range records {
		if r.Username == "" || strings.ContainsAny(r.Username, ",\n") {
			return fmt.Errorf("persist: invalid username %q", r.Username)
		}
		fmt.Fprintf(bw, "%s\n%s\n", r.Username, strings.Join(r.Subscribers, ","))
	}
	bw.WriteString("\n")
	return bw.Flush()
}

// Decode parses savefile content. Reading stops at the blank line that
// follows the last user; a file that ends without it is accepted.
// Empty entries in a subscriber list (a trailing comma) are ignored.
func Decode(r io.Reader) ([]directory.Record, error) {
	sc := bufio.NewScanner(r)
	var out []directory.Record
	for sc.Scan() {
		name := strings.TrimRight(sc.Text(), "\r")
		if name == "" {
			break
		}
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return nil, fmt.Errorf("read savefile: %w", err)
			}
			return nil, fmt.Errorf("%w: no subscriber line for %q", ErrCorrupt, name)
		}
		rec := directory.Record{Username: name}
		for _, sub := range strings.Split(strings.TrimRight(sc.Text(), "\r"), ",") {
			if sub = strings.TrimSpace(sub); sub != "" {
				rec.Subscribers = append(rec.Subscribers, sub)
			}
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read savefile: %w", err)
	}
	return out, nil
}
