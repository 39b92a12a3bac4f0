package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rcourtman/snowctl/internal/fsutil"
)

// FileSink appends one JSON object per line. Writes are serialised in-process
// by a mutex and across processes by flock on the open file.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink returns a sink appending to path. Nothing is created until the
// first record.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (f *FileSink) Name() string { return "file" }

// Path returns the log location.
func (f *FileSink) Path() string { return f.path }

func (f *FileSink) Log(rec Record) error {
	if rec.ID == "" {
		rec.ID = newID()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), fsutil.PrivateDir); err != nil {
		return fmt.Errorf("create audit directory: %w", err)
	}
	file, err := os.OpenFile(f.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, fsutil.PrivateFile)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	if err := file.Chmod(fsutil.PrivateFile); err != nil {
		return fmt.Errorf("secure audit log: %w", err)
	}
	unlock, err := fsutil.LockFD(file)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := file.Write(line); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

func (f *FileSink) Close() error { return nil }

// ReadFile returns the records in an NDJSON audit log matching filter, newest
// first. Lines that do not decode are skipped. A missing file yields no
// records.
func ReadFile(path string, filter Filter) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	records := []Record{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if filter.matches(rec) {
			records = append(records, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records, nil
}
