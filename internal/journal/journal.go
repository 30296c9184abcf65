// Package journal appends every task status change to a JSONL file next to
// the snapshot, rotating it into archive/ when it grows past a size limit.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/msageha/conductor/internal/model"
)

const (
	DefaultMaxSize = 50 * 1024 * 1024
	FileName       = "transitions.jsonl"
	ArchiveDir     = "archive"
)

type Entry struct {
	Timestamp time.Time    `json:"timestamp"`
	TaskID    string       `json:"taskId"`
	From      model.Status `json:"from"`
	To        model.Status `json:"to"`
	Reason    string       `json:"reason,omitempty"`
	Error     string       `json:"error,omitempty"`
	Checksum  string       `json:"checksum,omitempty"`
}

type Journal struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	path            string
	now             func() time.Time
	rotationCounter int
}

// Open opens or creates the journal at path.
func Open(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	j := &Journal{path: path, maxSize: maxSize, now: time.Now}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	if err := j.openFile(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) openFile() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.currentSize = stat.Size()
	return nil
}

// Record appends one transition of task from the given status.
func (j *Journal) Record(task model.Task, from model.Status) error {
	return j.Write(Entry{
		Timestamp: j.now().UTC(),
		TaskID:    task.ID,
		From:      from,
		To:        task.Status,
		Reason:    task.Reason,
		Error:     task.Error,
	})
}

func (j *Journal) Write(e Entry) error {
	e.Checksum = ""
	e.Checksum = checksum(e)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return errors.New("journal closed")
	}
	if j.currentSize+int64(len(data)) > j.maxSize && j.currentSize > 0 {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}
	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	j.currentSize += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	j.file = nil

	archiveDir := filepath.Join(filepath.Dir(j.path), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	j.rotationCounter++
	base := strings.TrimSuffix(filepath.Base(j.path), filepath.Ext(j.path))
	name := fmt.Sprintf("%s.%s.%d%s", base, j.now().UTC().Format("20060102_150405"), j.rotationCounter, filepath.Ext(j.path))
	if err := os.Rename(j.path, filepath.Join(archiveDir, name)); err != nil {
		return fmt.Errorf("archive journal: %w", err)
	}
	return j.openFile()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Sync()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}

func (j *Journal) Path() string { return j.path }

// ReadFile returns the entries in path, optionally filtered to one task.
// Malformed lines and entries whose checksum does not match are counted in
// skipped.
func ReadFile(path, taskID string) (entries []Entry, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			skipped++
			continue
		}
		want := e.Checksum
		e.Checksum = ""
		if want != "" && checksum(e) != want {
			skipped++
			continue
		}
		e.Checksum = want
		if taskID == "" || e.TaskID == taskID {
			entries = append(entries, e)
		}
	}
	if err := sc.Err(); err != nil {
		return entries, skipped, fmt.Errorf("read journal: %w", err)
	}
	return entries, skipped, nil
}

// checksum is a djb2 hash of the entry's JSON with Checksum empty.
func checksum(e Entry) string {
	e.Checksum = ""
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	var h uint64 = 5381
	for _, b := range data {
		h = (h << 5) + h + uint64(b)
	}
	return fmt.Sprintf("%x", h)
}
