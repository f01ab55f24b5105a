package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultJournalPath is the well-known location of the switch journal.
const DefaultJournalPath = "/var/lib/dgpud/journal.jsonl"

// journalSchemaVersion is the current journal file schema.
const journalSchemaVersion = 1

// journalHeader is the first line of the JSONL file.
type journalHeader struct {
	JournalSchemaVersion int   `json:"journal_schema_version"`
	CreatedAt            int64 `json:"created_at"`
}

// Entry records one attempted mode transition for postmortem diagnosis.
type Entry struct {
	ID         string `json:"id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`
}

// ErrJournalClosed is returned when operations are attempted on a closed
// journal.
var ErrJournalClosed = errors.New("journal is closed")

// Journal is an append-only JSONL log of mode transitions.
type Journal struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	entropy io.Reader
	closed  bool
}

// OpenJournal opens or creates the journal file, writing the schema header
// into a fresh file.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}

	j := &Journal{
		path:    path,
		file:    file,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if err := j.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
	}
	return j, nil
}

func (j *Journal) writeHeader() error {
	header := journalHeader{
		JournalSchemaVersion: journalSchemaVersion,
		CreatedAt:            time.Now().Unix(),
	}
	data, err := json.Marshal(header)
	if err != nil {
		return err
	}
	_, err = j.file.Write(append(data, '\n'))
	return err
}

// NewEntryID returns a fresh ULID for a transition.
func (j *Journal) NewEntryID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), j.entropy).String()
}

// Append writes an entry and syncs it to disk.
func (j *Journal) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed || j.file == nil {
		return ErrJournalClosed
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return err
	}
	return j.file.Sync()
}

// Load reads all entries. Malformed lines are skipped; a journal damaged by
// a crash should not block diagnosis of the remaining entries.
func (j *Journal) Load() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed || j.file == nil {
		return nil, ErrJournalClosed
	}

	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", j.path, err)
	}

	var entries []Entry
	scanner := bufio.NewScanner(j.file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if lineNum == 1 {
			var header journalHeader
			if err := json.Unmarshal(line, &header); err == nil && header.JournalSchemaVersion > 0 {
				if header.JournalSchemaVersion > journalSchemaVersion {
					return nil, fmt.Errorf("unsupported journal schema %d (max %d)",
						header.JournalSchemaVersion, journalSchemaVersion)
				}
				continue
			}
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.ID != "" {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("read journal: %w", err)
	}

	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return entries, err
	}
	return entries, nil
}

// Prune rewrites the journal keeping only entries that finished after the
// cutoff. A backup of the old file is kept until the rewrite succeeds.
func (j *Journal) Prune(cutoff time.Time) (int, error) {
	entries, err := j.Load()
	if err != nil {
		return 0, err
	}

	var keep []Entry
	for _, e := range entries {
		if time.Unix(e.FinishedAt, 0).After(cutoff) {
			keep = append(keep, e)
		}
	}
	dropped := len(entries) - len(keep)
	if dropped == 0 {
		return 0, nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrJournalClosed
	}
	if err := j.file.Close(); err != nil {
		return 0, err
	}
	j.file = nil

	backup := j.path + ".bak"
	if err := os.Rename(j.path, backup); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("backup journal: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		os.Rename(backup, j.path)
		return 0, fmt.Errorf("recreate journal: %w", err)
	}
	j.file = file

	if err := j.writeHeader(); err != nil {
		return 0, err
	}
	for _, e := range keep {
		data, err := json.Marshal(e)
		if err != nil {
			return 0, err
		}
		if _, err := j.file.Write(append(data, '\n')); err != nil {
			return 0, err
		}
	}
	if err := j.file.Sync(); err != nil {
		return 0, err
	}

	os.Remove(backup)
	return dropped, nil
}

// Close releases the journal file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if j.file != nil {
		err := j.file.Close()
		j.file = nil
		return err
	}
	return nil
}
