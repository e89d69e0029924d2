package intentlog

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clusterfs/snaptool/pkg/log"
	"github.com/rs/zerolog"
)

// Operation is the cluster-side action an intent drives.
type Operation string

const (
	OpUpload       Operation = "upload"
	OpUploadRemote Operation = "upload-remote"
	OpDelete       Operation = "delete"
)

// Status is the lifecycle state of an intent. A uid's trajectory is a
// prefix of queued -> in-progress -> {complete | error}; an error may be
// followed by another in-progress (retry).
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in-progress"
	StatusError      Status = "error"
	StatusComplete   Status = "complete"
)

const (
	// rotateSize is the file size beyond which Rotate moves the current
	// log aside; one prior generation is kept.
	rotateSize = 1024 * 1024

	timestampLayout = "20060102.150405.000000"
)

// Record is one intent log line: eight colon-delimited fields.
type Record struct {
	UID        string
	Filesystem string
	Snapshot   string
	Op         Operation
	Status     Status
	Timestamp  time.Time
	Locator    string
	Bucket     string
}

func (r Record) String() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s:%s:%s",
		r.UID, r.Filesystem, r.Snapshot, r.Op, r.Status,
		r.Timestamp.Format(timestampLayout), r.Locator, r.Bucket)
}

// ParseRecord reads one log line back into a record. The legacy
// five-field shape (no timestamp, locator or bucket) is tolerated; its
// timestamp is recovered from the snapshot name's numeric tail when
// present.
func ParseRecord(line string) (Record, error) {
	fields := strings.Split(strings.TrimRight(line, "\n"), ":")
	switch len(fields) {
	case 8:
		ts, err := time.ParseInLocation(timestampLayout, fields[5], time.Local)
		if err != nil {
			return Record{}, fmt.Errorf("bad timestamp %q: %w", fields[5], err)
		}
		return Record{
			UID: fields[0], Filesystem: fields[1], Snapshot: fields[2],
			Op: Operation(fields[3]), Status: Status(fields[4]),
			Timestamp: ts, Locator: fields[6], Bucket: fields[7],
		}, nil
	case 5:
		rec := Record{
			UID: fields[0], Filesystem: fields[1], Snapshot: fields[2],
			Op: Operation(fields[3]), Status: Status(fields[4]),
		}
		if i := strings.LastIndex(rec.Snapshot, "."); i >= 0 {
			if ts, err := time.ParseInLocation("0601021504", rec.Snapshot[i+1:], time.Local); err == nil {
				rec.Timestamp = ts
			}
		}
		return rec, nil
	}
	return Record{}, fmt.Errorf("bad field count %d", len(fields))
}

// Log is the durable, append-only intent log. Appends are serialised
// under a writer lock and hit the disk before returning; rotation keeps
// a single prior generation.
type Log struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	logger zerolog.Logger
}

// Open creates (or reopens) the intent log under the logs directory.
func Open(filename string) (*Log, error) {
	path, err := log.EnsureLogDirFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create intent log: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o666)
	if err != nil {
		return nil, fmt.Errorf("failed to open intent log: %w", err)
	}
	return &Log{path: path, f: f, logger: log.WithComponent("intentlog")}, nil
}

// Path returns the on-disk location of the current generation.
func (l *Log) Path() string {
	return l.path
}

// Append writes one record with a trailing newline and syncs it.
func (l *Log) Append(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.WriteString(rec.String() + "\n"); err != nil {
		return fmt.Errorf("failed to append intent record: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync intent log: %w", err)
	}
	return nil
}

// Rotate moves the log aside once it exceeds 1 MiB, replacing any prior
// rotation.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, err := l.f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat intent log: %w", err)
	}
	if st.Size() <= rotateSize {
		return nil
	}
	l.logger.Info().Int64("size", st.Size()).Msg("Rotating intent log")
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("failed to close intent log for rotation: %w", err)
	}
	_ = os.Remove(l.path + ".1")
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		return fmt.Errorf("failed to rotate intent log: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o666)
	if err != nil {
		return fmt.Errorf("failed to reopen intent log: %w", err)
	}
	l.f = f
	return nil
}

// Close releases the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// records reads the prior generation then the current one, skipping
// missing files and malformed lines.
func (l *Log) records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for _, path := range []string{l.path + ".1", l.path} {
		f, err := os.Open(path)
		if err != nil {
			l.logger.Info().Str("file", path).Msg("Intent log file not found")
			continue
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			rec, err := ParseRecord(line)
			if err != nil {
				l.logger.Error().Err(err).Str("line", line).Msg("Skipping malformed intent record")
				continue
			}
			out = append(out, rec)
		}
		if err := scanner.Err(); err != nil {
			l.logger.Error().Err(err).Str("file", path).Msg("Error reading intent log")
		}
		_ = f.Close()
	}
	return out
}

// Outstanding reduces the log to the intents that still need work,
// ordered in-progress, then error, then queued (file order within each
// class).
//
// A uid whose first record is already complete has lost its history to
// rotation; it is retired outright so stray later records cannot
// resurrect it. Otherwise a complete record removes the uid.
func (l *Log) Outstanding() []Record {
	latest := make(map[string]*Record)
	order := make(map[string]int)
	retired := make(map[string]bool)
	n := 0
	for _, rec := range l.records() {
		rec := rec
		if retired[rec.UID] {
			continue
		}
		cur, seen := latest[rec.UID]
		switch {
		case !seen:
			if rec.Status == StatusComplete {
				retired[rec.UID] = true
				continue
			}
			latest[rec.UID] = &rec
			order[rec.UID] = n
			n++
		case rec.Status == StatusComplete:
			delete(latest, rec.UID)
			delete(order, rec.UID)
		default:
			cur.Status = rec.Status
			if rec.Locator != "" {
				cur.Locator = rec.Locator
			}
			if rec.Bucket != "" {
				cur.Bucket = rec.Bucket
			}
		}
	}

	var out []Record
	for _, status := range []Status{StatusInProgress, StatusError, StatusQueued} {
		var batch []Record
		for _, rec := range latest {
			if rec.Status == status {
				batch = append(batch, *rec)
			}
		}
		sort.Slice(batch, func(i, j int) bool {
			return order[batch[i].UID] < order[batch[j].UID]
		})
		out = append(out, batch...)
	}
	l.logger.Info().Int("outstanding", len(out)).Msg("Reduced intent log")
	return out
}
