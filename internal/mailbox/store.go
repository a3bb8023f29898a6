package mailbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Iron-Ham/taskmesh/internal/transport"
)

const (
	// indexFile is the append-only JSONL file within each mailbox directory.
	indexFile = "index.jsonl"

	// BroadcastRecipient is the mailbox that every non-coordinator
	// subscriber also reads.
	BroadcastRecipient = "broadcast"
)

// Store persists envelopes as JSONL, one append-only index per recipient.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store rooted at dir. Directories are created lazily on
// first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Append writes env to the recipient's index.
func (s *Store) Append(env transport.Envelope) error {
	if env.From == "" {
		return fmt.Errorf("mailbox: envelope From field is required")
	}
	if env.To == "" {
		return fmt.Errorf("mailbox: envelope To field is required")
	}
	if env.Kind == "" {
		return fmt.Errorf("mailbox: envelope Kind field is required")
	}

	dir := s.dirFor(env.To)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mailbox: create directory: %w", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("mailbox: marshal envelope: %w", err)
	}
	data = append(data, '\n')

	return s.atomicAppend(filepath.Join(dir, indexFile), data)
}

// Read returns every envelope addressed to recipient.
func (s *Store) Read(recipient string) ([]transport.Envelope, error) {
	envs, _, err := s.ReadFrom(recipient, 0)
	return envs, err
}

// ReadFrom returns the envelopes stored after byte offset and the offset to
// resume from. A partially written trailing line is left for the next read.
// A missing index reads as empty.
func (s *Store) ReadFrom(recipient string, offset int64) ([]transport.Envelope, int64, error) {
	if recipient == "" {
		return nil, offset, fmt.Errorf("mailbox: recipient is required")
	}
	path := filepath.Join(s.dirFor(recipient), indexFile)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("mailbox: open index: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("mailbox: seek index: %w", err)
	}

	var envs []transport.Envelope
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return envs, offset, fmt.Errorf("mailbox: read index: %w", err)
		}
		offset += int64(len(line))
		if len(line) <= 1 {
			continue
		}
		var env transport.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			// Skip malformed lines rather than failing entirely
			continue
		}
		envs = append(envs, env)
	}
	return envs, offset, nil
}

// Size returns the current length of the recipient's index, or zero if it
// does not exist.
func (s *Store) Size(recipient string) int64 {
	info, err := os.Stat(filepath.Join(s.dirFor(recipient), indexFile))
	if err != nil {
		return 0
	}
	return info.Size()
}

// Recipients lists the mailboxes that have an index on disk.
func (s *Store) Recipients() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mailbox: list recipients: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, e.Name(), indexFile)); err == nil {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (s *Store) dirFor(recipient string) string {
	return filepath.Join(s.dir, recipient)
}

// atomicAppend appends data under a mutex. Each JSONL line is written with a
// single O_APPEND write.
func (s *Store) atomicAppend(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("mailbox: open index for append: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("mailbox: append to index: %w", err)
	}

	return f.Close()
}
