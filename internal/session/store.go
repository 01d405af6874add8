package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// JSONL record types for the streaming session format.
const (
	RecordTypeHeader   = "header"
	RecordTypeTurn     = "turn"
	RecordTypeDecision = "decision"
	RecordTypeFooter   = "footer"
)

// JSONLRecord is a wrapper for JSONL lines with type discrimination.
type JSONLRecord struct {
	RecordType string `json:"_type"`

	// Header fields (when _type == "header")
	ID        string    `json:"id,omitempty"`
	Goal      string    `json:"goal,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// Body records
	Turn     *Turn     `json:"turn,omitempty"`
	Decision *Decision `json:"decision,omitempty"`

	// Footer fields (when _type == "footer")
	Status            string    `json:"status,omitempty"`
	Result            string    `json:"result,omitempty"`
	Error             string    `json:"error,omitempty"`
	TotalInputTokens  int       `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int       `json:"total_output_tokens,omitempty"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
}

// FileStore implements Store using one JSONL file per session.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-based store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

// Save persists a session to disk in JSONL format.
func (s *FileStore) Save(sess *Session) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	// Write to a temporary sibling and rename over the live file, so a crash
	// mid-write leaves the previous save intact.
	tmp, err := os.CreateTemp(s.dir, sess.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := writeLine(tmp, JSONLRecord{
		RecordType: RecordTypeHeader,
		ID:         sess.ID,
		Goal:       sess.Goal,
		CreatedAt:  sess.CreatedAt,
	}); err != nil {
		return err
	}

	for i := range sess.Turns {
		turn := sess.Turns[i]
		if err := writeLine(tmp, JSONLRecord{RecordType: RecordTypeTurn, Turn: &turn}); err != nil {
			return err
		}
	}
	for i := range sess.Decisions {
		dec := sess.Decisions[i]
		if err := writeLine(tmp, JSONLRecord{RecordType: RecordTypeDecision, Decision: &dec}); err != nil {
			return err
		}
	}

	if err := writeLine(tmp, JSONLRecord{
		RecordType:        RecordTypeFooter,
		Status:            sess.Status,
		Result:            sess.Result,
		Error:             sess.Error,
		TotalInputTokens:  sess.TotalInputTokens,
		TotalOutputTokens: sess.TotalOutputTokens,
		UpdatedAt:         sess.UpdatedAt,
	}); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush session file: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(s.dir, sess.ID+".jsonl"))
}

func writeLine(f *os.File, record JSONLRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	if _, err := f.WriteString("\n"); err != nil {
		return err
	}
	return nil
}

// Load reads a session from disk.
func (s *FileStore) Load(id string) (*Session, error) {
	path := filepath.Join(s.dir, id+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sess := &Session{}

	// bufio.Reader rather than Scanner: turn records can exceed line limits.
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				if len(bytes.TrimSpace(line)) > 0 {
					if parseErr := parseLine(line, sess); parseErr != nil {
						return nil, parseErr
					}
				}
				break
			}
			return nil, fmt.Errorf("error reading session file: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if err := parseLine(line, sess); err != nil {
			return nil, err
		}
	}

	sess.restoreSeq()
	return sess, nil
}

func parseLine(line []byte, sess *Session) error {
	var record JSONLRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return fmt.Errorf("failed to parse session record: %w", err)
	}

	switch record.RecordType {
	case RecordTypeHeader:
		sess.ID = record.ID
		sess.Goal = record.Goal
		sess.CreatedAt = record.CreatedAt
	case RecordTypeTurn:
		if record.Turn != nil {
			sess.Turns = append(sess.Turns, *record.Turn)
		}
	case RecordTypeDecision:
		if record.Decision != nil {
			sess.Decisions = append(sess.Decisions, *record.Decision)
		}
	case RecordTypeFooter:
		sess.Status = record.Status
		sess.Result = record.Result
		sess.Error = record.Error
		sess.TotalInputTokens = record.TotalInputTokens
		sess.TotalOutputTokens = record.TotalOutputTokens
		sess.UpdatedAt = record.UpdatedAt
	}
	return nil
}

// List returns the IDs of all stored sessions.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".jsonl"))
	}
	return ids, nil
}
