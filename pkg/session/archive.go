package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Archiver writes transcripts of terminal sessions as JSONL: the first line is the
// session snapshot header, each following line one history message.
type Archiver struct {
	dir    string
	logger zerolog.Logger
}

// NewArchiver creates an archiver rooted at dir.
func NewArchiver(dir string, logger zerolog.Logger) (*Archiver, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &Archiver{dir: dir, logger: logger}, nil
}

func validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\\x00") {
		return fmt.Errorf("session id %q is not path-safe", id)
	}
	return nil
}

func (a *Archiver) path(id string) string {
	return filepath.Join(a.dir, id+".jsonl")
}

// Archive writes the transcript of sess. Non-terminal sessions are rejected.
func (a *Archiver) Archive(sess *Session) error {
	if err := validateSessionID(sess.ID); err != nil {
		return err
	}
	if sess.State() != StateTerminal {
		return fmt.Errorf("session %s is not terminal", sess.ID)
	}

	snap := sess.Snapshot(false)
	messages := sess.History().Messages()

	tmp := a.path(sess.ID) + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	if err := enc.Encode(snap); err != nil {
		file.Close()
		return fmt.Errorf("failed to write transcript header: %w", err)
	}
	for _, msg := range messages {
		if err := enc.Encode(msg); err != nil {
			file.Close()
			return fmt.Errorf("failed to write message %d: %w", msg.Index, err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("failed to flush transcript: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close transcript: %w", err)
	}
	if err := os.Rename(tmp, a.path(sess.ID)); err != nil {
		return fmt.Errorf("failed to finalize transcript: %w", err)
	}

	a.logger.Debug().
		Str("session_id", sess.ID).
		Int("messages", len(messages)).
		Msg("Session transcript archived")
	return nil
}

// Load reads an archived transcript back.
func (a *Archiver) Load(id string) (Snapshot, error) {
	if err := validateSessionID(id); err != nil {
		return Snapshot{}, err
	}

	file, err := os.Open(a.path(id))
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var snap Snapshot
	lineNo := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if lineNo == 0 {
			if err := json.Unmarshal(line, &snap); err != nil {
				return Snapshot{}, fmt.Errorf("invalid transcript header: %w", err)
			}
		} else {
			var msg Message
			if err := json.Unmarshal(line, &msg); err != nil {
				return Snapshot{}, fmt.Errorf("invalid transcript line %d: %w", lineNo+1, err)
			}
			snap.Messages = append(snap.Messages, msg)
		}
		lineNo++
	}
	if err := scanner.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("failed to read transcript: %w", err)
	}
	return snap, nil
}
