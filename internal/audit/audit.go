package audit

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opentalon/evolve/internal/workflow"
)

// StampLayout formats run timestamps; candidate names start with it.
const StampLayout = "2006-01-02_15-04-05"

const logFile = "run.log"

// Store lays out one directory per pipeline run under its root.
type Store struct {
	root  string
	level slog.Leveler
}

// New returns a store rooted at dir. Records below level are not written to
// run logs.
func New(dir string, level slog.Leveler) *Store {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Store{root: dir, level: level}
}

func (s *Store) Root() string { return s.root }

// Run is the audit trail of one pipeline run: the candidates it generated and
// a copy of its log.
type Run struct {
	ID    string
	Stamp string
	Dir   string

	file    *os.File
	handler slog.Handler
}

// Start creates <root>/<stamp>-<shortid>/ and opens its run.log.
func (s *Store) Start(now time.Time) (*Run, error) {
	id := uuid.NewString()
	stamp := now.Format(StampLayout)
	dir := filepath.Join(s.root, stamp+"-"+id[:8])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return &Run{
		ID:      id,
		Stamp:   stamp,
		Dir:     dir,
		file:    f,
		handler: slog.NewTextHandler(f, &slog.HandlerOptions{Level: s.level}),
	}, nil
}

// Handler writes to the run's log file.
func (r *Run) Handler() slog.Handler { return r.handler }

// LogPath is the path of the run's log file.
func (r *Run) LogPath() string { return filepath.Join(r.Dir, logFile) }

// SaveCandidate writes def as indented JSON to <dir>/<name>.json and returns
// the path.
func (r *Run) SaveCandidate(name string, def *workflow.Definition) (string, error) {
	path := filepath.Join(r.Dir, fileName(name)+".json")
	if err := os.WriteFile(path, []byte(def.JSON()), 0o644); err != nil {
		return "", fmt.Errorf("save candidate %s: %w", name, err)
	}
	return path, nil
}

func (r *Run) Close() error {
	return r.file.Close()
}

// fileName keeps generated names from escaping the run directory.
func fileName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "candidate"
	}
	return name
}
