package store

import (
	"errors"

	"news-pipeline/internal/models"
)

var (
	// ErrNotFound is returned when no article has the requested id.
	ErrNotFound = errors.New("article not found")
	// ErrStaleTransition means the guarded update matched no row: the article
	// left the expected stage or already holds a result for the step.
	ErrStaleTransition = errors.New("stale transition")
)

func terminalStageNames() []string {
	out := make([]string, 0, len(models.TerminalStages))
	for _, s := range models.TerminalStages {
		out = append(out, string(s))
	}
	return out
}
