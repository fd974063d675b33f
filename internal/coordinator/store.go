// Package coordinator is an in-memory double of the build server the
// relay reports to. It accepts protocol lines, keeps per-build logs,
// and serves them back for inspection. The mock server binary and the
// end-to-end tests run on top of it.
package coordinator

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ferry-ci/ferry/internal/servicemsg"
)

var ErrFinished = errors.New("build already finished")

type Problem struct {
	Description string
	Identity    string
}

// BuildLog is a point-in-time copy of one build's accumulated state.
type BuildLog struct {
	BuildID  string
	Output   string
	Warnings []string
	Problems []Problem
	Lines    int
	Finished bool
}

type Store struct {
	mu     sync.Mutex
	builds map[string]*BuildLog
}

func NewStore() *Store {
	return &Store{builds: map[string]*BuildLog{}}
}

// Append records one parsed protocol line. Message text lands in the
// build's output; warnings and problems are additionally tracked on
// their own. Appending to a finished build fails with ErrFinished.
func (s *Store) Append(buildID string, m servicemsg.Message) error {
	buildID = strings.TrimSpace(buildID)
	if buildID == "" {
		return errors.New("build id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(buildID)
	if b.Finished {
		return ErrFinished
	}

	switch m.Type {
	case servicemsg.TypeMessage:
		text, _ := m.Attr(servicemsg.AttrText)
		b.Output += text
		if status, ok := m.Attr(servicemsg.AttrStatus); ok && status == servicemsg.StatusWarning {
			b.Warnings = append(b.Warnings, text)
		}
	case servicemsg.TypeBuildProblem:
		desc, _ := m.Attr(servicemsg.AttrDescription)
		identity, _ := m.Attr(servicemsg.AttrIdentity)
		b.Problems = append(b.Problems, Problem{Description: desc, Identity: identity})
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	b.Lines++
	return nil
}

// Finish marks the build complete. Finishing twice is allowed; a build
// that never logged anything may still finish.
func (s *Store) Finish(buildID string) error {
	buildID = strings.TrimSpace(buildID)
	if buildID == "" {
		return errors.New("build id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(buildID).Finished = true
	return nil
}

// Snapshot returns a copy of the build's state. The second result is
// false when the build was never seen.
func (s *Store) Snapshot(buildID string) (BuildLog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builds[buildID]
	if !ok {
		return BuildLog{}, false
	}
	out := *b
	out.Warnings = append([]string(nil), b.Warnings...)
	out.Problems = append([]Problem(nil), b.Problems...)
	return out, true
}

func (s *Store) get(buildID string) *BuildLog {
	b, ok := s.builds[buildID]
	if !ok {
		b = &BuildLog{BuildID: buildID}
		s.builds[buildID] = b
	}
	return b
}
