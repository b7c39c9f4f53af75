package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/user/groupbot/internal/apperror"
	"github.com/user/groupbot/internal/retry"
	"github.com/user/groupbot/pkg/logger"
)

var errStillPresent = errors.New("session directory still present")

// Dir returns the credential directory of a session. The path is checked to
// stay inside the sessions root.
func (m *Manager) Dir(session string) (string, error) {
	return SessionDir(m.opts.SessionsDir, session)
}

// SessionDir joins root and a normalized session name and rejects any
// result outside root.
func SessionDir(root, session string) (string, error) {
	base, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve sessions dir: %w", err)
	}
	target := filepath.Join(base, NormalizeSession(session))
	if target == base || !strings.HasPrefix(target, base+string(filepath.Separator)) {
		return "", apperror.NewValidation("invalid session directory")
	}
	return target, nil
}

// Wipe closes a session and deletes its stored credentials so the next
// start pairs from scratch. Store rows are kept. An error of kind
// incomplete means files are left on disk and the session needs manual
// attention. The name must already be in normalized form; anything else
// is rejected rather than mapped onto another session.
func (m *Manager) Wipe(ctx context.Context, session string) error {
	if !ValidSession(session) {
		return apperror.NewValidation(fmt.Sprintf("invalid session name %q", session))
	}
	log := logger.ForSession(session)

	if err := m.Close(session); err != nil {
		log.Warn().Err(err).Msg("Close before wipe failed, continuing")
	}

	target, err := m.Dir(session)
	if err != nil {
		return err
	}

	_, err = retry.Do(ctx, m.opts.WipeRetries, m.wipeBackoff, func(ctx context.Context, attempt int) (struct{}, error) {
		if err := m.removeAll(target); err != nil {
			return struct{}{}, err
		}
		if exists(target) {
			return struct{}{}, errStillPresent
		}
		return struct{}{}, nil
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if exists(target) {
		m.forceRemove(target)
	}
	if exists(target) {
		if err == nil {
			err = errStillPresent
		}
		log.Error().Err(err).Str("path", target).Msg("Failed to wipe session")
		return apperror.NewIncomplete(
			fmt.Sprintf("credentials of session %s could not be removed; the session may be half-wiped", session), err)
	}

	m.mu.Lock()
	if s := m.slots[session]; s != nil {
		s.status = StatusDisconnected
		s.qr = ""
	}
	m.mu.Unlock()
	m.publishStatus(session, StatusDisconnected)

	log.Info().Str("path", target).Msg("Session wiped")
	return nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// forceRemove makes every entry writable and removes the tree bottom-up,
// ignoring individual failures.
func forceRemove(dir string) {
	var dirs []string
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			os.Chmod(path, 0o755)
			dirs = append(dirs, path)
			return nil
		}
		os.Chmod(path, 0o666)
		os.Remove(path)
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		os.Remove(dirs[i])
	}
}
