package store

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// Bootstrap initializes the database with default data on first run: a
// default profile, API server config, and gateway config row.
func (s *Store) Bootstrap(ctx context.Context) error {
	needs, err := s.NeedsBootstrap(ctx)
	if err != nil {
		return fmt.Errorf("store: bootstrap check: %w", err)
	}
	if !needs {
		return nil
	}

	timezone := detectTimezone()

	result, err := s.ExecContext(ctx, `
		INSERT INTO profiles (name, timezone, is_active) VALUES (?, ?, 1)
	`, "default", timezone)
	if err != nil {
		return fmt.Errorf("store: create default profile: %w", err)
	}
	profileID, err := result.LastInsertId()
	if err != nil {
		return err
	}

	if _, err := s.ExecContext(ctx, `
		INSERT INTO api_servers (profile_id, host, port) VALUES (?, '0.0.0.0', 8080)
	`, profileID); err != nil {
		return fmt.Errorf("store: create default api server: %w", err)
	}

	if _, err := s.ExecContext(ctx, `
		INSERT INTO gateway_config (profile_id) VALUES (?)
	`, profileID); err != nil {
		return fmt.Errorf("store: create default gateway config: %w", err)
	}

	return nil
}

// NeedsBootstrap reports whether the database has no profiles yet.
func (s *Store) NeedsBootstrap(ctx context.Context) (bool, error) {
	var count int
	err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&count)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// detectTimezone mirrors the teacher's OS-specific timezone detection.
func detectTimezone() string {
	switch runtime.GOOS {
	case "darwin":
		if out, err := exec.Command("systemsetup", "-gettimezone").Output(); err == nil {
			parts := strings.SplitN(string(out), ": ", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	case "linux":
		if out, err := exec.Command("timedatectl", "show", "--property=Timezone", "--value").Output(); err == nil {
			return strings.TrimSpace(string(out))
		}
		if data, err := os.ReadFile("/etc/timezone"); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	if link, err := os.Readlink("/etc/localtime"); err == nil {
		if idx := strings.Index(link, "zoneinfo/"); idx != -1 {
			return link[idx+9:]
		}
	}
	return "UTC"
}
