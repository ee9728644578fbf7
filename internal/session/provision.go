package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
)

// Provisioner turns a profile id into a live session.
type Provisioner interface {
	Provision(ctx context.Context, profileID string) (collector.Session, error)
}

// Launcher starts a browser against a prepared profile directory.
type Launcher interface {
	Launch(ctx context.Context, profileDir string) (collector.Session, error)
}

const seededMarker = ".seeded"

// skippedProfileEntries are lock and crash-state files that must not be
// copied between browser instances.
var skippedProfileEntries = map[string]struct{}{
	"SingletonLock":      {},
	"SingletonCookie":    {},
	"SingletonSocket":    {},
	"LOCK":               {},
	"lockfile":           {},
	"Current Session":    {},
	"Current Tabs":       {},
	"Last Session":       {},
	"Last Tabs":          {},
	"Crashpad":           {},
	"ShaderCache":        {},
	"GrShaderCache":      {},
	"Code Cache":         {},
	"DevToolsActivePort": {},
}

// ProfileProvisioner seeds per-profile working copies from a template
// directory and launches a browser on them. Seeding happens once per profile
// directory; later runs reuse the seeded copy.
type ProfileProvisioner struct {
	TemplateDir  string
	ProfilesRoot string
	Launcher     Launcher
	Logger       *zap.Logger
	Now          func() time.Time
}

// Provision prepares the profile directory and launches a session on it. When
// a seeded profile fails to launch, one retry is made on a clean, empty
// profile before giving up with collector.ErrProvision.
func (p *ProfileProvisioner) Provision(ctx context.Context, profileID string) (collector.Session, error) {
	if p.Launcher == nil {
		return nil, fmt.Errorf("%w: launcher is not configured", collector.ErrProvision)
	}
	if strings.TrimSpace(p.ProfilesRoot) == "" {
		return nil, fmt.Errorf("%w: profiles root is not configured", collector.ErrProvision)
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(p.ProfilesRoot, profileID)
	seeded, err := p.Seed(dir)
	if err != nil {
		logger.Warn("profile seeding failed; using clean profile", zap.String("profile", profileID), zap.Error(err))
		if err := resetDir(dir); err != nil {
			return nil, fmt.Errorf("%w: reset profile %s: %w", collector.ErrProvision, profileID, err)
		}
		seeded = false
	}

	start := time.Now()
	session, err := p.Launcher.Launch(ctx, dir)
	if err == nil {
		logger.Info("session provisioned",
			zap.String("profile", profileID),
			zap.Bool("seeded", seeded),
			zap.Duration("elapsed", time.Since(start)),
		)
		return session, nil
	}
	if !seeded {
		return nil, fmt.Errorf("%w: launch profile %s: %w", collector.ErrProvision, profileID, err)
	}

	logger.Warn("seeded profile failed to launch; retrying with clean profile",
		zap.String("profile", profileID),
		zap.Error(err),
	)
	if rerr := resetDir(dir); rerr != nil {
		return nil, fmt.Errorf("%w: reset profile %s: %w", collector.ErrProvision, profileID, rerr)
	}
	session, err = p.Launcher.Launch(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: launch clean profile %s: %w", collector.ErrProvision, profileID, err)
	}
	return session, nil
}

// Seed copies the template into dir unless dir was already seeded. It reports
// whether dir now holds a seeded profile.
func (p *ProfileProvisioner) Seed(dir string) (bool, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return false, fmt.Errorf("create profile dir: %w", err)
	}
	if p.TemplateDir == "" {
		return false, nil
	}
	if _, err := os.Stat(filepath.Join(dir, seededMarker)); err == nil {
		return true, nil
	}
	info, err := os.Stat(p.TemplateDir)
	if err != nil {
		return false, fmt.Errorf("stat template: %w", err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("template %s is not a directory", p.TemplateDir)
	}
	if err := copyProfile(p.TemplateDir, dir); err != nil {
		return false, err
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	stamp := []byte(now().UTC().Format(time.RFC3339) + "\n")
	if err := os.WriteFile(filepath.Join(dir, seededMarker), stamp, 0o600); err != nil {
		return false, fmt.Errorf("write seed marker: %w", err)
	}
	return true, nil
}

func copyProfile(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("relative path: %w", err)
		}
		if rel == "." {
			return nil
		}
		if _, skip := skippedProfileEntries[d.Name()]; skip {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o750)
		case d.Type()&fs.ModeSymlink != 0:
			return nil
		default:
			return copyFile(path, target)
		}
	})
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", dst, cerr)
		}
	}()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
