package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/sirupsen/logrus"
)

// FallbackName is the baseline file written to the working directory when
// the configured location is not writable.
const FallbackName = ".kiteexec_integrity.json"

type Options struct {
	ConfigPath   string
	BaselinePath string
	// FallbackDir defaults to the working directory.
	FallbackDir string
	DryRun      bool
	// MissingCredentials names live credentials that are not set.
	MissingCredentials []string
	Now                func() time.Time
}

type Report struct {
	OK           bool      `json:"ok"`
	Digest       string    `json:"digest"`
	Issues       []string  `json:"issues"`
	BaselinePath string    `json:"baseline_path,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`

	drift bool
}

// Err returns ErrConfigDrift when the config changed since the last baseline.
func (r Report) Err() error {
	if !r.drift {
		return nil
	}
	return fmt.Errorf("%w: %s", models.ErrConfigDrift, strings.Join(r.Issues, "; "))
}

type baseline struct {
	CheckedAt  time.Time `json:"checked_at"`
	ConfigHash string    `json:"config_hash"`
}

// Check compares the config file's digest with the recorded baseline, flags
// missing live credentials, then records the current digest as the next
// baseline. Problems are reported, never returned as errors; the caller
// decides whether to act on them.
func Check(opts Options, logger *logrus.Logger) Report {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	report := Report{OK: true, CheckedAt: opts.Now().UTC()}

	digest, err := fileDigest(opts.ConfigPath)
	if err != nil {
		report.OK = false
		report.Issues = append(report.Issues, fmt.Sprintf("Cannot read config file: %v", err))
	}
	report.Digest = digest

	if prev, ok := loadBaseline(opts.BaselinePath, opts.FallbackDir); ok && prev.ConfigHash != digest {
		report.OK = false
		report.drift = true
		report.Issues = append(report.Issues, "Config file changed since last recorded run")
	}

	if !opts.DryRun && len(opts.MissingCredentials) > 0 {
		report.OK = false
		report.Issues = append(report.Issues, "Missing live credential(s): "+strings.Join(opts.MissingCredentials, ", "))
	}

	location, err := writeBaseline(opts, baseline{CheckedAt: report.CheckedAt, ConfigHash: digest})
	switch {
	case err != nil:
		report.OK = false
		report.Issues = append(report.Issues, fmt.Sprintf("Failed to persist integrity baseline: %v", err))
	case location != opts.BaselinePath:
		report.Issues = append(report.Issues, "Integrity baseline stored at "+location)
	}
	report.BaselinePath = location

	entry := logger.WithFields(logrus.Fields{
		"digest":   report.Digest,
		"baseline": report.BaselinePath,
	})
	if report.OK {
		entry.Debug("Integrity check passed")
	} else {
		entry.WithField("issues", report.Issues).Warn("Integrity check reported issues")
	}
	return report
}

// fileDigest is the hex sha256 of path, or "" when there is no config file.
func fileDigest(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func fallbackPath(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, FallbackName)
}

func loadBaseline(primary, fallbackDir string) (baseline, bool) {
	for _, path := range []string{primary, fallbackPath(fallbackDir)} {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var b baseline
		if err := json.Unmarshal(data, &b); err != nil {
			continue
		}
		return b, true
	}
	return baseline{}, false
}

func writeBaseline(opts Options, b baseline) (string, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", err
	}

	var primaryErr error
	if opts.BaselinePath != "" {
		if primaryErr = os.MkdirAll(filepath.Dir(opts.BaselinePath), 0o755); primaryErr == nil {
			if primaryErr = os.WriteFile(opts.BaselinePath, data, 0o600); primaryErr == nil {
				return opts.BaselinePath, nil
			}
		}
	}

	fallback := fallbackPath(opts.FallbackDir)
	if err := os.WriteFile(fallback, data, 0o600); err != nil {
		if primaryErr != nil {
			return "", fmt.Errorf("%v; fallback error: %w", primaryErr, err)
		}
		return "", err
	}
	return fallback, nil
}
