// Package assets fetches install scripts over HTTPS and substitutes
// {{key}} placeholders into the files they drop onto a volume. It is
// intentionally plain-string substitution, distinct from Go's text/template,
// because the values being substituted come from operator-controlled
// deployment variables rather than a program-authored template.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kswings/hostagent/common/retry"
	"github.com/kswings/hostagent/internal/hostagent/apierr"
	"github.com/kswings/hostagent/internal/hostagent/log"
)

// InstallScript is one {uri, path} entry from a CreateRequest's
// scripts.install list.
type InstallScript struct {
	URI  string
	Path string
}

const (
	retryAttempts    = 3
	originWaitStatus = 522
	originWait       = 60 * time.Second
)

// is522Retryable classifies only the upstream-origin-timeout status as
// worth waiting out; every other non-200 fails the attempt immediately.
func is522Retryable(err error) bool {
	var statusErr *statusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.status == originWaitStatus
}

// statusError carries the HTTP status of a failed download attempt so
// is522Retryable can classify it without string matching.
type statusError struct {
	status int
}

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.status) }

// DownloadFile fetches url into dir/filename. It retries up to 3 attempts
// total; on HTTP 522 it waits 60 seconds before retrying; any other non-200
// status fails the attempt (and the whole call) immediately. A
// partially-written file from a failed attempt is removed before the next
// attempt or before returning.
func DownloadFile(ctx context.Context, url, dir, filename string) error {
	dest := filepath.Join(dir, filename)
	logger := log.WithComponent("assets")

	cfg := retry.Config{
		MaxAttempts:  retryAttempts,
		InitialDelay: originWait,
		MaxDelay:     originWait,
		ShouldRetry:  is522Retryable,
	}

	err := retry.Do(ctx, cfg, func() error {
		if attemptErr := fetchOnce(ctx, url, dest); attemptErr != nil {
			os.Remove(dest)
			return attemptErr
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Str("url", url).Str("dest", dest).Msg("download failed")
		return &apierr.DownloadFailed{URL: url, Err: err}
	}
	return nil
}

func fetchOnce(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &statusError{status: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return err
	}
	return nil
}

// DownloadInstallScripts downloads each script into dir, substituting
// {{key}} placeholders in the URI from variables before fetching. A single
// script's failure is logged and does not abort the rest of the sequence,
// since deployments favor best-effort provisioning over an all-or-nothing
// install phase.
func DownloadInstallScripts(ctx context.Context, scripts []InstallScript, dir string, variables map[string]string) {
	logger := log.WithComponent("assets")
	for _, script := range scripts {
		uri := substitute(script.URI, variables)
		if err := DownloadFile(ctx, uri, dir, script.Path); err != nil {
			logger.Warn().Err(err).Str("uri", uri).Str("path", script.Path).
				Msg("install script download failed, continuing with remaining scripts")
		}
	}
}

// ReplaceVariables walks dir and, for every regular file whose name does not
// end in ".jar", reads it as UTF-8 text, substitutes every {{key}}
// occurrence from variables, and writes it back. The .jar exclusion is
// deliberately narrow: it exists to avoid corrupting the one binary archive
// format install scripts are known to drop, not to generically detect binary
// content.
func ReplaceVariables(dir string, variables map[string]string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".jar") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		replaced := substitute(string(data), variables)
		if replaced == string(data) {
			return nil
		}
		return os.WriteFile(path, []byte(replaced), info.Mode())
	})
}

// substitute replaces every {{key}} occurrence in s with its value from
// variables. Keys with no matching variable are left untouched.
func substitute(s string, variables map[string]string) string {
	for key, value := range variables {
		s = strings.ReplaceAll(s, "{{"+key+"}}", value)
	}
	return s
}
