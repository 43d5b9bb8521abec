package envsync

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"

	"github.com/systmms/asr/internal/logging"
)

// Marker precedes every variable appended by the profile writer
const Marker = "# Auto-updated by secret rotator"

// DefaultProfiles are the shell startup files updated, when present
var DefaultProfiles = []string{".bashrc", ".bash_profile", ".zshrc", ".profile"}

// ProfileWriter sets variables in the shell profiles found in a home
// directory. Files that do not exist are never created.
type ProfileWriter struct {
	home   string
	files  []string
	logger *logging.Logger
}

// NewProfileWriter creates a writer for the current user's home directory
func NewProfileWriter(logger *logging.Logger) (*ProfileWriter, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.Wrap(err, "determine home directory")
	}
	return NewProfileWriterForHome(home, logger), nil
}

// NewProfileWriterForHome creates a writer for an explicit home directory
func NewProfileWriterForHome(home string, logger *logging.Logger, files ...string) *ProfileWriter {
	if logger == nil {
		logger = logging.NewNop()
	}
	if len(files) == 0 {
		files = DefaultProfiles
	}
	return &ProfileWriter{home: home, files: files, logger: logger}
}

// Set replaces every existing `export NAME=` or `NAME=` line in each
// profile, or appends the marker comment and an export line when the
// profile has none
func (w *ProfileWriter) Set(name, value string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	var (
		result  *multierror.Error
		updated int
	)
	for _, file := range w.files {
		path := filepath.Join(w.home, file)
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}

		content, err := os.ReadFile(path)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		next, replaced := setVar(string(content), name, value)
		if err := os.WriteFile(path, []byte(next), info.Mode().Perm()); err != nil {
			w.logger.Warn("Failed to update %s: %v", file, err)
			result = multierror.Append(result, errors.Wrapf(err, "write %s", file))
			continue
		}
		if replaced {
			w.logger.Info("Updated %s in %s", name, file)
		} else {
			w.logger.Info("Added %s to %s", name, file)
		}
		updated++
	}

	if updated == 0 && result == nil {
		w.logger.Warn("No shell config files found in %s", w.home)
	}
	return result.ErrorOrNil()
}

// Unset removes the variable and its marker comment from every profile
func (w *ProfileWriter) Unset(name string) error {
	var result *multierror.Error
	for _, file := range w.files {
		path := filepath.Join(w.home, file)
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		next := unsetVar(string(content), name)
		if next == string(content) {
			continue
		}
		if err := os.WriteFile(path, []byte(next), info.Mode().Perm()); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "write %s", file))
		}
	}
	return result.ErrorOrNil()
}

func isAssignment(line, name string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "export "+name+"=") || strings.HasPrefix(trimmed, name+"=")
}

func exportLine(name, value string) string {
	return fmt.Sprintf("export %s=\"%s\"", name, quote(value))
}

// quote escapes the characters that keep their meaning inside double quotes
func quote(value string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")
	return r.Replace(value)
}

func setVar(content, name, value string) (string, bool) {
	lines := splitLines(content)
	replaced := false
	for i, line := range lines {
		if isAssignment(line, name) {
			lines[i] = exportLine(name, value)
			replaced = true
		}
	}
	if replaced {
		return joinLines(lines), true
	}

	var b strings.Builder
	b.WriteString(content)
	if content != "" && !strings.HasSuffix(content, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("\n" + Marker + "\n" + exportLine(name, value) + "\n")
	return b.String(), false
}

func unsetVar(content, name string) string {
	lines := splitLines(content)
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		if isAssignment(line, name) {
			continue
		}
		if strings.TrimSpace(line) == Marker && i+1 < len(lines) && isAssignment(lines[i+1], name) {
			continue
		}
		out = append(out, line)
	}
	return joinLines(out)
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(content, "\n"), "\n")
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
