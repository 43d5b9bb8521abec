package backends

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"iter"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/systmms/asr/internal/logging"
	"github.com/systmms/asr/pkg/backend"
)

// MetaSuffix is appended to a secret's file name to form its metadata sidecar.
const MetaSuffix = ".meta"

// FileConfig holds file backend configuration
type FileConfig struct {
	Directory string `yaml:"directory"`
}

// FileBackend stores one plaintext file per secret below a directory, with
// one key:value line per field. Metadata lives in a <path>.meta sidecar in
// the same format.
type FileBackend struct {
	name   string
	dir    string
	logger *logging.Logger
}

// NewFileBackend creates a file backend rooted at config.Directory. The
// directory is created on first write.
func NewFileBackend(name string, config FileConfig, logger *logging.Logger) (*FileBackend, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if config.Directory == "" {
		return nil, backend.MarkConfig(errors.New("file backend directory is not set (use ASR_FILE_DIR or backends.file.directory)"))
	}
	dir, err := expandHome(config.Directory)
	if err != nil {
		return nil, backend.MarkConfig(err)
	}
	return &FileBackend{name: name, dir: filepath.Clean(dir), logger: logger}, nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "get home directory")
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

// Name returns the backend instance name
func (b *FileBackend) Name() string { return b.name }

// Kind returns backend.KindFile
func (b *FileBackend) Kind() backend.Kind { return backend.KindFile }

// Directory returns the root directory
func (b *FileBackend) Directory() string { return b.dir }

// filePath resolves a secret path below the root, refusing paths that
// would escape it
func (b *FileBackend) filePath(path string) (string, error) {
	clean := backend.CleanPath(path)
	if clean == "" {
		return "", backend.MarkConfig(errors.New("empty secret path"))
	}
	for _, part := range strings.Split(clean, "/") {
		if part == ".." || part == "." {
			return "", backend.MarkConfig(fmt.Errorf("invalid secret path %q", path))
		}
	}
	if strings.HasSuffix(clean, MetaSuffix) {
		return "", backend.MarkConfig(fmt.Errorf("secret path %q must not end in %s", path, MetaSuffix))
	}
	return filepath.Join(b.dir, filepath.FromSlash(clean)), nil
}

// ReadPayload parses the key:value lines of the secret file
func (b *FileBackend) ReadPayload(_ context.Context, path string) (backend.Payload, error) {
	file, err := b.filePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, b.handleError(err, path)
	}
	fields, err := parseLines(data)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", b.name, backend.CleanPath(path))
	}
	return fields, nil
}

// WritePayload writes the secret file, merging with the current contents
// when merge is set
func (b *FileBackend) WritePayload(ctx context.Context, path string, payload backend.Payload, merge bool) error {
	file, err := b.filePath(path)
	if err != nil {
		return err
	}
	data := payload
	if merge {
		current, err := b.ReadPayload(ctx, path)
		switch {
		case err == nil:
			data = current.Merge(payload)
		case backend.IsNotFound(err):
		default:
			return err
		}
	}
	body, err := formatLines(data)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(file, body); err != nil {
		return b.handleError(err, path)
	}
	b.logger.Debug("Wrote %d field(s) to %s", len(data), file)
	return nil
}

// ReadMetadata parses the sidecar. A missing sidecar yields the zero record.
func (b *FileBackend) ReadMetadata(_ context.Context, path string) (backend.RotationMetadata, error) {
	file, err := b.filePath(path)
	if err != nil {
		return backend.RotationMetadata{}, err
	}
	data, err := os.ReadFile(file + MetaSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return backend.RotationMetadata{}, nil
	}
	if err != nil {
		return backend.RotationMetadata{}, b.handleError(err, path)
	}
	raw, err := parseLines(data)
	if err != nil {
		return backend.RotationMetadata{}, errors.Wrapf(err, "%s %s", b.name, backend.CleanPath(path)+MetaSuffix)
	}
	return backend.DecodeMetadata(raw), nil
}

// WriteMetadata rewrites the sidecar with m, keeping its non-rotation keys
func (b *FileBackend) WriteMetadata(_ context.Context, path string, m backend.RotationMetadata) error {
	file, err := b.filePath(path)
	if err != nil {
		return err
	}
	merged := map[string]string{}
	if data, err := os.ReadFile(file + MetaSuffix); err == nil {
		if merged, err = parseLines(data); err != nil {
			return errors.Wrapf(err, "%s %s", b.name, backend.CleanPath(path)+MetaSuffix)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return b.handleError(err, path)
	}
	maps.Copy(merged, backend.EncodeMetadata(m))

	body, err := formatLines(merged)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(file+MetaSuffix, body); err != nil {
		return b.handleError(err, path)
	}
	return nil
}

// List walks the subtree below prefix in lexical order, skipping sidecars
// and temporary files. A prefix that names no file or directory lists
// nothing.
func (b *FileBackend) List(ctx context.Context, prefix string) iter.Seq2[backend.SecretRef, error] {
	return func(yield func(backend.SecretRef, error) bool) {
		prefix = backend.CleanPath(prefix)
		root := b.dir
		if prefix != "" {
			var err error
			if root, err = b.filePath(prefix); err != nil {
				yield(backend.SecretRef{}, err)
				return
			}
			if _, err := os.Lstat(root); errors.Is(err, fs.ErrNotExist) {
				return
			}
		}
		stop := errors.New("stop")
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() || strings.HasSuffix(p, MetaSuffix) || strings.HasPrefix(d.Name(), ".tmp-") {
				return nil
			}
			rel, err := filepath.Rel(b.dir, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if !backend.HasPathPrefix(rel, prefix) {
				return nil
			}
			if !yield(backend.NewSecretRef(backend.KindFile, rel), nil) {
				return stop
			}
			return nil
		})
		switch {
		case err == nil, errors.Is(err, stop):
		case errors.Is(err, fs.ErrNotExist) && !b.exists():
			// An empty store has no directory yet
		default:
			yield(backend.SecretRef{}, b.handleError(err, prefix))
		}
	}
}

func (b *FileBackend) exists() bool {
	_, err := os.Stat(b.dir)
	return err == nil
}

func (b *FileBackend) handleError(err error, path string) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return backend.NotFoundError{Backend: b.name, Path: backend.CleanPath(path)}
	case errors.Is(err, fs.ErrPermission):
		return backend.AuthError{Backend: b.name, Message: fmt.Sprintf("permission denied: %s", backend.CleanPath(path))}
	}
	return errors.Wrapf(err, "%s %s", b.name, backend.CleanPath(path))
}

// parseLines splits each line at the first colon. Blank lines and lines
// without a colon are ignored. The scan buffer grows to the input size so
// a long value is never truncated.
func parseLines(data []byte) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, min(len(data)+1, bufio.MaxScanTokenSize)), len(data)+1)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		key, value, ok := strings.Cut(line, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "parse key:value lines")
	}
	return out, nil
}

func formatLines(fields map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		v := fields[k]
		if strings.ContainsAny(k, ":\n\r") {
			return nil, fmt.Errorf("field name %q cannot be stored in a file secret", k)
		}
		if strings.ContainsAny(v, "\n\r") {
			return nil, fmt.Errorf("value of field %q contains a line break", k)
		}
		fmt.Fprintf(&buf, "%s:%s\n", k, v)
	}
	return buf.Bytes(), nil
}

// writeFileAtomic writes data to a temporary file in the target directory
// and renames it into place
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var _ backend.Backend = (*FileBackend)(nil)
