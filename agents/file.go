package agents

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/durable"
)

// FileInput defines the input of the file agent
type FileInput struct {
	Operation   string `json:"operation"` // read, write, append, delete, exists, mkdir, list
	Path        string `json:"path"`
	Content     string `json:"content"`
	Permissions string `json:"permissions"` // octal, e.g. "0644"
	CreateDirs  bool   `json:"create_dirs"`
}

// File performs file system operations. Relative paths are resolved against
// the agent's base directory.
type File struct {
	baseDir string
}

// NewFile returns a file agent rooted at baseDir. An empty baseDir uses the
// process working directory.
func NewFile(baseDir string) *File {
	return &File{baseDir: baseDir}
}

func (a *File) Name() string {
	return "file"
}

func (a *File) Execute(ctx context.Context, req *durable.AgentRequest) (any, error) {
	var input FileInput
	if err := req.Decode(&input); err != nil {
		return nil, err
	}
	if input.Path == "" {
		return nil, durable.NewError(durable.ErrorCodeValidation, "file agent requires 'path' input")
	}
	path := input.Path
	if a.baseDir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(a.baseDir, path)
	}
	perm, err := parsePermissions(input.Permissions, 0644)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(input.Operation) {
	case "", "read":
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "content": string(content)}, nil

	case "write", "append":
		if input.CreateDirs {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, err
			}
		}
		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if strings.EqualFold(input.Operation, "append") {
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		f, err := os.OpenFile(path, flags, perm)
		if err != nil {
			return nil, err
		}
		n, err := f.WriteString(input.Content)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "bytes": n}, nil

	case "delete":
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return map[string]any{"path": path, "deleted": true}, nil

	case "exists":
		_, err := os.Stat(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return map[string]any{"path": path, "exists": err == nil}, nil

	case "mkdir":
		dirPerm, err := parsePermissions(input.Permissions, 0755)
		if err != nil {
			return nil, err
		}
		if input.CreateDirs {
			err = os.MkdirAll(path, dirPerm)
		} else {
			err = os.Mkdir(path, dirPerm)
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path}, nil

	case "list":
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		files := make([]any, len(entries))
		for i, entry := range entries {
			name := entry.Name()
			if entry.IsDir() {
				name += "/"
			}
			files[i] = name
		}
		return map[string]any{"path": path, "entries": files}, nil

	default:
		return nil, durable.Errorf(durable.ErrorCodeValidation, "unsupported operation: %s", input.Operation)
	}
}

func parsePermissions(perm string, fallback fs.FileMode) (fs.FileMode, error) {
	if perm == "" {
		return fallback, nil
	}
	mode, err := strconv.ParseUint(perm, 8, 32)
	if err != nil {
		return 0, durable.Errorf(durable.ErrorCodeValidation, "invalid permissions %q", perm)
	}
	return fs.FileMode(mode), nil
}
