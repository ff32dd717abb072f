// Package folder implements the recording folder creation policy: template
// expansion of the configured path plus the here / overwrite / new_folder
// allocation policies.
package folder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Policy decides how the session directory is created.
type Policy string

const (
	// PolicyHere uses the expanded path directly and fails if it already
	// contains files.
	PolicyHere Policy = "here"
	// PolicyOverwrite deletes the contents of an existing directory first.
	// Irrecoverable data loss is the explicit contract of this policy.
	PolicyOverwrite Policy = "overwrite"
	// PolicyNewFolder creates the lowest unused zero-padded numbered
	// subfolder under the expanded path.
	PolicyNewFolder Policy = "new_folder"
)

// ErrFolderConflict is returned by the here policy when the target directory
// already contains files.
var ErrFolderConflict = errors.New("folder exists and is not empty")

// TemplateError reports an unresolved substitution key in a folder template.
type TemplateError struct {
	Key string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("unresolved key '%s' in folder template", e.Key)
}

// Context supplies the values substituted into folder templates: {today},
// {cwd}, {cfgd} and every metadata key.
type Context struct {
	Now       time.Time
	WorkDir   string
	ConfigDir string
	Metadata  map[string]string
}

var templateKey = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// numbered subfolders are zero-padded to three digits
const numberWidth = 3

// Expand substitutes the context values into template. An unknown key fails
// with a TemplateError.
func Expand(template string, ctx Context) (string, error) {
	var missing *TemplateError

	expanded := templateKey.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		switch key {
		case "today":
			return ctx.Now.Format("2006_01_02_15_04_05")
		case "cwd":
			return ctx.WorkDir
		case "cfgd":
			return ctx.ConfigDir
		}
		if value, ok := ctx.Metadata[key]; ok {
			return value
		}
		if missing == nil {
			missing = &TemplateError{Key: key}
		}
		return match
	})

	if missing != nil {
		return "", missing
	}
	if strings.HasPrefix(expanded, "~/") {
		homeDir, _ := os.UserHomeDir()
		expanded = filepath.Join(homeDir, expanded[2:])
	}

	return filepath.Clean(expanded), nil
}

// Allocate expands template and creates the session directory according to
// policy. On failure nothing new is left behind on disk.
func Allocate(template string, policy Policy, ctx Context) (string, error) {
	if template == "" {
		template = ctx.WorkDir
	}

	path, err := Expand(template, ctx)
	if err != nil {
		return "", err
	}

	switch policy {
	case PolicyHere, "":
		return allocateHere(path)
	case PolicyOverwrite:
		return allocateOverwrite(path)
	case PolicyNewFolder:
		return allocateNewFolder(path)
	default:
		return "", fmt.Errorf("unknown folder policy: %s", policy)
	}
}

func allocateHere(path string) (string, error) {
	entries, err := os.ReadDir(path)
	switch {
	case err == nil:
		if len(entries) > 0 {
			return "", fmt.Errorf("%s: %w", path, ErrFolderConflict)
		}
		return path, nil
	case os.IsNotExist(err):
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", fmt.Errorf("failed to create folder: %w", err)
		}
		return path, nil
	default:
		return "", fmt.Errorf("failed to read folder %s: %w", path, err)
	}
}

func allocateOverwrite(path string) (string, error) {
	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("failed to clear folder %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create folder: %w", err)
	}
	return path, nil
}

func allocateNewFolder(path string) (string, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create folder: %w", err)
	}

	// os.Mkdir is the atomicity guarantee here: two concurrent allocations
	// racing for the same index collide on EEXIST and the loser moves on to
	// the next one.
	next := nextIndex(path)
	for {
		candidate := filepath.Join(path, fmt.Sprintf("%0*d", numberWidth, next))
		err := os.Mkdir(candidate, 0o755)
		if err == nil {
			return candidate, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create folder: %w", err)
		}
		next++
	}
}

// nextIndex scans path for zero-padded numbered subfolders and returns the
// lowest unused index. Non-numeric entries are ignored.
func nextIndex(path string) int {
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0
	}

	used := make(map[int]bool, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		n, err := strconv.Atoi(entry.Name())
		if err != nil || n < 0 {
			continue
		}
		used[n] = true
	}

	for i := 0; ; i++ {
		if !used[i] {
			return i
		}
	}
}
