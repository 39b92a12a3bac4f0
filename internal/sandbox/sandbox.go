// Package sandbox restricts where command results may be written.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	snowerrors "github.com/rcourtman/snowctl/internal/errors"
)

// Rule names the check a path failed.
type Rule string

const (
	RuleNonEmpty  Rule = "non_empty"
	RuleRelative  Rule = "relative"
	RuleNoParent  Rule = "no_parent_segments"
	RuleInsideDir Rule = "inside_working_directory"
)

// Violation describes a rejected output path.
type Violation struct {
	Path   string
	Rule   Rule
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("output path %q rejected (%s): %s", v.Path, v.Rule, v.Detail)
}

// Is matches the sandbox sentinel so callers need not know the concrete type.
func (v *Violation) Is(target error) bool {
	return target == snowerrors.ErrSandbox
}

var driveLetterRE = regexp.MustCompile(`^[A-Za-z]:`)

// Sandbox validates destinations against a root directory.
type Sandbox struct {
	root string
}

// New returns a sandbox rooted at dir with symlinks resolved.
func New(dir string) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	return &Sandbox{root: resolved}, nil
}

// Root returns the resolved root directory.
func (s *Sandbox) Root() string { return s.root }

// Validate checks path against the working directory.
func Validate(path string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("determine working directory: %w", err)
	}
	s, err := New(wd)
	if err != nil {
		return "", err
	}
	return s.Validate(path)
}

// Validate returns the absolute, symlink-resolved destination for path or a
// *Violation wrapped as a sandbox error. Lexical rules run before any
// filesystem access and nothing is ever created.
func (s *Sandbox) Validate(path string) (string, error) {
	if v := checkLexical(path); v != nil {
		return "", violation(v)
	}

	target := filepath.Join(s.root, filepath.Clean(path))
	resolved, err := resolveExisting(target)
	if err != nil {
		var v *Violation
		if errors.As(err, &v) {
			v.Path = path
			return "", violation(v)
		}
		return "", fmt.Errorf("resolve output path: %w", err)
	}

	rel, err := filepath.Rel(s.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", violation(&Violation{Path: path, Rule: RuleInsideDir, Detail: "resolves outside the working directory"})
	}
	if rel == "." {
		return "", violation(&Violation{Path: path, Rule: RuleInsideDir, Detail: "resolves to the working directory itself"})
	}
	return resolved, nil
}

func violation(v *Violation) error {
	return snowerrors.New(snowerrors.KindSandbox, "validate output path", "", v)
}

func checkLexical(path string) *Violation {
	if strings.TrimSpace(path) == "" {
		return &Violation{Path: path, Rule: RuleNonEmpty, Detail: "path is empty"}
	}
	switch {
	case filepath.IsAbs(path), filepath.VolumeName(path) != "":
		return &Violation{Path: path, Rule: RuleRelative, Detail: "absolute paths are not allowed"}
	case strings.HasPrefix(path, "/"), strings.HasPrefix(path, `\`):
		return &Violation{Path: path, Rule: RuleRelative, Detail: "rooted and UNC paths are not allowed"}
	case driveLetterRE.MatchString(path):
		return &Violation{Path: path, Rule: RuleRelative, Detail: "drive-qualified paths are not allowed"}
	}
	for _, segment := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if segment == ".." {
			return &Violation{Path: path, Rule: RuleNoParent, Detail: "parent directory segments are not allowed"}
		}
	}
	return nil
}

// resolveExisting follows symlinks through the deepest existing ancestor of
// target and re-attaches the components that do not exist yet.
func resolveExisting(target string) (string, error) {
	existing := target
	var missing []string
	for {
		if _, err := os.Stat(existing); err == nil {
			break
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		// A dangling link would be followed on write.
		if info, err := os.Lstat(existing); err == nil && info.Mode()&os.ModeSymlink != 0 {
			return "", &Violation{Rule: RuleInsideDir, Detail: "path contains a dangling symlink"}
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		missing = append([]string{filepath.Base(existing)}, missing...)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{resolved}, missing...)...), nil
}
