package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

type InitOptions struct {
	Path    string
	Content []byte
	Force   bool
	// Diff previews the change against an existing file and writes nothing.
	Diff bool
}

type InitResult struct {
	Path    string `json:"path"`
	Written bool   `json:"written"`
	Existed bool   `json:"existed"`
	Diff    string `json:"diff,omitempty"`
}

// Init writes the bundled manifest to opts.Path. An existing file is only
// replaced with Force.
func Init(opts InitOptions) (*InitResult, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, errors.New("init: target path is required")
	}
	res := &InitResult{Path: path}
	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		res.Existed = true
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if opts.Diff {
		res.Diff = renderUnifiedDiff(string(existing), string(opts.Content), path)
		return res, nil
	}
	if res.Existed && !opts.Force {
		return res, &ConfigExistsError{Path: path}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, opts.Content, 0o644); err != nil {
		return nil, err
	}
	res.Written = true
	return res, nil
}

func renderUnifiedDiff(before string, after string, path string) string {
	before = strings.TrimRight(before, "\n")
	after = strings.TrimRight(after, "\n")
	if before == after {
		return ""
	}
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before + "\n"),
		B:        difflib.SplitLines(after + "\n"),
		FromFile: path + " (current)",
		ToFile:   path + " (bundled)",
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return ""
	}
	return text
}
