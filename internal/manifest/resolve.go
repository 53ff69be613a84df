package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/woodwosj/OdooTestLauncherV1.0/config"
)

// EmbeddedSource names the manifest compiled into the binary.
const EmbeddedSource = "<embedded>"

// ResolveOptions selects the manifest layers.
type ResolveOptions struct {
	// DefaultPath is the bundled manifest file. Empty means the copy embedded
	// in the binary.
	DefaultPath string
	// BaseDir anchors relative paths of the embedded manifest. Defaults to the
	// working directory.
	BaseDir string
	// UserConfigPath is merged over the default when the file exists.
	UserConfigPath string
	// RequireUserConfig turns a missing UserConfigPath into an error.
	RequireUserConfig bool
}

type layer struct {
	source  string
	baseDir string
	root    *yaml.Node
}

// Resolve loads the default manifest, merges the user override on top of it
// key by key and validates the result.
func Resolve(opts ResolveOptions) (*Manifest, error) {
	base, err := loadDefaultLayer(opts)
	if err != nil {
		return nil, err
	}
	layers := []layer{base}

	if p := strings.TrimSpace(opts.UserConfigPath); p != "" {
		data, err := os.ReadFile(p)
		switch {
		case err == nil:
			l, err := parseLayer(data, p, filepath.Dir(absOrSelf(p)))
			if err != nil {
				return nil, err
			}
			layers = append(layers, l)
		case errors.Is(err, os.ErrNotExist) && !opts.RequireUserConfig:
		default:
			return nil, &ManifestError{Kind: KindInvalidPath, Key: "config", Path: p, Err: err}
		}
	}

	var merged *yaml.Node
	sources := make([]string, 0, len(layers))
	for _, l := range layers {
		sources = append(sources, l.source)
		if l.root == nil {
			continue
		}
		merged = mergeNodes(merged, l.root)
	}
	if merged == nil {
		return nil, &ManifestError{Kind: KindMissingKey, Key: "editions", Source: strings.Join(sources, ", ")}
	}
	m, err := build(merged)
	if err != nil {
		var me *ManifestError
		if errors.As(err, &me) && me.Source == "" {
			me.Source = strings.Join(sources, ", ")
		}
		return nil, err
	}
	m.Sources = sources
	return m, nil
}

func loadDefaultLayer(opts ResolveOptions) (layer, error) {
	if p := strings.TrimSpace(opts.DefaultPath); p != "" {
		data, err := os.ReadFile(p)
		if err != nil {
			return layer{}, &ManifestError{Kind: KindInvalidPath, Key: "default manifest", Path: p, Err: err}
		}
		return parseLayer(data, p, filepath.Dir(absOrSelf(p)))
	}
	baseDir := opts.BaseDir
	if baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return layer{}, fmt.Errorf("resolve working directory: %w", err)
		}
		baseDir = wd
	}
	return parseLayer(config.DefaultManifest, EmbeddedSource, baseDir)
}

func parseLayer(data []byte, source, baseDir string) (layer, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return layer{}, &ManifestError{Kind: KindParse, Source: source, Err: err}
	}
	l := layer{source: source, baseDir: baseDir}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return l, nil
	}
	root := doc.Content[0]
	if root.Kind == yaml.ScalarNode && root.Tag == "!!null" {
		return l, nil
	}
	if root.Kind != yaml.MappingNode {
		return layer{}, &ManifestError{Kind: KindParse, Source: source, Err: fmt.Errorf("line %d: top level must be a mapping", root.Line)}
	}
	if err := checkDuplicateEditions(root, source); err != nil {
		return layer{}, err
	}
	anchorPaths(root, baseDir)
	l.root = root
	return l, nil
}

// Rebase rewrites the relative paths of a manifest document so they stay
// valid once the document is copied out of baseDir. Comments are kept.
func Rebase(data []byte, baseDir string) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ManifestError{Kind: KindParse, Err: err}
	}
	if doc.Kind == 0 || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return data, nil
	}
	anchorPaths(doc.Content[0], baseDir)
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// checkDuplicateEditions rejects repeated edition or version keys inside one
// document; across documents a repeated key is an override.
func checkDuplicateEditions(root *yaml.Node, source string) error {
	editions := mappingValue(root, "editions")
	if editions == nil || editions.Kind != yaml.MappingNode {
		return nil
	}
	seenEdition := map[string]bool{}
	for i := 0; i+1 < len(editions.Content); i += 2 {
		edition := editions.Content[i].Value
		if seenEdition[edition] {
			return &ManifestError{Kind: KindDuplicateEdition, Key: "editions." + edition, Source: source}
		}
		seenEdition[edition] = true
		versions := editions.Content[i+1]
		if versions.Kind != yaml.MappingNode {
			continue
		}
		seenVersion := map[string]bool{}
		for j := 0; j+1 < len(versions.Content); j += 2 {
			version := versions.Content[j].Value
			if seenVersion[version] {
				return &ManifestError{Kind: KindDuplicateEdition, Key: "editions." + edition + "." + version, Source: source}
			}
			seenVersion[version] = true
		}
	}
	return nil
}

// anchorPaths rewrites relative file-system values to absolute paths against
// the directory of the document that declared them, so a merged manifest
// keeps each layer's relative paths meaningful.
func anchorPaths(root *yaml.Node, baseDir string) {
	if defaults := mappingValue(root, "defaults"); defaults != nil {
		for _, key := range []string{"runs_root", "history_log", "state_dir"} {
			anchorScalar(mappingValue(defaults, key), baseDir)
		}
	}
	editions := mappingValue(root, "editions")
	if editions == nil || editions.Kind != yaml.MappingNode {
		return
	}
	for i := 1; i < len(editions.Content); i += 2 {
		versions := editions.Content[i]
		if versions.Kind != yaml.MappingNode {
			continue
		}
		for j := 1; j < len(versions.Content); j += 2 {
			entry := versions.Content[j]
			for _, key := range []string{"repo_path", "compose_template", "enterprise_addons"} {
				anchorScalar(mappingValue(entry, key), baseDir)
			}
		}
	}
}

func anchorScalar(n *yaml.Node, baseDir string) {
	if n == nil || n.Kind != yaml.ScalarNode {
		return
	}
	v := strings.TrimSpace(n.Value)
	if v == "" || strings.HasPrefix(v, "~") || filepath.IsAbs(v) || strings.Contains(v, "{{") {
		return
	}
	n.Value = filepath.Clean(filepath.Join(baseDir, v))
}

// mergeNodes overlays o onto b. Mappings merge recursively in declaration
// order with new keys appended; any other node kind in o replaces b.
func mergeNodes(b, o *yaml.Node) *yaml.Node {
	if b == nil {
		return o
	}
	if o == nil {
		return b
	}
	if b.Kind != yaml.MappingNode || o.Kind != yaml.MappingNode {
		return o
	}
	out := *b
	out.Content = append([]*yaml.Node(nil), b.Content...)
	for i := 0; i+1 < len(o.Content); i += 2 {
		key, val := o.Content[i], o.Content[i+1]
		idx := mappingIndex(&out, key.Value)
		if idx < 0 {
			out.Content = append(out.Content, key, val)
			continue
		}
		out.Content[idx+1] = mergeNodes(out.Content[idx+1], val)
	}
	return &out
}

func mappingIndex(n *yaml.Node, key string) int {
	if n == nil || n.Kind != yaml.MappingNode {
		return -1
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return i
		}
	}
	return -1
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	idx := mappingIndex(n, key)
	if idx < 0 {
		return nil
	}
	return n.Content[idx+1]
}

func absOrSelf(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
