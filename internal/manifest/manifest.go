// Package manifest discovers numbered PNG sequences and describes them as
// the JSON document consumed by the browser-side viewer.
package manifest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"nvis/internal/fsutil"
)

// DefaultName is the manifest title used when none is configured.
const DefaultName = "Pytorch output images"

// framePattern matches "<prefix>_NNNNN.png" with a five digit frame number.
var framePattern = regexp.MustCompile(`^(.+)_([0-9]{5})\.png$`)

// Stream is one named, ordered image sequence.
type Stream struct {
	Name   string   `json:"name"`
	Window bool     `json:"window"`
	Files  []string `json:"files"`
}

// Manifest is the top-level viewer configuration document.
type Manifest struct {
	Name    string   `json:"name"`
	Streams []Stream `json:"streams"`
	Shaders []string `json:"shaders,omitempty"`
}

// Discover lists dir (non-recursively) and groups frame files by prefix.
// Streams are ordered by name, files lexically within each stream.
func Discover(dir string) ([]Stream, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	byPrefix := map[string][]string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := framePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		byPrefix[m[1]] = append(byPrefix[m[1]], filepath.ToSlash(filepath.Join(dir, e.Name())))
	}

	// same cleaning as filepath.Join above, so names and files agree
	base := filepath.ToSlash(filepath.Clean(dir))
	streams := make([]Stream, 0, len(byPrefix))
	for prefix, files := range byPrefix {
		sort.Strings(files)
		streams = append(streams, Stream{
			Name:   strings.TrimSuffix(base, "/") + "/" + prefix,
			Window: true,
			Files:  files,
		})
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].Name < streams[j].Name })
	return streams, nil
}

// Builder assembles a Manifest from several directories.
type Builder struct {
	Name    string
	Shaders []string
	Log     *slog.Logger
	// Root, when set, is the directory the manifest is served from. File
	// entries are rewritten relative to it and frames outside it are dropped.
	Root string
}

// Build scans dirs in order. Unreadable or missing directories contribute no
// streams; they are logged and skipped.
func (b *Builder) Build(dirs []string) Manifest {
	log := b.Log
	if log == nil {
		log = slog.Default()
	}
	name := b.Name
	if name == "" {
		name = DefaultName
	}

	m := Manifest{Name: name, Streams: []Stream{}, Shaders: b.Shaders}
	for _, dir := range dirs {
		streams, err := Discover(dir)
		if err != nil {
			log.Warn("skipping directory", "dir", dir, "error", err)
			continue
		}
		if b.Root != "" {
			streams = rebase(streams, b.Root, log)
		}
		for _, s := range streams {
			log.Info("stream added", "name", s.Name, "images", len(s.Files))
		}
		m.Streams = append(m.Streams, streams...)
	}
	return m
}

// rebase rewrites file entries relative to root. Frames that cannot be
// reached from root are dropped, and so are streams left empty.
func rebase(streams []Stream, root string, log *slog.Logger) []Stream {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		log.Warn("cannot resolve serve root", "root", root, "error", err)
		return nil
	}
	out := streams[:0]
	for _, s := range streams {
		files := make([]string, 0, len(s.Files))
		for _, f := range s.Files {
			rel, err := relativeTo(absRoot, f)
			if err != nil {
				log.Warn("frame outside serve root", "file", f, "root", root, "error", err)
				continue
			}
			files = append(files, rel)
		}
		if len(files) == 0 {
			continue
		}
		s.Files = files
		out = append(out, s)
	}
	return out
}

func relativeTo(absRoot, file string) (string, error) {
	absFile, err := filepath.Abs(filepath.FromSlash(file))
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, absFile)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("not below %s", absRoot)
	}
	return filepath.ToSlash(rel), nil
}

// ImageCount returns the total number of frames across all streams.
func (m Manifest) ImageCount() int {
	n := 0
	for _, s := range m.Streams {
		n += len(s.Files)
	}
	return n
}

// Encode renders the manifest as JSON.
func (m Manifest) Encode() ([]byte, error) {
	if m.Streams == nil {
		m.Streams = []Stream{}
	}
	return json.MarshalIndent(m, "", "  ")
}

// WriteFile atomically replaces path with the encoded manifest.
func (m Manifest) WriteFile(path string) error {
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	return nil
}

// Load reads a manifest previously written by WriteFile.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return m, nil
}
