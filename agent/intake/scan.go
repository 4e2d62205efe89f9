package intake

import (
	"encoding/json"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// maxFileSize caps how large a source file the scanners will read.
// Anything bigger is bundler output or vendored code, not hand-written
// frontend source.
const maxFileSize = 100 * 1024

// ignoreDirs are skipped at any depth.
var ignoreDirs = map[string]bool{
	"node_modules": true,
	".next":        true,
	"dist":         true,
	"build":        true,
	".git":         true,
}

// sourceExtensions are the JS/TS file types the text scanners visit.
var sourceExtensions = map[string]bool{
	".js":  true,
	".jsx": true,
	".ts":  true,
	".tsx": true,
	".mjs": true,
	".cjs": true,
}

func ignoredPath(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if ignoreDirs[part] {
			return true
		}
	}
	return false
}

// walkSourceFiles visits every JS/TS source file under root in lexical
// order, handing visit the slash-separated relative path and contents.
// Unreadable files are skipped; the scan keeps going.
func walkSourceFiles(root string, visit func(relPath string, content []byte) error) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if ignoreDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !sourceExtensions[strings.ToLower(filepath.Ext(p))] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxFileSize {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		return visit(filepath.ToSlash(rel), content)
	})
}

type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// detectFramework identifies the frontend toolchain from package.json
// dependencies, falling back to the presence of config files when the
// dependency block does not name the framework directly.
func detectFramework(root string) Framework {
	deps := map[string]string{}
	if data, err := os.ReadFile(filepath.Join(root, "package.json")); err == nil {
		var pkg packageJSON
		if err := json.Unmarshal(data, &pkg); err == nil {
			for k, v := range pkg.Dependencies {
				deps[k] = v
			}
			for k, v := range pkg.DevDependencies {
				deps[k] = v
			}
		}
	}

	switch {
	case deps["next"] != "":
		return Framework{Name: "nextjs", VersionHint: deps["next"]}
	case configExists(root, "next.config"):
		return Framework{Name: "nextjs"}
	case deps["vite"] != "":
		return Framework{Name: "vite", VersionHint: deps["vite"]}
	case configExists(root, "vite.config"):
		return Framework{Name: "vite"}
	case deps["react-scripts"] != "":
		return Framework{Name: "cra", VersionHint: deps["react-scripts"]}
	}
	return Framework{Name: "unknown"}
}

func configExists(root, stem string) bool {
	for _, ext := range []string{".js", ".ts", ".mjs"} {
		if _, err := os.Stat(filepath.Join(root, stem+ext)); err == nil {
			return true
		}
	}
	return false
}

var envVarPattern = regexp.MustCompile(`\b(NEXT_PUBLIC_[A-Za-z0-9_]+|VITE_[A-Za-z0-9_]+)\b`)

// detectEnvVars finds build-time environment variable reads in the
// source tree, merged per name with one location per referencing line.
func detectEnvVars(root string) ([]EnvVar, error) {
	byName := map[string][]SourceLocation{}
	seen := map[string]map[SourceLocation]bool{}

	err := walkSourceFiles(root, func(relPath string, content []byte) error {
		for i, line := range strings.Split(string(content), "\n") {
			for _, name := range envVarPattern.FindAllString(line, -1) {
				loc := SourceLocation{File: relPath, Line: i + 1}
				if seen[name] == nil {
					seen[name] = map[SourceLocation]bool{}
				}
				if seen[name][loc] {
					continue
				}
				seen[name][loc] = true
				byName[name] = append(byName[name], loc)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	vars := []EnvVar{}
	for _, name := range sortedKeys(byName) {
		vars = append(vars, EnvVar{Name: name, SourceLocations: byName[name]})
	}
	return vars, nil
}

// Well-known API client wrapper locations. Frontends centralize their
// HTTP plumbing in one of these far more often than not.
var apiClientPaths = []string{
	"src/lib/api.ts",
	"src/lib/api.js",
	"src/lib/apiClient.ts",
	"src/lib/apiClient.js",
	"src/services/api.ts",
	"src/services/api.js",
	"src/api/index.ts",
	"src/api/index.js",
	"src/api/client.ts",
	"src/api/client.js",
}

// detectAPIClientFiles returns the client wrapper files present in the
// repo: the well-known paths plus anything under src/api.
func detectAPIClientFiles(root string) []string {
	found := []string{}
	seen := map[string]bool{}

	add := func(rel string) {
		if !seen[rel] {
			seen[rel] = true
			found = append(found, rel)
		}
	}

	for _, rel := range apiClientPaths {
		if info, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err == nil && !info.IsDir() {
			add(rel)
		}
	}

	fsys := os.DirFS(root)
	matches, err := doublestar.Glob(fsys, "src/api/**/*.{ts,js}")
	if err == nil {
		sort.Strings(matches)
		for _, rel := range matches {
			if !ignoredPath(rel) {
				add(path.Clean(rel))
			}
		}
	}
	return found
}
