package intake

import (
	"strings"
	"testing"
)

func TestDetectFramework(t *testing.T) {
	cases := []struct {
		name  string
		files map[string]string
		want  Framework
	}{
		{
			name:  "nextjs dependency",
			files: map[string]string{"package.json": `{"dependencies": {"next": "14.2.3", "react": "18.3.1"}}`},
			want:  Framework{Name: "nextjs", VersionHint: "14.2.3"},
		},
		{
			name:  "nextjs config only",
			files: map[string]string{"next.config.mjs": "export default {};\n"},
			want:  Framework{Name: "nextjs"},
		},
		{
			name:  "vite dev dependency",
			files: map[string]string{"package.json": `{"devDependencies": {"vite": "5.4.0"}}`},
			want:  Framework{Name: "vite", VersionHint: "5.4.0"},
		},
		{
			name:  "vite config only",
			files: map[string]string{"vite.config.ts": "export default {};\n"},
			want:  Framework{Name: "vite"},
		},
		{
			name:  "create react app",
			files: map[string]string{"package.json": `{"dependencies": {"react-scripts": "5.0.1"}}`},
			want:  Framework{Name: "cra", VersionHint: "5.0.1"},
		},
		{
			name:  "unrecognized stack",
			files: map[string]string{"package.json": `{"dependencies": {"svelte": "4.2.0"}}`},
			want:  Framework{Name: "unknown"},
		},
		{
			name: "no package.json",
			want: Framework{Name: "unknown"},
		},
		{
			name:  "malformed package.json with next config",
			files: map[string]string{"package.json": "{not json", "next.config.js": "module.exports = {};\n"},
			want:  Framework{Name: "nextjs"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			for rel, content := range tc.files {
				writeSource(t, root, rel, content)
			}
			got := detectFramework(root)
			if got != tc.want {
				t.Errorf("detectFramework = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestDetectEnvVars(t *testing.T) {
	root := t.TempDir()
	writeSource(t, root, "src/lib/api.js",
		"const base = process.env.NEXT_PUBLIC_API_URL;\n"+
			"const fallback = process.env.NEXT_PUBLIC_API_URL || \"\";\n")
	writeSource(t, root, "src/config.ts", "export const base = import.meta.env.VITE_API_BASE;\n")
	writeSource(t, root, "node_modules/pkg/index.js", "process.env.NEXT_PUBLIC_SECRET;\n")

	vars, err := detectEnvVars(root)
	if err != nil {
		t.Fatal(err)
	}

	if len(vars) != 2 {
		t.Fatalf("got %d vars: %+v", len(vars), vars)
	}
	if vars[0].Name != "NEXT_PUBLIC_API_URL" || vars[1].Name != "VITE_API_BASE" {
		t.Errorf("names = %s, %s", vars[0].Name, vars[1].Name)
	}

	api := vars[0]
	if len(api.SourceLocations) != 2 {
		t.Fatalf("locations = %+v", api.SourceLocations)
	}
	want := SourceLocation{File: "src/lib/api.js", Line: 1}
	if api.SourceLocations[0] != want {
		t.Errorf("first location = %+v, want %+v", api.SourceLocations[0], want)
	}
	if api.SourceLocations[1].Line != 2 {
		t.Errorf("second location = %+v", api.SourceLocations[1])
	}
}

func TestDetectAPIClientFiles(t *testing.T) {
	root := t.TempDir()
	writeSource(t, root, "src/lib/api.ts", "export {};\n")
	writeSource(t, root, "src/api/client.js", "module.exports = {};\n")
	writeSource(t, root, "src/api/hooks/useRecipes.ts", "export {};\n")
	writeSource(t, root, "src/components/App.tsx", "export {};\n")

	files := detectAPIClientFiles(root)

	want := map[string]bool{
		"src/lib/api.ts":              true,
		"src/api/client.js":           true,
		"src/api/hooks/useRecipes.ts": true,
	}
	if len(files) != len(want) {
		t.Fatalf("files = %v, want %v", files, want)
	}
	for _, f := range files {
		if !want[f] {
			t.Errorf("unexpected file %q", f)
		}
	}
}

func TestWalkSourceFilesSkipsLargeAndForeignFiles(t *testing.T) {
	root := t.TempDir()
	writeSource(t, root, "src/big.js", strings.Repeat("// padding\n", 11*1024))
	writeSource(t, root, "src/small.js", "fetch(\"/api/y\");\n")
	writeSource(t, root, "README.md", "# readme\n")
	writeSource(t, root, "node_modules/pkg/index.js", "fetch(\"/api/z\");\n")

	var visited []string
	err := walkSourceFiles(root, func(rel string, content []byte) error {
		visited = append(visited, rel)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(visited) != 1 || visited[0] != "src/small.js" {
		t.Errorf("visited = %v, want only src/small.js", visited)
	}
}
