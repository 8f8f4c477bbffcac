package main

import (
	"bufio"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// workspaceFile is one discovered file the mock uses to fake plausible
// tool output against the real working directory.
type workspaceFile struct {
	abs string
	rel string
}

var (
	discoverOnce sync.Once
	discovered   []workspaceFile
)

// textExtensions mark files worth showing in fake tool results.
var textExtensions = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".py": true, ".rs": true, ".c": true, ".h": true, ".css": true,
	".html": true, ".json": true, ".yaml": true, ".yml": true,
	".toml": true, ".md": true, ".txt": true, ".sh": true, ".sql": true,
}

// skipDirs are not worth walking.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "dist": true,
	"build": true, "bin": true, "__pycache__": true, ".cache": true,
}

const maxWorkspaceFiles = 200

// discoverIn collects text files under root, bounded by
// maxWorkspaceFiles and skipping binary and dependency directories.
func discoverIn(root string) []workspaceFile {
	var files []workspaceFile
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(files) >= maxWorkspaceFiles {
			return filepath.SkipAll
		}
		if !textExtensions[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > 100*1024 {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		files = append(files, workspaceFile{abs: path, rel: rel})
		return nil
	})
	return files
}

func workspaceFiles() []workspaceFile {
	discoverOnce.Do(func() {
		if wd, err := os.Getwd(); err == nil {
			discovered = discoverIn(wd)
		}
	})
	return discovered
}

// randomWorkspaceFile returns a random discovered file, or a stand-in
// when the working directory has nothing to show.
func randomWorkspaceFile() workspaceFile {
	files := workspaceFiles()
	if len(files) == 0 {
		return workspaceFile{abs: "/workspace/example.txt", rel: "example.txt"}
	}
	return files[rand.Intn(len(files))]
}

// workspacePaths returns up to n distinct relative paths.
func workspacePaths(n int) []string {
	files := workspaceFiles()
	if len(files) == 0 {
		return []string{"example.txt"}
	}
	if n > len(files) {
		n = len(files)
	}
	perm := rand.Perm(len(files))
	paths := make([]string, n)
	for i := range paths {
		paths[i] = files[perm[i]].rel
	}
	return paths
}

// fileSnippet reads up to maxLines lines from a file for a fake Read
// tool result.
func fileSnippet(path string, maxLines int) string {
	f, err := os.Open(path)
	if err != nil {
		return "// (file not readable)\n"
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() && len(lines) < maxLines {
		lines = append(lines, scanner.Text())
	}
	return strings.Join(lines, "\n") + "\n"
}
