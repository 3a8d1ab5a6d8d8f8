package sync

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/openmaps/marksync/internal/utils"
)

const ignoreFileName = ".marksyncignore"

var defaultIgnoreLines = []string{
	// marksync internals
	ignoreFileName,
	"*.lock",
	".marksync-*.tmp",
	// partial downloads
	"*.icloud",
	"*.partial",
	"*.crdownload",
	// OS junk
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	// editor droppings
	"*~",
	"*.swp",
	"*.tmp",
}

// IgnoreList filters file names out of both collectors' snapshots. Rules are
// the defaults plus an optional .marksyncignore in the local directory.
type IgnoreList struct {
	baseDir string
	ignore  *gitignore.GitIgnore
}

func NewIgnoreList(baseDir string) *IgnoreList {
	return &IgnoreList{baseDir: baseDir}
}

func (l *IgnoreList) Load() {
	lines := defaultIgnoreLines

	ignorePath := filepath.Join(l.baseDir, ignoreFileName)
	if utils.FileExists(ignorePath) {
		file, err := os.Open(ignorePath)
		if err != nil {
			slog.Warn("failed to open ignore file", "path", ignorePath, "error", err)
		} else {
			defer file.Close()
			rules := 0
			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				line := scanner.Text()
				if line == "" {
					continue
				}
				lines = append(lines, line)
				rules++
			}
			slog.Debug("loaded ignore rules", "path", ignorePath, "rules", rules)
		}
	}

	l.ignore = gitignore.CompileIgnoreLines(lines...)
}

// ShouldIgnore reports whether the named item is excluded from syncing.
func (l *IgnoreList) ShouldIgnore(name string) bool {
	if l.ignore == nil {
		l.ignore = gitignore.CompileIgnoreLines(defaultIgnoreLines...)
	}
	return l.ignore.MatchesPath(name)
}
