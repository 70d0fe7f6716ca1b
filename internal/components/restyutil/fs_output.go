package restyutil

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
)

// Output receives a rendered http exchange.
type Output interface {
	Write(id string, contents string)
}

// exchangeName matches the file names written by Dump.
var exchangeName = regexp.MustCompile(`^\d{3,}-`)

// FilesystemOutput writes every exchange to its own file in a directory.
type FilesystemOutput struct {
	directory string
}

// NewFilesystemOutput creates `dir` and removes exchanges left there by a previous
// process. Other files in `dir` are left alone.
func NewFilesystemOutput(dir string) (FilesystemOutput, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return FilesystemOutput{}, fmt.Errorf("create dump dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return FilesystemOutput{}, fmt.Errorf("read dump dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !exchangeName.MatchString(entry.Name()) {
			continue
		}
		err = os.Remove(filepath.Join(dir, entry.Name()))
		if err != nil {
			return FilesystemOutput{}, fmt.Errorf("clear dump dir: %w", err)
		}
	}

	return FilesystemOutput{directory: dir}, nil
}

func (o FilesystemOutput) Write(id string, contents string) {
	err := os.WriteFile(filepath.Join(o.directory, id), []byte(contents), 0600)
	if err != nil {
		slog.Warn("failed to write http exchange file", "id", id, "err", err)
	}
}
