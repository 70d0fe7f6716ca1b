package table

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteCSV writes a header row followed by every row of the table. There is no index column.
func WriteCSV(w io.Writer, t Table, sentinel string) error {
	writer := csv.NewWriter(w)

	err := writer.Write(t.Columns)
	if err != nil {
		return err
	}

	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, cell := range row {
			record[i] = cell.Render(sentinel)
		}
		err = writer.Write(record)
		if err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// WriteFile writes the table as CSV to `path`, replacing whatever was there before.
// Parent directories are created when missing.
func WriteFile(path string, t Table, sentinel string) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	buffered := bufio.NewWriter(f)
	err = WriteCSV(buffered, t, sentinel)
	if err == nil {
		err = buffered.Flush()
	}
	closeErr := f.Close()
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return closeErr
}
