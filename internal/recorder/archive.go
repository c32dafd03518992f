package recorder

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Archive compresses recording files from previous days. For every engine
// directory under base, JSON files whose date suffix is not today are added
// to a <date>.zip next to them and then removed. Today's file is left alone
// because it is still being appended to.
func Archive(base string, logger *slog.Logger) error {
	today := time.Now().Format("2006-01-02")

	engines, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read recording dir: %w", err)
	}

	for _, engineDir := range engines {
		if !engineDir.IsDir() {
			continue
		}
		dir := filepath.Join(base, engineDir.Name())

		byDay, err := staleFilesByDay(dir, today)
		if err != nil {
			return err
		}

		for day, files := range byDay {
			zipPath := filepath.Join(dir, day+".zip")
			if err := zipFiles(zipPath, files); err != nil {
				return fmt.Errorf("archive %s: %w", zipPath, err)
			}
			for _, f := range files {
				if err := os.Remove(f); err != nil {
					logger.Warn("could not remove archived recording", "file", f, "error", err)
				}
			}
			logger.Info("recordings archived",
				"engine", engineDir.Name(), "day", day, "files", len(files))
		}
	}
	return nil
}

// RunArchiver runs Archive once immediately, then daily, until ctx is done.
func RunArchiver(ctx context.Context, base string, logger *slog.Logger) {
	if err := Archive(base, logger); err != nil {
		logger.Error("recording archive failed", "error", err)
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := Archive(base, logger); err != nil {
				logger.Error("recording archive failed", "error", err)
			}
		}
	}
}

// staleFilesByDay groups the directory's JSON recordings by their date
// suffix, excluding today's.
func staleFilesByDay(dir, today string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read engine recording dir %s: %w", dir, err)
	}

	byDay := make(map[string][]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		day := fileDay(name)
		if day == "" || day == today {
			continue
		}
		byDay[day] = append(byDay[day], filepath.Join(dir, name))
	}
	return byDay, nil
}

// fileDay extracts the YYYY-MM-DD suffix from <engine>_<date>.json.
func fileDay(name string) string {
	base := strings.TrimSuffix(name, ".json")
	idx := strings.LastIndex(base, "_")
	if idx < 0 || len(base)-idx-1 != len("2006-01-02") {
		return ""
	}
	day := base[idx+1:]
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return ""
	}
	return day
}

// zipFiles writes files into zipPath, appending to any existing members by
// rebuilding the archive.
func zipFiles(zipPath string, files []string) error {
	tmp, err := os.CreateTemp(filepath.Dir(zipPath), ".archive-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	zw := zip.NewWriter(tmp)

	cleanup := func() {
		zw.Close()
		tmp.Close()
		os.Remove(tmpName)
	}

	// Carry over members of an existing archive for the same day.
	if existing, err := zip.OpenReader(zipPath); err == nil {
		for _, member := range existing.File {
			if err := copyZipMember(zw, member); err != nil {
				existing.Close()
				cleanup()
				return err
			}
		}
		existing.Close()
	}

	for _, path := range files {
		if err := addZipFile(zw, path); err != nil {
			cleanup()
			return err
		}
	}

	if err := zw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, zipPath)
}

func copyZipMember(zw *zip.Writer, member *zip.File) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     member.Name,
		Method:   zip.Deflate,
		Modified: member.Modified,
	})
	if err != nil {
		return err
	}
	r, err := member.Open()
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(w, r)
	return err
}

func addZipFile(zw *zip.Writer, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     filepath.Base(path),
		Method:   zip.Deflate,
		Modified: info.ModTime(),
	})
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
