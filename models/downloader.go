package models

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ProgressFunc получает прогресс файла в процентах
type ProgressFunc func(progress float64)

// DefaultMirror - базовый URL файлов моделей (HuggingFace)
const DefaultMirror = "https://huggingface.co"

// progressInterval ограничивает частоту колбэков прогресса
const progressInterval = 500 * time.Millisecond

// FileURL собирает URL файла модели: <mirror>/<repo>/resolve/main/<file>
func FileURL(mirror, repo, file string) string {
	if mirror == "" {
		mirror = DefaultMirror
	}
	return strings.TrimRight(mirror, "/") + "/" + repo + "/resolve/main/" + file
}

// DownloadFile скачивает url в destPath. Данные пишутся в <destPath>.tmp,
// который переименовывается только после полной загрузки; при ошибке он удаляется.
// Таймаута нет: модели весят сотни мегабайт, отмена через ctx.
func DownloadFile(ctx context.Context, url, destPath string, onProgress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmpPath := destPath + ".tmp"
	if err := writeFile(tmpPath, resp.Body, resp.ContentLength, onProgress); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

func writeFile(path string, body io.Reader, size int64, onProgress ProgressFunc) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	var dst io.Writer = out
	if onProgress != nil && size > 0 {
		dst = io.MultiWriter(out, &progressCounter{total: size, report: onProgress})
	}
	if _, err := io.Copy(dst, body); err != nil {
		out.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if onProgress != nil && size > 0 {
		onProgress(100)
	}
	return nil
}

// progressCounter считает записанные байты и сообщает прогресс не чаще progressInterval
type progressCounter struct {
	total  int64
	done   int64
	last   time.Time
	report ProgressFunc
}

func (p *progressCounter) Write(b []byte) (int, error) {
	p.done += int64(len(b))
	if now := time.Now(); now.Sub(p.last) >= progressInterval {
		p.last = now
		p.report(float64(p.done) / float64(p.total) * 100)
	}
	return len(b), nil
}
