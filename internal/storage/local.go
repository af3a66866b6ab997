// Package storage はアップロードファイルと成果物を置く一時領域を提供します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/yourusername/doc-forge/internal/domain"
)

// ErrInvalidPath は保存領域外を指すパスやファイル名です。
var ErrInvalidPath = errors.New("invalid storage path")

// Local はローカルディスク上のファイルストアです。
// 入力・出力とも同じディレクトリに平置きし、名前の一意性は UUID とジョブ ID で担保します。
type Local struct {
	baseDir string
	logger  *slog.Logger
}

// Upload は保存対象のファイルです。
type Upload struct {
	Name   string
	Reader io.Reader
}

// StoredFile は保存済みファイルの情報です。
type StoredFile struct {
	Path         string
	OriginalName string
	Size         int64
}

// Download はダウンロード用に開いたファイルです。呼び出し側で Close してください。
type Download struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.ReadCloser
}

// NewLocal は baseDir を作成し Local を返します。
func NewLocal(baseDir string, logger *slog.Logger) (*Local, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("baseDir is required")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{baseDir: abs, logger: logger}, nil
}

// Dir は保存先ディレクトリの絶対パスです。
func (s *Local) Dir() string {
	return s.baseDir
}

// Save は r を <uuid><拡張子> という名前で保存します。
func (s *Local) Save(ctx context.Context, upload Upload) (StoredFile, error) {
	if err := ctx.Err(); err != nil {
		return StoredFile{}, err
	}
	if upload.Reader == nil {
		return StoredFile{}, fmt.Errorf("upload reader is nil")
	}

	name := uuid.NewString() + strings.ToLower(filepath.Ext(upload.Name))
	path := filepath.Join(s.baseDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return StoredFile{}, fmt.Errorf("open file: %w", err)
	}
	size, copyErr := io.Copy(f, upload.Reader)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		return StoredFile{}, fmt.Errorf("write file: %w", errors.Join(copyErr, closeErr))
	}

	return StoredFile{Path: path, OriginalName: filepath.Base(upload.Name), Size: size}, nil
}

// SaveMany は uploads を順に保存します。途中で失敗した場合は保存済みのファイルを削除します。
func (s *Local) SaveMany(ctx context.Context, uploads []Upload) ([]StoredFile, error) {
	saved := make([]StoredFile, 0, len(uploads))
	for _, u := range uploads {
		f, err := s.Save(ctx, u)
		if err != nil {
			paths := make([]string, len(saved))
			for i, sf := range saved {
				paths[i] = sf.Path
			}
			s.DeleteMany(ctx, paths)
			return nil, err
		}
		saved = append(saved, f)
	}
	return saved, nil
}

// Delete は path を削除します。既に存在しない場合は成功扱いです。
func (s *Local) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resolved, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(resolved); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// DeleteMany は paths を削除します。個々の失敗はログに残して処理を続けます。
func (s *Local) DeleteMany(ctx context.Context, paths []string) {
	for _, p := range paths {
		if err := s.Delete(ctx, p); err != nil {
			s.logger.WarnContext(ctx, "failed to delete file", slog.String("path", p), slog.Any("error", err))
		}
	}
}

// ResolveForDownload はファイル名から成果物を開きます。ディレクトリ区切りを含む名前は拒否します。
func (s *Local) ResolveForDownload(ctx context.Context, filename string) (*Download, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if filename == "" || filename != filepath.Base(filename) || strings.ContainsAny(filename, `/\`) || filename == "." || filename == ".." {
		return nil, ErrInvalidPath
	}

	f, err := os.Open(filepath.Join(s.baseDir, filename))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, domain.ErrNotFound
	}

	return &Download{
		Name:        filename,
		ContentType: ContentType(filename),
		Size:        info.Size(),
		Body:        f,
	}, nil
}

// resolve は path を保存領域内の絶対パスに正規化します。
func (s *Local) resolve(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.baseDir, path)
	}
	clean := filepath.Clean(path)
	rel, err := filepath.Rel(s.baseDir, clean)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", ErrInvalidPath
	}
	return clean, nil
}

var contentTypes = map[string]string{
	".pdf":  "application/pdf",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".xls":  "application/vnd.ms-excel",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".csv":  "text/csv",
	".txt":  "text/plain",
	".html": "text/html",
}

// ContentType は拡張子から Content-Type を返します。未知の拡張子は application/octet-stream です。
func ContentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}
