package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	xerrors "OpenClaw-Gateway/internal/errors"
)

var safeKey = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// FileStore 把报告写入数据目录，每个键对应正文与元信息两个文件。
type FileStore struct {
	dir string
}

// NewFileStore 创建文件实现，目录不存在时自动创建。
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("report directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

var _ Store = (*FileStore)(nil)

type fileMeta struct {
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s *FileStore) Put(_ context.Context, a Artifact) error {
	if err := s.check(a.Key); err != nil {
		return err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(fileMeta{Name: a.Name, ContentType: a.ContentType, CreatedAt: a.CreatedAt})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码报告元信息失败")
	}
	if err := writeAtomic(s.body(a.Key), a.Body); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入报告失败")
	}
	if err := writeAtomic(s.meta(a.Key), meta); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入报告元信息失败")
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, key string) (Artifact, error) {
	if err := s.check(key); err != nil {
		return Artifact{}, ErrNotFound(key)
	}
	body, err := os.ReadFile(s.body(key))
	if errors.Is(err, os.ErrNotExist) {
		return Artifact{}, ErrNotFound(key)
	}
	if err != nil {
		return Artifact{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取报告失败")
	}
	a := Artifact{Key: key, Body: body}
	if raw, err := os.ReadFile(s.meta(key)); err == nil {
		var meta fileMeta
		if json.Unmarshal(raw, &meta) == nil {
			a.Name, a.ContentType, a.CreatedAt = meta.Name, meta.ContentType, meta.CreatedAt
		}
	}
	return a, nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	if err := s.check(key); err != nil {
		return err
	}
	for _, path := range []string{s.body(key), s.meta(key)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除报告失败")
		}
	}
	return nil
}

func (s *FileStore) check(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if !safeKey.MatchString(key) || key == "." || key == ".." {
		return xerrors.New(xerrors.CodeValidation, "报告键包含非法字符")
	}
	return nil
}

func (s *FileStore) body(key string) string { return filepath.Join(s.dir, key+".bin") }
func (s *FileStore) meta(key string) string { return filepath.Join(s.dir, key+".json") }

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
