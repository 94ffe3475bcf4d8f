// Package staging keeps uploaded documents on disk for the lifetime of one
// ingest request.
package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidTitle 表示文件标题无法映射为安全的文件名。
var ErrInvalidTitle = errors.New("staging: invalid file title")

// File 是一个已暂存的文件。
type File struct {
	Title string
	Data  []byte
}

// Manager 在 root 下为每个请求分配独立的暂存目录。
type Manager struct {
	root string
}

// NewManager 创建暂存管理器，root 不存在时会被创建。
func NewManager(root string) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		root = filepath.Join(os.TempDir(), "controlagent-staging")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("创建暂存根目录失败: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root 返回暂存根目录。
func (m *Manager) Root() string {
	return m.root
}

// Create 分配一个以随机 UUID 命名的新目录。使用 os.Mkdir 保证不会与已有目录共用。
func (m *Manager) Create() (*Area, error) {
	for attempt := 0; attempt < 3; attempt++ {
		dir := filepath.Join(m.root, uuid.NewString())
		err := os.Mkdir(dir, 0o700)
		if err == nil {
			return &Area{dir: dir}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("创建暂存目录失败: %w", err)
		}
	}
	return nil, errors.New("创建暂存目录失败: 目录名连续冲突")
}

// Area 是单个请求的暂存目录。
type Area struct {
	dir string
}

// Path 返回目录路径。
func (a *Area) Path() string {
	return a.dir
}

// Write 以标题的基本名写入文件。同名文件后写覆盖先写。
func (a *Area) Write(title string, data []byte) error {
	name, err := SafeName(title)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(a.dir, name), data, 0o600); err != nil {
		return fmt.Errorf("写入暂存文件 %s 失败: %w", name, err)
	}
	return nil
}

// ReadAll 重新读取目录中全部普通文件，按文件名排序。
func (a *Area) ReadAll() ([]File, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("读取暂存目录失败: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(a.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("读取暂存文件 %s 失败: %w", entry.Name(), err)
		}
		files = append(files, File{Title: entry.Name(), Data: data})
	}
	return files, nil
}

// Cleanup 递归删除暂存目录，可重复调用。
func (a *Area) Cleanup() error {
	if a == nil || a.dir == "" {
		return nil
	}
	if err := os.RemoveAll(a.dir); err != nil {
		return fmt.Errorf("清理暂存目录失败: %w", err)
	}
	return nil
}

// SafeName 把标题化简为不含路径成分的文件名；包含目录跳转或为空时返回 ErrInvalidTitle。
func SafeName(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" || strings.ContainsRune(title, 0) {
		return "", ErrInvalidTitle
	}
	normalised := strings.ReplaceAll(title, `\`, "/")
	if strings.HasSuffix(normalised, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidTitle, title)
	}
	for _, part := range strings.Split(normalised, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidTitle, title)
		}
	}
	name := filepath.Base(normalised)
	if name == "." || name == "/" || name == "" || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidTitle, title)
	}
	return name, nil
}
