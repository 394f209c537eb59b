package disk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"versionstore/pkg/core"
	"versionstore/pkg/storage"
	"versionstore/pkg/types"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"
)

const Name = "disk"

// checksumSize 每个对象文件开头的 BLAKE3 校验和长度
const checksumSize = 32

// ErrCorrupt 文件内容与校验和不符
var ErrCorrupt = errors.New("corrupt object file")

// Config 对应 backend.disk.*
type Config struct {
	Path string `mapstructure:"path"` // 比如: /home/user/.vst/objects
	// HardObjectSizeLimit 为 0 表示不限
	HardObjectSizeLimit int `mapstructure:"hard-object-size-limit"`
}

// Adapter 实现了 storage.Backend 接口
// 对象是按 ID 前缀分片的不可变文件；引用是 JSON 文件，
// 读-比较-写在仓库级的 flock 下进行，多个进程可以共用同一个目录。
type Adapter struct {
	rootPath string
	limit    int
}

// NewAdapter 创建一个新的磁盘存储适配器
func NewAdapter(cfg Config) (*Adapter, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: disk path must not be empty", storage.ErrInvalidArgument)
	}
	// 确保根目录存在
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root storage dir: %w", err)
	}
	limit := cfg.HardObjectSizeLimit
	if limit <= 0 {
		limit = storage.Unbounded
	}
	return &Adapter{rootPath: cfg.Path, limit: limit}, nil
}

func (s *Adapter) Name() string             { return Name }
func (s *Adapter) HardObjectSizeLimit() int { return s.limit }
func (s *Adapter) Close() error             { return nil }

// -----------------------------------------------------------------------------
// 目录布局
// -----------------------------------------------------------------------------

func (s *Adapter) repoDir(repo string) string {
	// 空仓库 ID 也要有自己的目录
	return filepath.Join(s.rootPath, "r-"+url.PathEscape(repo))
}

func (s *Adapter) objDir(repo string) string { return filepath.Join(s.repoDir(repo), "objs") }
func (s *Adapter) tmpDir(repo string) string { return filepath.Join(s.repoDir(repo), "tmp") }
func (s *Adapter) refDir(repo string) string { return filepath.Join(s.repoDir(repo), "refs") }

// layout 返回 ID 对应的物理路径
// 策略：使用前 2 个字符作为子目录 (Sharding)
// Example: id "aabbcc..." -> objs/aa/bbcc...
func (s *Adapter) layout(repo string, id types.ObjID) string {
	hex := id.String()
	if len(hex) < 2 {
		return filepath.Join(s.objDir(repo), hex)
	}
	return filepath.Join(s.objDir(repo), hex[:2], hex[2:])
}

func (s *Adapter) refPath(repo, name string) string {
	return filepath.Join(s.refDir(repo), url.PathEscape(name)+".json")
}

// lockPath 锁文件放在仓库目录之外，EraseRepository 删除仓库目录时锁文件不受影响
func (s *Adapter) lockPath(repo string) string {
	return filepath.Join(s.rootPath, "locks", "r-"+url.PathEscape(repo)+".lock")
}

// lockRepo 获取仓库的排他 flock，返回解锁函数
// flock 绑定在打开的文件描述上，同一进程内的两个 Adapter 之间同样互斥
func (s *Adapter) lockRepo(repo string) (func(), error) {
	path := s.lockPath(repo)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	fd := int(f.Fd())
	for {
		err = unix.Flock(fd, unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to lock repository %q: %w", repo, err)
	}
	return func() {
		_ = unix.Flock(fd, unix.LOCK_UN)
		f.Close()
	}, nil
}

// -----------------------------------------------------------------------------
// 1. 对象
// -----------------------------------------------------------------------------

// StoreObjs 先写临时文件，再用硬链接放到最终位置。
// link 在目标已存在时失败 (EEXIST)，所以 "不存在才写入" 是原子的，且不会覆盖已有文件。
func (s *Adapter) StoreObjs(_ context.Context, repo string, recs []storage.ObjRecord) ([]bool, error) {
	stored := make([]bool, len(recs))
	for i, rec := range recs {
		target := s.layout(repo, rec.ID)
		if _, err := os.Stat(target); err == nil {
			continue // 已经存在，直接跳过
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return nil, err
		}
		tmp, err := s.writeTemp(repo, encodeFile(rec))
		if err != nil {
			return nil, err
		}
		err = os.Link(tmp, target)
		os.Remove(tmp)
		switch {
		case err == nil:
			stored[i] = true
		case errors.Is(err, fs.ErrExist):
			// 并发写入者抢先了
		default:
			return nil, fmt.Errorf("failed to store object %s: %w", rec.ID, err)
		}
	}
	return stored, nil
}

// UpsertObjs 原子写入：先写到临时文件，然后 Rename 覆盖
func (s *Adapter) UpsertObjs(_ context.Context, repo string, recs []storage.ObjRecord) error {
	for _, rec := range recs {
		target := s.layout(repo, rec.ID)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		tmp, err := s.writeTemp(repo, encodeFile(rec))
		if err != nil {
			return err
		}
		if err := os.Rename(tmp, target); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("failed to upsert object %s: %w", rec.ID, err)
		}
	}
	return nil
}

func (s *Adapter) FetchObjs(_ context.Context, repo string, ids []types.ObjID) ([]*storage.ObjRecord, error) {
	out := make([]*storage.ObjRecord, len(ids))
	for i, id := range ids {
		rec, err := s.readObj(id, s.layout(repo, id))
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}

func (s *Adapter) DeleteObjs(_ context.Context, repo string, ids []types.ObjID) error {
	for _, id := range ids {
		if err := os.Remove(s.layout(repo, id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete object %s: %w", id, err)
		}
	}
	return nil
}

// ScanObjs 先遍历目录拿到文件列表 (快照)，内容在 Next 时才读取
func (s *Adapter) ScanObjs(_ context.Context, repo string, filter []core.ObjType) (storage.RecordIterator, error) {
	root := s.objDir(repo)
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	return &scanIterator{s: s, root: root, paths: paths, want: storage.TypeFilter(filter)}, nil
}

func (s *Adapter) EraseRepository(_ context.Context, repo string) error {
	unlock, err := s.lockRepo(repo)
	if err != nil {
		return err
	}
	defer unlock()
	if err := os.RemoveAll(s.repoDir(repo)); err != nil {
		return fmt.Errorf("failed to erase repository: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// 2. 引用
// -----------------------------------------------------------------------------

func (s *Adapter) AddRef(_ context.Context, repo string, ref core.Reference) error {
	unlock, err := s.lockRepo(repo)
	if err != nil {
		return err
	}
	defer unlock()

	path := s.refPath(repo, ref.Name)
	existing, err := readRef(path)
	if err != nil {
		return err
	}
	if existing != nil {
		return &storage.RefAlreadyExistsError{Existing: *existing}
	}
	return s.writeRef(repo, path, ref)
}

// FetchRefs 不加锁：引用文件总是通过 rename 整体替换，读到的要么是旧版本要么是新版本
func (s *Adapter) FetchRefs(_ context.Context, repo string, names []string) ([]*core.Reference, error) {
	out := make([]*core.Reference, len(names))
	for i, name := range names {
		ref, err := readRef(s.refPath(repo, name))
		if err != nil {
			return nil, err
		}
		out[i] = ref
	}
	return out, nil
}

func (s *Adapter) CasRef(_ context.Context, repo string, expected, updated core.Reference) error {
	unlock, err := s.lockRepo(repo)
	if err != nil {
		return err
	}
	defer unlock()

	path := s.refPath(repo, expected.Name)
	if err := checkRef(path, expected); err != nil {
		return err
	}
	return s.writeRef(repo, path, updated)
}

func (s *Adapter) PurgeRef(_ context.Context, repo string, expected core.Reference) error {
	unlock, err := s.lockRepo(repo)
	if err != nil {
		return err
	}
	defer unlock()

	path := s.refPath(repo, expected.Name)
	if err := checkRef(path, expected); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to purge reference: %w", err)
	}
	return nil
}

func checkRef(path string, expected core.Reference) error {
	current, err := readRef(path)
	if err != nil {
		return err
	}
	if current == nil {
		return &storage.RefNotFoundError{Name: expected.Name}
	}
	if !current.SameState(expected) {
		return &storage.RefConditionFailedError{Existing: *current}
	}
	return nil
}

func readRef(path string) (*core.Reference, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ref core.Reference
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("corrupt reference file %s: %w", path, err)
	}
	return &ref, nil
}

func (s *Adapter) writeRef(repo, path string, ref core.Reference) error {
	data, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal reference: %w", err)
	}
	tmp, err := s.writeTemp(repo, data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write reference: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// 3. 文件格式
// -----------------------------------------------------------------------------

// writeTemp 写入临时文件并 fsync，返回路径
// 临时目录和对象目录在同一个文件系统上，保证 link/rename 是原子的
func (s *Adapter) writeTemp(repo string, data []byte) (string, error) {
	dir := s.tmpDir(repo)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "temp-*")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil { // 必须先关闭才能 Rename
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// encodeFile: <32 字节 BLAKE3(payload)><payload>，payload 是 storage.EncodeRecord 的结果
func encodeFile(rec storage.ObjRecord) []byte {
	payload := storage.EncodeRecord(rec)
	sum := blake3.Sum256(payload)
	out := make([]byte, 0, checksumSize+len(payload))
	out = append(out, sum[:]...)
	return append(out, payload...)
}

func decodeFile(id types.ObjID, raw []byte) (storage.ObjRecord, error) {
	if len(raw) < checksumSize {
		return storage.ObjRecord{}, fmt.Errorf("%w: object %s is truncated", ErrCorrupt, id)
	}
	payload := raw[checksumSize:]
	sum := blake3.Sum256(payload)
	if !bytes.Equal(sum[:], raw[:checksumSize]) {
		return storage.ObjRecord{}, fmt.Errorf("%w: checksum mismatch for object %s", ErrCorrupt, id)
	}
	return storage.DecodeRecord(id, payload)
}

func (s *Adapter) readObj(id types.ObjID, path string) (*storage.ObjRecord, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeFile(id, raw)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

type scanIterator struct {
	s     *Adapter
	root  string
	paths []string
	want  map[core.ObjType]bool

	cur storage.ObjRecord
	err error
}

func (it *scanIterator) Next() bool {
	for len(it.paths) > 0 && it.err == nil {
		path := it.paths[0]
		it.paths = it.paths[1:]

		rel, err := filepath.Rel(it.root, path)
		if err != nil {
			it.err = err
			return false
		}
		id, err := types.ObjIDFromHex(strings.ReplaceAll(rel, string(filepath.Separator), ""))
		if err != nil {
			it.err = fmt.Errorf("%w: unexpected file %s", ErrCorrupt, path)
			return false
		}
		rec, err := it.s.readObj(id, path)
		if err != nil {
			it.err = err
			return false
		}
		if rec == nil || !it.want[rec.Type] {
			continue
		}
		it.cur = *rec
		return true
	}
	return false
}

func (it *scanIterator) Record() storage.ObjRecord { return it.cur }
func (it *scanIterator) Err() error                { return it.err }

func (it *scanIterator) Close() error {
	it.paths = nil
	return nil
}

// ListRepositories 返回磁盘上存在数据的仓库 ID
func (s *Adapter) ListRepositories() ([]string, error) {
	entries, err := os.ReadDir(s.rootPath)
	if err != nil {
		return nil, err
	}
	var repos []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "r-") {
			continue
		}
		repo, err := url.PathUnescape(strings.TrimPrefix(e.Name(), "r-"))
		if err != nil {
			continue
		}
		repos = append(repos, repo)
	}
	slices.Sort(repos)
	return repos, nil
}

// -----------------------------------------------------------------------------
// 注册
// -----------------------------------------------------------------------------

type factory struct{}

func (factory) Name() string   { return Name }
func (factory) NewConfig() any { return &Config{} }
func (factory) Build(_ context.Context, cfg any) (storage.Backend, error) {
	c, ok := cfg.(*Config)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected config type %T", storage.ErrInvalidArgument, cfg)
	}
	return NewAdapter(*c)
}

func init() {
	storage.Register(factory{})
}
