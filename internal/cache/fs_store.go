package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	cacheDirPrefix  = "c-"
	entrySuffix     = ".entry"
	lockFileName    = ".lock"
	trashDirPattern = ".trash-*"
)

// NewFSStorage 以 basePath 为根目录构建磁盘缓存，并通过文件锁独占该目录。
//
// 磁盘布局：
//
//	<basePath>/.lock
//	<basePath>/c-<escaped name>/<sha256(key)>.entry   # 首行 JSON 元数据 + 正文
func NewFSStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	lock := flock.New(filepath.Join(abs, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock storage path: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrStorageLocked, abs)
	}

	return &fsStorage{
		basePath: abs,
		lock:     lock,
		locks:    make(map[string]*entryLock),
		now:      time.Now,
		rename:   os.Rename,
	}, nil
}

// fsStorage 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fsStorage struct {
	basePath string
	lock     *flock.Flock
	now      func() time.Time
	rename   func(oldpath, newpath string) error

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fsCache struct {
	storage *fsStorage
	name    string
	dir     string
}

func (s *fsStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fsCache{storage: s, name: name, dir: dir}, nil
}

func (s *fsStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// Delete 先把目录改名进回收区再删除，读者不会看到删了一半的缓存仓。
func (s *fsStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return false, err
	}

	trash, err := os.MkdirTemp(s.basePath, trashDirPattern)
	if err != nil {
		return false, err
	}
	target := filepath.Join(trash, filepath.Base(dir))
	if err := os.Rename(dir, target); err != nil {
		os.RemoveAll(trash)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fsStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), cacheDirPrefix) {
			continue
		}
		name, err := url.PathUnescape(strings.TrimPrefix(entry.Name(), cacheDirPrefix))
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fsStorage) Close() error {
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

func (s *fsStorage) cacheDir(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, cacheDirPrefix+url.PathEscape(name)), nil
}

func (s *fsStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (c *fsCache) Name() string {
	return c.name
}

func (c *fsCache) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(c.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	rec, body, err := readEntry(f, true)
	if err != nil {
		return nil, fmt.Errorf("read cache entry %s: %w", key, err)
	}
	if rec.key() != key {
		return nil, ErrNotFound
	}
	return rec.response(body), nil
}

func (c *fsCache) Put(ctx context.Context, key Key, resp *Response) error {
	unlock := c.storage.lockEntry(c.lockKey(key))
	defer unlock()

	tempName, err := c.stage(ctx, key, resp)
	if err != nil {
		return err
	}
	if err := c.storage.rename(tempName, c.entryPath(key)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

// PutAll 先把全部条目写入临时文件，再持有全部条目锁逐一 rename。
// 被覆盖的旧条目先硬链接为备份，任一 rename 失败时按逆序恢复已提交的条目。
func (c *fsCache) PutAll(ctx context.Context, entries []Entry) error {
	staged := make([]string, 0, len(entries))
	cleanup := func() {
		for _, name := range staged {
			os.Remove(name)
		}
	}

	for _, entry := range entries {
		tempName, err := c.stage(ctx, entry.Key, entry.Response)
		if err != nil {
			cleanup()
			return err
		}
		staged = append(staged, tempName)
	}

	unlock := c.lockEntries(entries)
	defer unlock()

	committed := make([]commitRecord, 0, len(entries))
	for i, entry := range entries {
		rec, err := c.commit(staged[i], c.entryPath(entry.Key))
		if err != nil {
			cleanup()
			c.rollback(committed)
			return err
		}
		committed = append(committed, rec)
	}
	for _, rec := range committed {
		if rec.backup != "" {
			os.Remove(rec.backup)
		}
	}
	return nil
}

type commitRecord struct {
	target string
	backup string
}

// commit 把 staged 换到 target，target 原有内容保留在 backup 中。
func (c *fsCache) commit(staged, target string) (commitRecord, error) {
	rec := commitRecord{target: target}
	backup := staged + ".bak"
	switch err := os.Link(target, backup); {
	case err == nil:
		rec.backup = backup
	case !errors.Is(err, fs.ErrNotExist):
		return rec, err
	}
	if err := c.storage.rename(staged, target); err != nil {
		if rec.backup != "" {
			os.Remove(rec.backup)
		}
		return rec, err
	}
	return rec, nil
}

func (c *fsCache) rollback(committed []commitRecord) {
	for i := len(committed) - 1; i >= 0; i-- {
		rec := committed[i]
		if rec.backup == "" {
			os.Remove(rec.target)
			continue
		}
		if err := c.storage.rename(rec.backup, rec.target); err != nil {
			os.Remove(rec.backup)
		}
	}
}

// lockEntries 按固定顺序获取多个条目锁，避免与并发的 PutAll 互相等待。
func (c *fsCache) lockEntries(entries []Entry) func() {
	keys := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		k := c.lockKey(entry.Key)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	unlocks := make([]func(), 0, len(keys))
	for _, k := range keys {
		unlocks = append(unlocks, c.storage.lockEntry(k))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (c *fsCache) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		f, err := os.Open(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			continue
		}
		rec, _, err := readEntry(f, false)
		f.Close()
		if err != nil {
			continue
		}
		keys = append(keys, rec.key())
	}
	sortKeys(keys)
	return keys, nil
}

// stage 把条目写入同目录临时文件并返回文件名，调用方负责 rename 或清理。
func (c *fsCache) stage(ctx context.Context, key Key, resp *Response) (string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", err
	}
	stored := prepareForStore(resp, c.storage.now())
	header, err := encodeRecord(newRecord(key, stored, false))
	if err != nil {
		return "", err
	}

	tempFile, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()

	w := bufio.NewWriter(tempFile)
	_, err = w.Write(append(header, '\n'))
	if err == nil {
		_, err = copyWithContext(ctx, w, bytes.NewReader(stored.Body))
	}
	if err == nil {
		err = w.Flush()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func (c *fsCache) entryPath(key Key) string {
	sum := sha256.Sum256([]byte(key.String()))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func (c *fsCache) lockKey(key Key) string {
	return c.name + "::" + key.String()
}

func readEntry(r io.Reader, withBody bool) (record, []byte, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return record{}, nil, err
	}
	rec, err := decodeRecord(bytes.TrimSuffix(line, []byte("\n")))
	if err != nil {
		return record{}, nil, err
	}
	if !withBody {
		return rec, nil, nil
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return record{}, nil, err
	}
	return rec, body, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].URL == keys[j].URL {
			return keys[i].Method < keys[j].Method
		}
		return keys[i].URL < keys[j].URL
	})
}
