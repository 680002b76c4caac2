package store

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/xmh1011/go-tps/engine/lsm/buffer"
	"github.com/xmh1011/go-tps/engine/lsm/cache"
	"github.com/xmh1011/go-tps/engine/lsm/filename"
	"github.com/xmh1011/go-tps/engine/lsm/iterator"
	"github.com/xmh1011/go-tps/engine/lsm/key"
	"github.com/xmh1011/go-tps/engine/lsm/memtable"
	"github.com/xmh1011/go-tps/engine/lsm/merge"
	"github.com/xmh1011/go-tps/engine/lsm/meta"
	"github.com/xmh1011/go-tps/engine/lsm/table"
	"github.com/xmh1011/go-tps/pkg/log"
	"github.com/xmh1011/go-tps/pkg/utils"
)

// Options 控制存储实例的行为
type Options struct {
	// Table 是排序文件的构建与读取参数
	Table table.Options
	// TableCacheSize 是表缓存容量
	TableCacheSize int
	// MaxMemTableSize 是写缓冲交给合并线程的大小阈值
	MaxMemTableSize uint64
	// Metrics 是合并指标，可以为 nil
	Metrics *merge.Metrics
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		Table:           table.NewDefaultOptions(),
		TableCacheSize:  128,
		MaxMemTableSize: 2 * 1024 * 1024,
	}
}

// TemporalStore 是一个时序属性存储实例：一个属性一个子目录，
// 根目录下的元信息文件描述全部文件层次。进程内节点属性和关系属性
// 各开一个实例，各自拥有独立的合并线程。
type TemporalStore struct {
	root    string
	opts    Options
	sysMeta *meta.SystemMeta
	cache   *cache.TableCache
	worker  *merge.Worker

	mu     sync.Mutex // 保护 stores 与写缓冲
	stores map[uint32]*PropertyStore
	active *memtable.MemTable

	closed bool
}

// Open 打开（或创建）一个存储实例并启动合并线程。
// 元信息引用的文件缺失说明元信息与数据不一致，直接 panic，
// 进程需要从预写日志重建。
func Open(root string, opts Options) (*TemporalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create store directory %s", root)
	}
	log.Infof("[TemporalStore] Opening store at %s", root)

	sysMeta := meta.NewSystemMeta()
	if err := sysMeta.Load(root); err != nil {
		return nil, errors.Wrap(err, "load metadata")
	}

	tableCache, err := cache.NewTableCache(opts.TableCacheSize, opts.Table)
	if err != nil {
		return nil, err
	}

	s := &TemporalStore{
		root:    root,
		opts:    opts,
		sysMeta: sysMeta,
		cache:   tableCache,
		stores:  make(map[uint32]*PropertyStore),
		active:  memtable.NewMemTable(),
	}
	s.validateFiles()
	if err = s.recoverBuffers(); err != nil {
		return nil, err
	}

	s.worker = merge.NewWorker(root, sysMeta, s, opts.Metrics)
	s.worker.Start()
	return s, nil
}

// validateFiles 校验元信息引用的每个文件都存在
func (s *TemporalStore) validateFiles() {
	s.sysMeta.LockShared()
	defer s.sysMeta.UnlockShared()
	for _, id := range s.sysMeta.PropertyIDs() {
		pMeta, _ := s.sysMeta.Property(id)
		dir := filename.PropertyDir(s.root, id)
		for _, slot := range pMeta.UnstableSlots() {
			s.mustExist(filepath.Join(dir, filename.UnstableFileName(slot)))
		}
		for _, fm := range pMeta.StableFiles() {
			s.mustExist(filepath.Join(dir, filename.StableFileName(fm.Number)))
		}
	}
}

func (s *TemporalStore) mustExist(path string) {
	if _, err := os.Stat(path); err != nil {
		log.Panicf("[TemporalStore] Meta corruption: referenced file missing: %s", path)
	}
}

// recoverBuffers 重新打开属性目录下残留的覆盖缓冲并登记到元信息
func (s *TemporalStore) recoverBuffers() error {
	s.sysMeta.LockExclusive()
	defer s.sysMeta.UnlockExclusive()
	for _, id := range s.sysMeta.PropertyIDs() {
		pMeta, _ := s.sysMeta.Property(id)
		dir := filename.PropertyDir(s.root, id)
		files, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "read property directory %s", dir)
		}
		for _, f := range files {
			if f.IsDir() || !filename.IsBufferFile(f.Name()) {
				continue
			}
			fileBuffer, err := buffer.NewFileBuffer(filepath.Join(dir, f.Name()))
			if err != nil {
				return errors.Wrapf(err, "recover buffer %s", f.Name())
			}
			fileNo := utils.ExtractID(f.Name())
			if filename.IsStableFile(f.Name()) {
				pMeta.SetStableBuffer(fileNo, fileBuffer)
			} else {
				pMeta.SetUnstableBuffer(fileNo, fileBuffer)
			}
			log.Infof("[TemporalStore] Recovered buffer %s for property %d", f.Name(), id)
		}
	}
	return nil
}

// Merge 实现 merge.TaskSource：为一个属性的子缓冲产出合并任务
func (s *TemporalStore) Merge(propertyID uint32, mem *memtable.MemTable) (*merge.Task, error) {
	if mem == nil || mem.IsEmpty() {
		return nil, nil
	}
	ps, err := s.getOrCreateStore(propertyID)
	if err != nil {
		return nil, err
	}
	return merge.NewTask(ps.dir, mem, ps.pMeta, s.cache, s.opts.Table), nil
}

// getOrCreateStore 返回属性仓库，属性首次出现时创建目录和元信息
func (s *TemporalStore) getOrCreateStore(propertyID uint32) (*PropertyStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.stores[propertyID]; ok {
		return ps, nil
	}

	dir := filename.PropertyDir(s.root, propertyID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create property directory %s", dir)
	}
	s.sysMeta.LockExclusive()
	pMeta := s.sysMeta.GetOrCreateProperty(propertyID)
	s.sysMeta.UnlockExclusive()

	ps := &PropertyStore{
		store:      s,
		propertyID: propertyID,
		dir:        dir,
		pMeta:      pMeta,
	}
	s.stores[propertyID] = ps
	return ps, nil
}

// Put 写入一条属性记录，写缓冲写满后整体交给合并线程
func (s *TemporalStore) Put(k key.InternalKey, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("store is closed")
	}
	s.active.Add(k, value)
	if s.active.ApproximateSize() >= s.opts.MaxMemTableSize {
		log.Info("[TemporalStore] MemTable full, offering to merge worker")
		s.worker.Offer(s.active)
		s.active = memtable.NewMemTable()
	}
	return nil
}

// Invalidate 写入一条删除标记：实体的属性从 startTime 起不再有效
func (s *TemporalStore) Invalidate(propertyID uint32, entityID uint64, startTime int32) error {
	return s.Put(key.InternalKey{
		PropertyID: propertyID,
		EntityID:   entityID,
		StartTime:  startTime,
		Kind:       key.Invalid,
	}, nil)
}

// Offer 直接把一个 MemTable 交给合并线程
func (s *TemporalStore) Offer(mt *memtable.MemTable) {
	s.worker.Offer(mt)
}

// Flush 强制把当前写缓冲交给合并线程，通常用于快照或关停
func (s *TemporalStore) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active.IsEmpty() {
		return
	}
	log.Info("[TemporalStore] Force flushing active MemTable")
	s.worker.Offer(s.active)
	s.active = memtable.NewMemTable()
}

// IsMerging 返回是否有正在进行或排队的合并
func (s *TemporalStore) IsMerging() bool {
	return s.worker.IsMerging()
}

// AppendUnstableBuffer 给指定槽位的非稳定文件追加一条延迟写入
func (s *TemporalStore) AppendUnstableBuffer(propertyID uint32, slot uint64, k key.InternalKey, value []byte) error {
	ps, err := s.getOrCreateStore(propertyID)
	if err != nil {
		return err
	}
	return ps.appendBuffer(slot, false, k, value)
}

// AppendStableBuffer 给指定稳定文件追加一条延迟写入
func (s *TemporalStore) AppendStableBuffer(propertyID uint32, id uint64, k key.InternalKey, value []byte) error {
	ps, err := s.getOrCreateStore(propertyID)
	if err != nil {
		return err
	}
	return ps.appendBuffer(id, true, k, value)
}

// NewIterator 返回指定属性全部落盘数据加当前写缓冲的有序归并迭代器。
// 文件集合在共享元信息锁内捕获并打开：之后的合并翻转不影响已返回的
// 迭代器，被逐出的表等迭代器关闭后才物理关闭。
func (s *TemporalStore) NewIterator(propertyID uint32) (iterator.Iterator, error) {
	s.mu.Lock()
	memIter := s.active.NewIterator()
	s.mu.Unlock()
	iters := []iterator.Iterator{memIter}

	s.sysMeta.LockShared()
	defer s.sysMeta.UnlockShared()
	pMeta, ok := s.sysMeta.Property(propertyID)
	if !ok {
		return iterator.NewMergingIterator(iters), nil
	}
	dir := filename.PropertyDir(s.root, propertyID)

	// 非稳定层槽位号越小数据越新，升序排列让新数据先出
	for _, slot := range pMeta.UnstableSlots() {
		it, err := s.cache.NewIterator(filepath.Join(dir, filename.UnstableFileName(slot)))
		if err != nil {
			closeAll(iters)
			return nil, err
		}
		if fileBuffer := pMeta.UnstableBuffer(slot); fileBuffer != nil {
			it = iterator.NewBufferFileAndTableIterator(fileBuffer.NewIterator(), it)
		}
		iters = append(iters, it)
	}

	// 稳定层按 id 降序，较新的文件先出
	stables := pMeta.StableFiles()
	for i := len(stables) - 1; i >= 0; i-- {
		fm := stables[i]
		it, err := s.cache.NewIterator(filepath.Join(dir, filename.StableFileName(fm.Number)))
		if err != nil {
			closeAll(iters)
			return nil, err
		}
		if fileBuffer := pMeta.StableBuffer(fm.Number); fileBuffer != nil {
			it = iterator.NewBufferFileAndTableIterator(fileBuffer.NewIterator(), it)
		}
		iters = append(iters, it)
	}
	return iterator.NewMergingIterator(iters), nil
}

// GetLatest 返回实体的属性在 atTime 时刻可见的值。
// 没有可见记录或最近一条是删除标记时返回不存在。
func (s *TemporalStore) GetLatest(propertyID uint32, entityID uint64, atTime int32) ([]byte, bool, error) {
	it, err := s.NewIterator(propertyID)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = it.Close() }()

	// 实体内 startTime 降序，定位到第一条起始时间不晚于 atTime 的记录
	target := key.InternalKey{PropertyID: propertyID, EntityID: entityID, StartTime: atTime, Kind: key.Value}
	it.Seek(target.Encode())
	if !it.Valid() {
		return nil, false, nil
	}
	found := key.MustDecode(it.Key())
	if found.PropertyID != propertyID || found.EntityID != entityID || found.StartTime > atTime {
		return nil, false, nil
	}
	if found.Kind == key.Invalid {
		return nil, false, nil
	}
	return it.Value(), true, nil
}

// PropertyMeta 返回属性元信息，测试与运维接口。
// 返回值只应在共享元信息锁内读取，或在确认没有并发合并时读取。
func (s *TemporalStore) PropertyMeta(propertyID uint32) (*meta.PropertyMetaData, bool) {
	s.sysMeta.LockShared()
	defer s.sysMeta.UnlockShared()
	return s.sysMeta.Property(propertyID)
}

// SystemMeta 返回系统元信息句柄
func (s *TemporalStore) SystemMeta() *meta.SystemMeta {
	return s.sysMeta
}

// Close 关停存储：刷出写缓冲，等合并线程退出，落盘元信息并失效缓存
func (s *TemporalStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	active := s.active
	s.mu.Unlock()

	log.Infof("[TemporalStore] Closing store at %s", s.root)
	if !active.IsEmpty() {
		s.worker.Offer(active)
	}
	s.worker.Interrupt()

	s.sysMeta.LockExclusive()
	err := s.sysMeta.Force(s.root)
	s.sysMeta.UnlockExclusive()
	if err != nil {
		log.Errorf("[TemporalStore] Force metadata on close failed: %s", err.Error())
		return err
	}
	s.cache.Close()

	s.sysMeta.LockExclusive()
	for _, id := range s.sysMeta.PropertyIDs() {
		if pMeta, ok := s.sysMeta.Property(id); ok {
			if err := pMeta.CloseBuffers(); err != nil {
				log.Errorf("[TemporalStore] Close buffers of property %d failed: %s", id, err.Error())
			}
		}
	}
	s.sysMeta.UnlockExclusive()
	return nil
}

// PropertyStore 是单个属性的仓库视图
type PropertyStore struct {
	store      *TemporalStore
	propertyID uint32
	dir        string
	pMeta      *meta.PropertyMetaData
}

// appendBuffer 追加一条延迟写入，缓冲不存在时先创建并登记
func (p *PropertyStore) appendBuffer(fileNo uint64, stable bool, k key.InternalKey, value []byte) error {
	p.store.sysMeta.LockExclusive()
	var fileBuffer *buffer.FileBuffer
	if stable {
		fileBuffer = p.pMeta.StableBuffer(fileNo)
	} else {
		fileBuffer = p.pMeta.UnstableBuffer(fileNo)
	}
	if fileBuffer == nil {
		var name string
		if stable {
			name = filename.StableBufferName(fileNo)
		} else {
			name = filename.UnstableBufferName(fileNo)
		}
		var err error
		fileBuffer, err = buffer.NewFileBuffer(filepath.Join(p.dir, name))
		if err != nil {
			p.store.sysMeta.UnlockExclusive()
			return err
		}
		if stable {
			p.pMeta.SetStableBuffer(fileNo, fileBuffer)
		} else {
			p.pMeta.SetUnstableBuffer(fileNo, fileBuffer)
		}
	}
	p.store.sysMeta.UnlockExclusive()
	return fileBuffer.Append(k.Encode(), value)
}

func closeAll(iters []iterator.Iterator) {
	for _, it := range iters {
		_ = it.Close()
	}
}
