package service

import (
	"sync"
	"time"
)

// SyncBlocker 同步阻塞注册表
// 记录每个SCORM活动上的命名阻塞操作（如正在播放、正在发送track），
// 同时对进行中的同步去重：同一活动的并发同步请求共享同一个结果。
type SyncBlocker struct {
	mu        sync.Mutex
	blocks    map[uint]map[string]struct{}
	ongoing   map[syncKey]*ongoingSync
	lastSyncs map[syncKey]time.Time
}

// syncKey 同步以(活动,用户)为粒度，阻塞操作以活动为粒度
type syncKey struct {
	scormID uint
	userID  uint
}

type ongoingSync struct {
	done   chan struct{}
	result *SyncResult
	err    error
}

func NewSyncBlocker() *SyncBlocker {
	return &SyncBlocker{
		blocks:    make(map[uint]map[string]struct{}),
		ongoing:   make(map[syncKey]*ongoingSync),
		lastSyncs: make(map[syncKey]time.Time),
	}
}

// Block 给指定活动登记一个命名阻塞操作
func (b *SyncBlocker) Block(scormID uint, operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ops := b.blocks[scormID]
	if ops == nil {
		ops = make(map[string]struct{})
		b.blocks[scormID] = ops
	}
	ops[operation] = struct{}{}
}

// Unblock 解除指定活动上的命名阻塞操作
func (b *SyncBlocker) Unblock(scormID uint, operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ops := b.blocks[scormID]
	if ops == nil {
		return
	}
	delete(ops, operation)
	if len(ops) == 0 {
		delete(b.blocks, scormID)
	}
}

// IsBlocked 判断活动当前是否存在任何阻塞操作
func (b *SyncBlocker) IsBlocked(scormID uint) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.blocks[scormID]) > 0
}

// StartSync 尝试登记一次同步。返回的share非nil表示已有同步在进行，
// 调用方应等待share.done并复用其结果；否则调用方执行同步，
// 完成后必须调用FinishSync公布结果。
func (b *SyncBlocker) StartSync(scormID, userID uint) (started bool, share *ongoingSync) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := syncKey{scormID, userID}
	if current, ok := b.ongoing[key]; ok {
		return false, current
	}

	b.ongoing[key] = &ongoingSync{done: make(chan struct{})}

	return true, nil
}

// FinishSync 公布同步结果并唤醒所有等待者
func (b *SyncBlocker) FinishSync(scormID, userID uint, result *SyncResult, err error) {
	key := syncKey{scormID, userID}

	b.mu.Lock()
	current, ok := b.ongoing[key]
	if ok {
		delete(b.ongoing, key)
		if err == nil {
			b.lastSyncs[key] = time.Now()
		}
	}
	b.mu.Unlock()

	if ok {
		current.result = result
		current.err = err
		close(current.done)
	}
}

// Wait 阻塞等待一次进行中的同步结束并取回其结果
func (s *ongoingSync) Wait() (*SyncResult, error) {
	<-s.done

	return s.result, s.err
}

// SyncNeeded 判断距上次成功同步是否已超过间隔
func (b *SyncBlocker) SyncNeeded(scormID, userID uint, interval time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	last, ok := b.lastSyncs[syncKey{scormID, userID}]

	return !ok || time.Since(last) >= interval
}
