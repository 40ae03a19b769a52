package core

import "sync"

// TxMapper is local bookkeeping mapping this store's tx entids to an
// external (remote) identifier. It holds no network code: a sync client
// lives outside this library and reads/writes this mapping without the
// mapper itself performing any transport.
type TxMapper struct {
	mu         sync.RWMutex
	localToExt map[Entid]string
	extToLocal map[string]Entid
}

func NewTxMapper() *TxMapper {
	return &TxMapper{localToExt: map[Entid]string{}, extToLocal: map[string]Entid{}}
}

// Set records that local tx maps to the external identifier ext.
func (m *TxMapper) Set(tx Entid, ext string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localToExt[tx] = ext
	m.extToLocal[ext] = tx
}

func (m *TxMapper) ExternalFor(tx Entid) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ext, ok := m.localToExt[tx]
	return ext, ok
}

func (m *TxMapper) LocalFor(ext string) (Entid, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.extToLocal[ext]
	return tx, ok
}

// SyncWatermark is a monotonic cursor over committed tx ids, local state
// only; no remote client is implemented here.
type SyncWatermark struct {
	mu  sync.Mutex
	at  Entid
	set bool
}

// Advance moves the watermark forward to tx, ignoring calls that would move
// it backwards (tx ids are strictly increasing, so this is always a no-op
// misuse guard rather than a real race).
func (w *SyncWatermark) Advance(tx Entid) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.set || tx > w.at {
		w.at = tx
		w.set = true
	}
}

func (w *SyncWatermark) Value() (Entid, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.at, w.set
}
