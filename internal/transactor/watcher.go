package transactor

import "atomdb/internal/core"

// Watcher receives, post-commit, every transaction's id and the full list
// of (e,a,v,added) datoms it wrote.
// Watchers never influence the commit: they are invoked strictly after the
// SQL transaction has committed, before Transact returns the new
// Schema/PartitionMap for its caller to publish.
type Watcher interface {
	OnCommit(txID core.Entid, datoms []core.Datom)
}

// WatcherFunc adapts a plain function to the Watcher interface.
type WatcherFunc func(txID core.Entid, datoms []core.Datom)

func (f WatcherFunc) OnCommit(txID core.Entid, datoms []core.Datom) { f(txID, datoms) }
