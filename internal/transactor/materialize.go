package transactor

import (
	"time"

	"atomdb/internal/core"
)

// materializeTx allocates a tx entid from the tx partition and attaches
// :db/txInstant, explicit or "now". Tx ids are
// strictly increasing because PartitionMap.Allocate only ever advances its
// Next cursor (tx monotonicity invariant).
func materializeTx(pm *core.PartitionMap, txInstantAttr core.Entid, explicit *time.Time) (core.Entid, core.Datom, error) {
	txID, err := pm.Allocate(core.PartTx, 1)
	if err != nil {
		return 0, core.Datom{}, err
	}
	instant := time.Now()
	if explicit != nil {
		instant = *explicit
	}
	d := core.Datom{E: txID, A: txInstantAttr, V: core.NewInstant(instant), Tx: txID, Added: true}
	return txID, d, nil
}
