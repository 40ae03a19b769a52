package core

import "fmt"

// Partition is a contiguous, named range of entids with a next-id cursor.
// Invariants: Start <= Next <= End; partitions are pairwise disjoint; Next
// is monotonically non-decreasing.
type Partition struct {
	Name          string
	Start         Entid
	End           Entid
	Next          Entid
	AllowExcision bool
}

// PartitionError reports a partition invariant violation, e.g. exhaustion.
type PartitionError struct {
	Partition string
	Message   string
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("partition %s: %s", e.Partition, e.Message)
}

// PartitionMap maps partition name to its allocation window. Partition
// count is small (db/user/tx plus whatever a caller installs), so linear
// scans for the owning-partition lookup are acceptable.
type PartitionMap struct {
	byName map[string]*Partition
}

func NewPartitionMap() *PartitionMap {
	return &PartitionMap{byName: map[string]*Partition{}}
}

// Clone returns a structural copy for copy-on-write sharing.
func (m *PartitionMap) Clone() *PartitionMap {
	out := NewPartitionMap()
	for name, p := range m.byName {
		cp := *p
		out.byName[name] = &cp
	}
	return out
}

// Install adds or replaces a partition definition outright (used only at
// bootstrap and by the transactor's reflect stage, never by a reader).
func (m *PartitionMap) Install(p Partition) {
	cp := p
	m.byName[p.Name] = &cp
}

// Get returns the named partition, if any.
func (m *PartitionMap) Get(name string) (*Partition, bool) {
	p, ok := m.byName[name]
	return p, ok
}

// Owner returns the partition containing id, by linear scan.
func (m *PartitionMap) Owner(id Entid) (*Partition, bool) {
	for _, p := range m.byName {
		if id >= p.Start && id < p.End {
			return p, true
		}
	}
	return nil, false
}

// Allocate reserves n consecutive ids from the named partition, advancing
// its Next cursor, and returns the first id of the allocated run.
func (m *PartitionMap) Allocate(name string, n int) (Entid, error) {
	p, ok := m.byName[name]
	if !ok {
		return 0, &PartitionError{Partition: name, Message: "unknown partition"}
	}
	if n <= 0 {
		return 0, &PartitionError{Partition: name, Message: "allocation count must be positive"}
	}
	first := p.Next
	last := first + Entid(n)
	if last > p.End {
		return 0, &PartitionError{Partition: name, Message: "partition exhausted"}
	}
	p.Next = last
	return first, nil
}

// Merge unions foreign into m, taking the larger Next cursor per partition
// (monotonic union, used when restoring/merging partition state).
func (m *PartitionMap) Merge(foreign *PartitionMap) {
	for name, fp := range foreign.byName {
		p, ok := m.byName[name]
		if !ok {
			cp := *fp
			m.byName[name] = &cp
			continue
		}
		if fp.Next > p.Next {
			p.Next = fp.Next
		}
	}
}

// Names returns every partition name currently installed.
func (m *PartitionMap) Names() []string {
	out := make([]string, 0, len(m.byName))
	for name := range m.byName {
		out = append(out, name)
	}
	return out
}
