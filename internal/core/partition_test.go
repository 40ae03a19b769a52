package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionMapAllocateAdvancesNext(t *testing.T) {
	m := NewPartitionMap()
	m.Install(Partition{Name: "p", Start: 0, End: 10, Next: 0})

	first, err := m.Allocate("p", 3)
	require.NoError(t, err)
	assert.Equal(t, Entid(0), first)

	p, _ := m.Get("p")
	assert.Equal(t, Entid(3), p.Next)

	second, err := m.Allocate("p", 2)
	require.NoError(t, err)
	assert.Equal(t, Entid(3), second)
}

func TestPartitionMapAllocateExhausted(t *testing.T) {
	m := NewPartitionMap()
	m.Install(Partition{Name: "p", Start: 0, End: 2, Next: 0})
	_, err := m.Allocate("p", 5)
	require.Error(t, err)
}

func TestPartitionMapOwner(t *testing.T) {
	m := BootstrapPartitions()
	p, ok := m.Owner(User0)
	require.True(t, ok)
	assert.Equal(t, PartUser, p.Name)

	p, ok = m.Owner(Tx0)
	require.True(t, ok)
	assert.Equal(t, PartTx, p.Name)
}

func TestPartitionMapMergeTakesLargerNext(t *testing.T) {
	m := NewPartitionMap()
	m.Install(Partition{Name: "p", Start: 0, End: 100, Next: 5})

	foreign := NewPartitionMap()
	foreign.Install(Partition{Name: "p", Start: 0, End: 100, Next: 20})

	m.Merge(foreign)
	p, _ := m.Get("p")
	assert.Equal(t, Entid(20), p.Next)

	// A foreign cursor behind ours must not move us backwards.
	foreign2 := NewPartitionMap()
	foreign2.Install(Partition{Name: "p", Start: 0, End: 100, Next: 1})
	m.Merge(foreign2)
	p, _ = m.Get("p")
	assert.Equal(t, Entid(20), p.Next)
}

func TestPartitionMapClone(t *testing.T) {
	m := NewPartitionMap()
	m.Install(Partition{Name: "p", Start: 0, End: 10, Next: 0})
	clone := m.Clone()
	_, _ = clone.Allocate("p", 5)

	p, _ := m.Get("p")
	cp, _ := clone.Get("p")
	assert.Equal(t, Entid(0), p.Next)
	assert.Equal(t, Entid(5), cp.Next)
}
