package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLiveSetRetraction(t *testing.T) {
	a := NewKeyword("person", "name")
	aid := Entid(50)
	datoms := []Datom{
		{E: 1, A: aid, V: NewString("Alice"), Tx: 10, Added: true},
		{E: 1, A: aid, V: NewString("Alice"), Tx: 20, Added: false},
		{E: 1, A: aid, V: NewString("Alicia"), Tx: 20, Added: true},
	}
	_ = a

	live := LiveSet(datoms, 20)
	assert.Len(t, live, 1)
	assert.Equal(t, "Alicia", mustString(live[0].V))

	live10 := LiveSet(datoms, 10)
	assert.Len(t, live10, 1)
	assert.Equal(t, "Alice", mustString(live10[0].V))
}

func mustString(v Value) string {
	s, _ := v.AsString()
	return s
}
