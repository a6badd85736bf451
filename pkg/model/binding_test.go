package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pb = Binding[Partitioned, Millis]

func p0(offset uint64) Partitioned { return NewSingleton(0, offset) }

func TestConsolidate(t *testing.T) {
	got := Consolidate([]pb{
		{From: p0(5), Into: 2000, Diff: 1},
		{From: p0(3), Into: 1000, Diff: 1},
		{From: p0(3), Into: 2000, Diff: -1},
		{From: p0(5), Into: 2000, Diff: 1},
		{From: p0(7), Into: 2000, Diff: 1},
		{From: p0(7), Into: 2000, Diff: -1},
	})
	assert.Equal(t, []pb{
		{From: p0(3), Into: 1000, Diff: 1},
		{From: p0(3), Into: 2000, Diff: -1},
		{From: p0(5), Into: 2000, Diff: 2},
	}, got)
	assert.Nil(t, Consolidate[Partitioned, Millis](nil))
}

func TestConsolidate_DoesNotModifyInput(t *testing.T) {
	in := []pb{{From: p0(2), Into: 1, Diff: 1}, {From: p0(1), Into: 1, Diff: 1}}
	Consolidate(in)
	assert.Equal(t, p0(2), in[0].From)
}

func TestSourceFrontierAt(t *testing.T) {
	lowest := Partitioned{}.Minimum()
	bindings := []pb{
		{From: lowest, Into: 0, Diff: 1},
		{From: lowest, Into: 1000, Diff: -1},
		{From: p0(3), Into: 1000, Diff: 1},
		{From: NewRange(AfterP(0), PosInf(), 0), Into: 1000, Diff: 1},
		{From: NewRange(NegInf(), BeforeP(0), 0), Into: 1000, Diff: 1},
		{From: p0(3), Into: 2000, Diff: -1},
		{From: p0(5), Into: 2000, Diff: 1},
	}

	at0, err := SourceFrontierAt(bindings, 0)
	require.NoError(t, err)
	assert.True(t, at0.IsMinimum())

	at1500, err := SourceFrontierAt(bindings, 1500)
	require.NoError(t, err)
	assert.Equal(t, PartitionedFrontier(PartitionOffset{Partition: 0, Offset: 3}), at1500.Elements())

	at2000, err := SourceFrontierAt(bindings, 2000)
	require.NoError(t, err)
	assert.Equal(t, PartitionedFrontier(PartitionOffset{Partition: 0, Offset: 5}), at2000.Elements())
}

func TestSourceFrontierAt_Malformed(t *testing.T) {
	_, err := SourceFrontierAt([]pb{
		{From: p0(1), Into: 0, Diff: 1},
		{From: p0(1), Into: 5, Diff: 1},
	}, 10)
	assert.ErrorIs(t, err, ErrMalformedRemap, "multiplicity two")

	_, err = SourceFrontierAt([]pb{
		{From: p0(1), Into: 0, Diff: 1},
		{From: p0(2), Into: 0, Diff: 1},
	}, 0)
	assert.ErrorIs(t, err, ErrMalformedRemap, "comparable members")

	_, err = SourceFrontierAt([]pb{{From: p0(1), Into: 0, Diff: -1}}, 0)
	assert.ErrorIs(t, err, ErrMalformedRemap, "negative multiplicity")
}

func TestBindingTimes(t *testing.T) {
	got := BindingTimes([]pb{
		{From: p0(1), Into: 2000, Diff: 1},
		{From: p0(1), Into: 0, Diff: 1},
		{From: p0(2), Into: 2000, Diff: 1},
	})
	assert.Equal(t, []Millis{0, 2000}, got)
}

func TestBinding_String(t *testing.T) {
	assert.Equal(t, "(p0@3, 1000, -1)", pb{From: p0(3), Into: 1000, Diff: -1}.String())
}
