package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectMappingStrategy_PerCPUFull(t *testing.T) {
	// 4 cpus wants 4*4+2=18 SQ / 4+2=6 CQ; hardware grants exactly that.
	p := SelectMappingStrategy(4, 18, 6)
	require.Equal(t, StrategyPerCPUFull, p.Strategy)
	require.Equal(t, 18, p.NumSQ)
	require.Equal(t, 4, p.NumCQ)
	require.Equal(t, 0, p.DumpQ)
	require.Equal(t, 1, p.EventQ)

	seen := map[int]bool{}
	for cpu := 0; cpu < 4; cpu++ {
		for _, v := range []Verb{VerbReadLo, VerbReadHi, VerbWriteLo, VerbWriteHi} {
			seen[p.SQForCPU(cpu, v)] = true
		}
	}
	require.Len(t, seen, 16) // 4 cpus * 4 verbs, all distinct SQs
	require.NotContains(t, seen, p.DumpQ)
	require.NotContains(t, seen, p.EventQ)
}

func TestSelectMappingStrategy_PerCPUSimple(t *testing.T) {
	// Enough SQ/CQ to cover one per cpu, but not the full 4*ncpu+2 tier.
	p := SelectMappingStrategy(4, 4, 4)
	require.Equal(t, StrategyPerCPUSimple, p.Strategy)
	require.Equal(t, 4, p.NumSQ)
	require.Equal(t, 4, p.NumCQ)

	seen := map[int]bool{}
	for cpu := 0; cpu < 4; cpu++ {
		q := p.SQForCPU(cpu, VerbReadLo)
		require.Equal(t, q, p.SQForCPU(cpu, VerbWriteHi)) // no verb split at this tier
		seen[q] = true
	}
	require.Len(t, seen, 4)
}

func TestSelectMappingStrategy_Shared4(t *testing.T) {
	// Falls below the per-cpu tiers (ncpus=8 needs >=8 SQ/CQ) but clears
	// the flat 6 SQ / 3 CQ shared4 floor.
	p := SelectMappingStrategy(8, 6, 3)
	require.Equal(t, StrategyShared4, p.Strategy)
	require.Equal(t, 6, p.NumSQ)
	require.Equal(t, 3, p.NumCQ)

	require.Equal(t, p.SQForCPU(0, VerbReadLo), p.SQForCPU(7, VerbReadLo))
	require.NotEqual(t, p.SQForCPU(0, VerbReadLo), p.SQForCPU(0, VerbWriteLo))
	require.Equal(t, 1, p.CQIndexForSQ(p.SQForCPU(0, VerbReadLo))) // both read SQs share CQ 1
}

func TestSelectMappingStrategy_ReadWrite(t *testing.T) {
	p := SelectMappingStrategy(4, 2, 1)
	require.Equal(t, StrategyReadWrite, p.Strategy)
	require.Equal(t, 2, p.NumSQ)
	require.Equal(t, 1, p.NumCQ)
	require.NotEqual(t, p.SQForCPU(0, VerbReadLo), p.SQForCPU(0, VerbWriteLo))
	require.Equal(t, 0, p.CQIndexForSQ(p.SQForCPU(0, VerbReadLo)))
	require.Equal(t, 0, p.CQIndexForSQ(p.SQForCPU(0, VerbWriteLo)))
}

func TestSelectMappingStrategy_SingleFallback(t *testing.T) {
	p := SelectMappingStrategy(4, 1, 1)
	require.Equal(t, StrategySingle, p.Strategy)
	require.Equal(t, 1, p.NumSQ)
	require.Equal(t, 1, p.NumCQ)
	for cpu := 0; cpu < 4; cpu++ {
		for _, v := range []Verb{VerbReadLo, VerbReadHi, VerbWriteLo, VerbWriteHi, VerbAdmin} {
			require.Equal(t, 0, p.SQForCPU(cpu, v))
		}
	}
}

func TestRoundRobinIRQ_Bounded(t *testing.T) {
	assignment := RoundRobinIRQ(8, 3)
	require.Len(t, assignment, 8)
	for i, vec := range assignment {
		require.Equal(t, i%3, vec)
	}
}
