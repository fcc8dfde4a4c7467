package queue

// Verb names the class of I/O a mapping decision is made for. The four
// non-admin values form the read-lo/read-hi/write-lo/write-hi split:
// lo/hi separates latency-sensitive foreground I/O from
// bulk/background I/O within each direction, the finest granularity the
// top mapping tier offers. Lower tiers collapse some or all of these
// distinctions (see Strategy's doc comments).
type Verb int

const (
	VerbReadLo Verb = iota
	VerbReadHi
	VerbWriteLo
	VerbWriteHi
	VerbAdmin
)

// Strategy names which row of the mapping-strategy preference table
// SelectMappingStrategy chose, in the table's descending preference
// order.
type Strategy int

const (
	// StrategyPerCPUFull is row 1: dump-q, event-q, then 4 SQs per CPU
	// (read-lo/read-hi/write-lo/write-hi), 1 CQ per CPU.
	StrategyPerCPUFull Strategy = iota
	// StrategyPerCPUSimple is row 2: 1 SQ + 1 CQ per CPU, no verb split.
	StrategyPerCPUSimple
	// StrategyShared4 is row 3: dump-q, event-q, and 4 SQs shared across
	// all CPUs, separated by access type, sharing CQs among themselves.
	StrategyShared4
	// StrategyReadWrite is row 4: one read queue and one write queue,
	// both completing on a single shared CQ.
	StrategyReadWrite
	// StrategySingle is row 5: one SQ and one CQ for all I/O.
	StrategySingle
)

func (s Strategy) String() string {
	switch s {
	case StrategyPerCPUFull:
		return "per-cpu-full"
	case StrategyPerCPUSimple:
		return "per-cpu-simple"
	case StrategyShared4:
		return "shared-4"
	case StrategyReadWrite:
		return "read-write"
	case StrategySingle:
		return "single"
	default:
		return "unknown"
	}
}

// MappingPlan is the resolved output of SelectMappingStrategy: how many
// SQs/CQs to create, which CQ each SQ shares, and the per-CPU/verb
// lookup table a submitter consults at request time
// (`qmap[cpu][type]`).
type MappingPlan struct {
	Strategy Strategy
	NCPUs    int

	// NumSQ/NumCQ are the total I/O submission/completion queues this
	// plan requires, both 1-indexed by SQ/CQ id when created (id 0 is
	// always the admin queue).
	NumSQ int
	NumCQ int

	// sqToCQ[i] gives the CQ index (0-based, NOT the wire CQ id) SQ index
	// i (0-based) shares.
	sqToCQ []int

	// DumpQ/EventQ are the 0-based SQ indices of the dump and event
	// queues, or -1 if this strategy has none (rows 2, 4, 5).
	DumpQ  int
	EventQ int

	// perCPU[cpu][verb] resolves to a 0-based SQ index for per-CPU
	// strategies (rows 1-2); sharedVerb[verb] resolves the same way for
	// strategies where every CPU shares the same queues (rows 3-5).
	perCPU     [][]int
	sharedVerb []int
}

// SelectMappingStrategy picks a queue layout: given nCPUs and the SQ/CQ
// counts the controller granted via SET_FEATURES(NUMQUEUES)
// (negotiateQueueCounts), it picks the first row
// (in descending preference) the grant satisfies and returns the queue
// layout/verb map that row describes.
func SelectMappingStrategy(nCPUs, grantedSQ, grantedCQ int) MappingPlan {
	if nCPUs <= 0 {
		nCPUs = 1
	}

	switch {
	case grantedSQ >= 4*nCPUs+2 && grantedCQ >= nCPUs+2:
		return planPerCPUFull(nCPUs)
	case grantedSQ >= nCPUs && grantedCQ >= nCPUs:
		return planPerCPUSimple(nCPUs)
	case grantedSQ >= 6 && grantedCQ >= 3:
		return planShared4(nCPUs)
	case grantedSQ >= 2:
		return planReadWrite(nCPUs)
	default:
		return planSingle(nCPUs)
	}
}

// planPerCPUFull builds row 1: SQs [dump-q, event-q, then 4 per CPU],
// one CQ per CPU (dump-q and event-q complete on CPU 0's CQ).
func planPerCPUFull(nCPUs int) MappingPlan {
	numSQ := 2 + 4*nCPUs
	p := MappingPlan{
		Strategy: StrategyPerCPUFull,
		NCPUs:    nCPUs,
		NumSQ:    numSQ,
		NumCQ:    nCPUs,
		sqToCQ:   make([]int, numSQ),
		DumpQ:    0,
		EventQ:   1,
		perCPU:   make([][]int, nCPUs),
	}
	p.sqToCQ[0] = 0
	p.sqToCQ[1] = 0

	next := 2
	for cpu := 0; cpu < nCPUs; cpu++ {
		p.perCPU[cpu] = make([]int, int(VerbAdmin))
		for _, v := range []Verb{VerbReadLo, VerbReadHi, VerbWriteLo, VerbWriteHi} {
			p.perCPU[cpu][v] = next
			p.sqToCQ[next] = cpu
			next++
		}
	}
	return p
}

// planPerCPUSimple builds row 2: one SQ and one CQ per CPU, every verb
// routed to the same per-CPU SQ.
func planPerCPUSimple(nCPUs int) MappingPlan {
	p := MappingPlan{
		Strategy: StrategyPerCPUSimple,
		NCPUs:    nCPUs,
		NumSQ:    nCPUs,
		NumCQ:    nCPUs,
		sqToCQ:   make([]int, nCPUs),
		DumpQ:    -1,
		EventQ:   -1,
		perCPU:   make([][]int, nCPUs),
	}
	for cpu := 0; cpu < nCPUs; cpu++ {
		p.sqToCQ[cpu] = cpu
		p.perCPU[cpu] = make([]int, int(VerbAdmin))
		for v := Verb(0); v < VerbAdmin; v++ {
			p.perCPU[cpu][v] = cpu
		}
	}
	return p
}

// planShared4 builds row 3: dump-q, event-q, and 4 SQs separated by
// access type, all CPUs sharing the same queues. 3 CQs: one for
// dump-q/event-q, one for the two read SQs, one for the two write SQs.
func planShared4(nCPUs int) MappingPlan {
	p := MappingPlan{
		Strategy:   StrategyShared4,
		NCPUs:      nCPUs,
		NumSQ:      6,
		NumCQ:      3,
		sqToCQ:     []int{0, 0, 1, 1, 2, 2},
		DumpQ:      0,
		EventQ:     1,
		sharedVerb: make([]int, int(VerbAdmin)),
	}
	p.sharedVerb[VerbReadLo] = 2
	p.sharedVerb[VerbReadHi] = 3
	p.sharedVerb[VerbWriteLo] = 4
	p.sharedVerb[VerbWriteHi] = 5
	return p
}

// planReadWrite builds row 4: a read queue and a write queue, both
// completing on one shared CQ.
func planReadWrite(nCPUs int) MappingPlan {
	p := MappingPlan{
		Strategy:   StrategyReadWrite,
		NCPUs:      nCPUs,
		NumSQ:      2,
		NumCQ:      1,
		sqToCQ:     []int{0, 0},
		DumpQ:      -1,
		EventQ:     -1,
		sharedVerb: make([]int, int(VerbAdmin)),
	}
	p.sharedVerb[VerbReadLo] = 0
	p.sharedVerb[VerbReadHi] = 0
	p.sharedVerb[VerbWriteLo] = 1
	p.sharedVerb[VerbWriteHi] = 1
	return p
}

// planSingle builds row 5: one SQ and one CQ for all I/O.
func planSingle(nCPUs int) MappingPlan {
	p := MappingPlan{
		Strategy:   StrategySingle,
		NCPUs:      nCPUs,
		NumSQ:      1,
		NumCQ:      1,
		sqToCQ:     []int{0},
		DumpQ:      -1,
		EventQ:     -1,
		sharedVerb: make([]int, int(VerbAdmin)),
	}
	return p
}

// SQForCPU resolves verb on cpu to a 0-based SQ index, the table
// `qmap[cpu][type]` naming suggests. Out-of-range cpu wraps modulo
// NCPUs so a caller with more goroutines than the topology it was built
// from still gets a valid queue rather than an error.
func (p MappingPlan) SQForCPU(cpu int, verb Verb) int {
	if verb == VerbAdmin {
		verb = VerbReadLo
	}
	if p.perCPU != nil {
		if p.NCPUs > 0 {
			cpu = ((cpu % p.NCPUs) + p.NCPUs) % p.NCPUs
		} else {
			cpu = 0
		}
		return p.perCPU[cpu][verb]
	}
	return p.sharedVerb[verb]
}

// CQIndexForSQ returns the 0-based CQ index SQ index sq shares.
func (p MappingPlan) CQIndexForSQ(sq int) int {
	if sq < 0 || sq >= len(p.sqToCQ) {
		return 0
	}
	return p.sqToCQ[sq]
}

// roundRobinIRQ assigns each completion queue an IRQ vector in round-robin
// order across nVectors available MSI-X vectors, bounded at nQueues
// iterations — a flat round-robin with an explicit loop bound, never
// "until some condition holds".
func roundRobinIRQ(nQueues, nVectors int) []int {
	if nVectors <= 0 {
		nVectors = 1
	}
	assignment := make([]int, nQueues)
	for q := 0; q < nQueues; q++ {
		assignment[q] = q % nVectors
	}
	return assignment
}

// RoundRobinIRQ is the exported form of roundRobinIRQ. admin.Thread does
// not call it: MAKE_QUEUES creates its completion queues without
// assigning IRQ vectors.
func RoundRobinIRQ(nQueues, nVectors int) []int {
	return roundRobinIRQ(nQueues, nVectors)
}
