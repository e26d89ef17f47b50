package workload

// AssertLevel is the strictness tier for invariant checks, selected from how
// much backing storage is shared across the concurrently running workloads.
// It is fixed for the duration of one run and carried in every worker's
// RunContext rather than held as process-global state.
type AssertLevel int

const (
	// AssertOwnDB: every workload owns its database outright.
	AssertOwnDB AssertLevel = iota
	// AssertOwnColl: the database is shared but each workload owns its
	// collection.
	AssertOwnColl
	// AssertAlways: collections are shared across workloads, so only checks
	// that hold under arbitrary interference may run.
	AssertAlways
)

// AssertLevelFromSharing maps the cluster sharing flags to the level:
//
//	sameCollection        -> AssertAlways
//	sameDB only           -> AssertOwnColl
//	neither               -> AssertOwnDB
func AssertLevelFromSharing(sameDB, sameCollection bool) AssertLevel {
	switch {
	case sameCollection:
		return AssertAlways
	case sameDB:
		return AssertOwnColl
	default:
		return AssertOwnDB
	}
}

// ShouldAssert reports whether an invariant check declared at level declared
// is safe to run under the run's sharing level l. A check declared
// AssertAlways runs under any sharing; a check declared AssertOwnDB only
// runs when the workload owns its whole database.
func (l AssertLevel) ShouldAssert(declared AssertLevel) bool {
	return declared >= l
}

func (l AssertLevel) String() string {
	switch l {
	case AssertOwnDB:
		return "ownDB"
	case AssertOwnColl:
		return "ownColl"
	case AssertAlways:
		return "always"
	default:
		return "unknown"
	}
}
