package admitgate

// Decision is the immutable result of an admission check.
//
// Invariants: Allowed ⇒ RetryAfterS == 0; ¬Allowed ⇒ Remaining == 0 ∧
// ResetEpochMS > now.
type Decision struct {
	Allowed      bool
	Remaining    int64
	ResetEpochMS int64
	RetryAfterS  int64
	AlgorithmTag string
}

func allow(remaining, resetEpochMS int64, tag string) Decision {
	return Decision{
		Allowed:      true,
		Remaining:    remaining,
		ResetEpochMS: resetEpochMS,
		RetryAfterS:  0,
		AlgorithmTag: tag,
	}
}

func deny(resetEpochMS, retryAfterS int64, tag string) Decision {
	return Decision{
		Allowed:      false,
		Remaining:    0,
		ResetEpochMS: resetEpochMS,
		RetryAfterS:  retryAfterS,
		AlgorithmTag: tag,
	}
}
