package validator

// StateEffect is the set of field changes §4.5 prescribes for one
// credential given a validation outcome and its currently-recorded
// balance. A nil map means "no change" — the caller should not issue an
// update at all.
func StateEffect(currentBalance float64, o Outcome) map[string]any {
	if o.FormatInvalid {
		return map[string]any{"is_invalid": true, "enabled": false}
	}

	switch {
	case o.Valid:
		return map[string]any{"balance": o.Balance, "is_invalid": false, "enabled": true}

	case !o.Transient:
		// Authoritative invalid: only demote a credential that is not
		// currently protected by a positive balance.
		if currentBalance <= 0 {
			return map[string]any{"is_invalid": true, "enabled": false}
		}
		return nil

	default:
		// Transient failure never changes credential state.
		return nil
	}
}
