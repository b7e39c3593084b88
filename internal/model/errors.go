package model

// ValidationError marks a structural problem with a posted desired state:
// malformed JSON already fails earlier, this covers everything that parses
// but violates a model invariant (spec §7 Validation).
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return e.Field + ": " + e.Message
	}
	return e.Message
}
