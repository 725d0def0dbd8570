package memory

// Shareable reports whether a retrieved record may be disclosed to the
// given requester. A record is withheld when its consent is private, or
// when its consent is consent_required and the record's subject is not
// the requester. Every other consent value, including absent metadata,
// is shareable.
//
// The rule is evaluated per record at read time. Callers must not cache
// the outcome as a blanket decision for a scope.
func Shareable(metadata map[string]any, requesterID string) bool {
	if metadata == nil {
		return true
	}
	consent, _ := metadata[MetaConsent].(string)
	switch Consent(consent) {
	case ConsentPrivate:
		return false
	case ConsentRequired:
		entityID, _ := metadata[MetaEntityID].(string)
		return entityID == requesterID
	default:
		return true
	}
}

// FilterShareable returns the subset of results disclosable to the
// requester, preserving order.
func FilterShareable(results []Result, requesterID string) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if Shareable(r.Metadata, requesterID) {
			out = append(out, r)
		}
	}
	return out
}
