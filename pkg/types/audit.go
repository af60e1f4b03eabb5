package types

import "time"

// AuditRecord is a single append-only event recorded by the Audit Log.
// Never mutated after append.
type AuditRecord struct {
	Seq        uint64    `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	Kind       string    `json:"kind"`
	Actor      string    `json:"actor"`
	ClauseRef  string    `json:"clauseRef,omitempty"`
	SubjectIDs []string  `json:"subjectIds,omitempty"`
	Payload    any       `json:"payload,omitempty"`

	// ConstitutionVersion is stamped on every record that cites a clause.
	ConstitutionVersion string `json:"constitutionVersion,omitempty"`
}

// AuditFilter narrows a query(filter, limit) call.
type AuditFilter struct {
	Kind      string
	SubjectID string
	Since     time.Time
	Until     time.Time
}
