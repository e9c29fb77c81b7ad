package models

// Feature is a record read from (and written back to) an ArcGIS feature layer
// or related table. Attributes hold whatever the service returns; Geometry is
// nil for table rows.
type Feature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   *Geometry      `json:"geometry,omitempty"`
}

type Geometry struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Attachment describes one attachment on a feature.
type Attachment struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// EditResult is the per-feature status of a batch applyEdits call.
type EditResult struct {
	ObjectID int64  `json:"objectId"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// OutcomeKind tags the result of pushing one record to Cityworks.
type OutcomeKind int

const (
	// OutcomeSuccess carries the new external request id.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeWarning means the record was skipped before submission
	// (missing or unresolvable problem type); it stays flagged for the
	// next run.
	OutcomeWarning
	// OutcomeFailure means the external system rejected or mangled the
	// submission; the record stays flagged for the next run.
	OutcomeFailure
)

// Outcome is the tagged result of submitting one record: exactly one of the
// three kinds, with RequestID set on success and Reason on the other two.
type Outcome struct {
	Kind      OutcomeKind
	RequestID string
	Reason    string
	RecordID  int64
}

func Success(requestID string) Outcome {
	return Outcome{Kind: OutcomeSuccess, RequestID: requestID}
}

func Warning(reason string, recordID int64) Outcome {
	return Outcome{Kind: OutcomeWarning, Reason: reason, RecordID: recordID}
}

func Failure(detail string, recordID int64) Outcome {
	return Outcome{Kind: OutcomeFailure, Reason: detail, RecordID: recordID}
}
