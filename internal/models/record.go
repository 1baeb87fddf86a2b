package models

// SourceRecord is one row handed over by the ERP row source
type SourceRecord struct {
	BusinessKey string         `json:"business_key"`
	Fields      map[string]any `json:"fields"`
}

// StoredRecord is the bookkeeping subset of a local record needed for classification
type StoredRecord struct {
	BusinessKey     string
	RecordHash      string
	PendingDeletion bool
}

type WriteKind int

const (
	WriteInsert WriteKind = iota
	WriteUpdate
	WriteTouch
)

func (k WriteKind) String() string {
	switch k {
	case WriteInsert:
		return "insert"
	case WriteUpdate:
		return "update"
	case WriteTouch:
		return "touch"
	}
	return "unknown"
}

// RecordWrite is a classified write for one local record
type RecordWrite struct {
	Kind        WriteKind
	BusinessKey string
	Values      map[string]any
	Hash        string
}
