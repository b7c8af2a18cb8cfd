package types

import "time"

// Record sources
const (
	RecordSourceUpload = "upload"
	RecordSourceLab    = "lab"
)

// RecordPointer is one entry of a patient's append-only record list
type RecordPointer struct {
	Patient     Address `json:"patient"`
	Index       int     `json:"index"`
	ContentHash string  `json:"contentHash"`
	MetaHash    string  `json:"metaHash,omitempty"`
	AddedBy     Address `json:"addedBy"`
	Source      string  `json:"source"`
	CommittedAt string  `json:"committedAt"`
}

// RecordMetadata is the metadata document stored next to a record file
type RecordMetadata struct {
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	AddedBy     Address   `json:"addedBy"`
	Patient     Address   `json:"patient"`
	FileName    string    `json:"fileName,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size"`
}

// RecordFile is an uploaded record payload
type RecordFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// Record is a pointer hydrated with its metadata when available
type Record struct {
	RecordPointer
	Metadata *RecordMetadata `json:"metadata"`
}

// RecordList is the result of listing a patient's records
type RecordList struct {
	Patient  Address       `json:"patient"`
	Records  []Record      `json:"records"`
	Failures []ItemFailure `json:"failures,omitempty"`
}

// AppendResult reports the outcome of an idempotent ledger append
type AppendResult struct {
	Index    int  `json:"index"`
	Appended bool `json:"appended"`
}
