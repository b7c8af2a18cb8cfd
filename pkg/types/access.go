package types

// AccessGrant is the grant state of a (patient, doctor) pair after a write.
// Changed is false when the write was a no-op.
type AccessGrant struct {
	Patient Address `json:"patient"`
	Doctor  Address `json:"doctor"`
	Granted bool    `json:"granted"`
	Changed bool    `json:"changed"`
}
