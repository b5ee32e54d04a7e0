// Package transaction implements snapshot-isolated transactions over the
// page store: engine and collection locks, per-collection snapshots that
// read committed page versions, and commit through the log.
package transaction

// TransactionState is the lifecycle state of a transaction.
type TransactionState int

const (
	TxnStateNew       TransactionState = iota // created, no lock taken yet
	TxnStateActive                            // holds the transaction lock
	TxnStateCommitted                         // pages confirmed in the log
	TxnStateAborted                           // dirty pages discarded
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateNew:
		return "new"
	case TxnStateActive:
		return "active"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	}
	return "unknown"
}

// LockMode is how a snapshot accesses its collection.
type LockMode int

const (
	LockRead LockMode = iota
	LockWrite
)

func (m LockMode) String() string {
	if m == LockWrite {
		return "write"
	}
	return "read"
}
