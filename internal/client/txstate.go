package client

import "edgecli/internal/edgeql"

// TxState mirrors the transaction state the server reports after every
// command.
type TxState int

const (
	NotInTransaction TxState = iota
	InTransaction
	InFailedTransaction
)

func (s TxState) String() string {
	switch s {
	case NotInTransaction:
		return "not-in-transaction"
	case InTransaction:
		return "in-transaction"
	case InFailedTransaction:
		return "in-failed-transaction"
	default:
		return "unknown"
	}
}

// admit returns the error the server would send for a statement with the
// given effect, or nil if the statement may be sent. In a failed
// transaction only rollbacks are accepted.
func admit(s TxState, eff edgeql.TxEffect) error {
	if s != InFailedTransaction {
		return nil
	}
	if eff == edgeql.TxRollback || eff == edgeql.TxSavepointRollback {
		return nil
	}
	return newError(TransactionError, "%s", abortedTxMessage)
}

// advance computes the state after a statement with effect eff finished,
// successfully or not. Errors outside a transaction leave the state alone.
func advance(s TxState, eff edgeql.TxEffect, failed bool) TxState {
	if failed {
		if s == NotInTransaction {
			return NotInTransaction
		}
		return InFailedTransaction
	}
	switch eff {
	case edgeql.TxStart:
		return InTransaction
	case edgeql.TxCommit, edgeql.TxRollback:
		return NotInTransaction
	case edgeql.TxSavepointRollback:
		return InTransaction
	}
	return s
}
