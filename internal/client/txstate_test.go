package client

import (
	"testing"

	"edgecli/internal/edgeql"

	"github.com/stretchr/testify/assert"
)

func TestAdvance(t *testing.T) {
	tests := []struct {
		name   string
		from   TxState
		eff    edgeql.TxEffect
		failed bool
		want   TxState
	}{
		{"start", NotInTransaction, edgeql.TxStart, false, InTransaction},
		{"failed start stays out", NotInTransaction, edgeql.TxStart, true, NotInTransaction},
		{"error outside tx recovers", NotInTransaction, edgeql.TxNone, true, NotInTransaction},
		{"error inside tx fails it", InTransaction, edgeql.TxNone, true, InFailedTransaction},
		{"commit", InTransaction, edgeql.TxCommit, false, NotInTransaction},
		{"rollback from failed", InFailedTransaction, edgeql.TxRollback, false, NotInTransaction},
		{"savepoint rollback recovers", InFailedTransaction, edgeql.TxSavepointRollback, false, InTransaction},
		{"declare keeps state", InTransaction, edgeql.TxSavepointDeclare, false, InTransaction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, advance(tt.from, tt.eff, tt.failed))
		})
	}
}

func TestAdmit(t *testing.T) {
	assert.NoError(t, admit(NotInTransaction, edgeql.TxNone))
	assert.NoError(t, admit(InTransaction, edgeql.TxCommit))
	assert.NoError(t, admit(InFailedTransaction, edgeql.TxRollback))
	assert.NoError(t, admit(InFailedTransaction, edgeql.TxSavepointRollback))

	err := admit(InFailedTransaction, edgeql.TxCommit)
	assert.True(t, HasCode(err, TransactionError))
	assert.EqualError(t, err, "TransactionError: "+abortedTxMessage)
}
