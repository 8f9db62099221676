package sqlutil

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// WithTransaction runs a block of code passing in an SQL transaction
// If the code returns an error or panics then the transactions is rolled back
// Otherwise the transaction is committed.
func WithTransaction(db *sqlx.DB, fn func(txn *sqlx.Tx) error) (err error) {
	txn, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("WithTransaction.Begin: %w", err)
	}

	defer func() {
		panicErr := recover()
		if err == nil && panicErr != nil {
			err = fmt.Errorf("panic: %v", panicErr)
		}
		var txnErr error
		if err != nil {
			txnErr = txn.Rollback()
		} else {
			txnErr = txn.Commit()
		}
		if txnErr != nil && err == nil {
			err = fmt.Errorf("WithTransaction failed to commit/rollback: %w", txnErr)
		}
	}()

	err = fn(txn)
	return
}

// Chunker represents a slice which can be broken into smaller subslices for
// bulk inserts which would otherwise exceed the database's placeholder limit.
type Chunker interface {
	Len() int
	Subslice(i, j int) Chunker
}

// Chunkify breaks up c into chunks of at most (maxParamsPerCall / paramsPerRow)
// rows each, so a NamedExec over any chunk stays under the placeholder limit.
func Chunkify(paramsPerRow, maxParamsPerCall int, c Chunker) []Chunker {
	rowsPerChunk := maxParamsPerCall / paramsPerRow
	if c.Len() <= rowsPerChunk {
		return []Chunker{c}
	}
	var chunks []Chunker
	for i := 0; i < c.Len(); i += rowsPerChunk {
		j := i + rowsPerChunk
		if j > c.Len() {
			j = c.Len()
		}
		chunks = append(chunks, c.Subslice(i, j))
	}
	return chunks
}
