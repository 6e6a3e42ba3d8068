package notifybox

import (
	"context"
	"database/sql"
	"fmt"
)

// Publication identifies the rows written by Coordinator.Publish.
type Publication struct {
	ResultID int64 `json:"result_id"`
	EntryID  int64 `json:"outbox_id"`
}

// Coordinator writes a result and its outbox entry in one transaction.
type Coordinator struct {
	db      *sql.DB
	results ResultStore
	outbox  OutboxStore
}

// NewCoordinator wires the stores that share db.
func NewCoordinator(db *sql.DB, results ResultStore, outbox OutboxStore) *Coordinator {
	return &Coordinator{db: db, results: results, outbox: outbox}
}

// Publish persists r and enqueues a READY outbox entry for it. Either both rows
// are committed or neither is.
func (c *Coordinator) Publish(ctx context.Context, r Result) (Publication, error) {
	if err := r.Validate(); err != nil {
		return Publication{}, err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return Publication{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	resultID, err := c.results.InsertResult(ctx, tx, r)
	if err != nil {
		return Publication{}, fmt.Errorf("insert result: %w", err)
	}
	entryID, err := c.outbox.InsertEntry(ctx, tx, AggregateTypeResult, resultID)
	if err != nil {
		return Publication{}, fmt.Errorf("insert outbox entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Publication{}, fmt.Errorf("commit: %w", err)
	}
	return Publication{ResultID: resultID, EntryID: entryID}, nil
}
