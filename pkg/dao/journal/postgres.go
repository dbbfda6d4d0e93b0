/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	daoerrors "github.com/parafs/mds/internal/errors"
	"github.com/parafs/mds/pkg/dao/types"
)

// PostgresGateway persists journal records in the dao_journal table. A
// unique index on (journal_key, op_id, status, marker) makes retried appends
// of identical arguments no-ops, and a partial unique index on terminal
// records guarantees at most one commit or abort per operation and journal.
type PostgresGateway struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresGateway wraps an open database handle.
func NewPostgresGateway(db *sql.DB, logger *zap.Logger) *PostgresGateway {
	return &PostgresGateway{
		db:     sqlx.NewDb(db, "pgx"),
		logger: logger.Named("journal"),
	}
}

type recordRow struct {
	JournalKey int64          `db:"journal_key"`
	Seq        int64          `db:"seq"`
	OpID       int64          `db:"op_id"`
	Status     int16          `db:"status"`
	Marker     sql.NullInt16  `db:"marker"`
	OpType     sql.NullInt16  `db:"op_type"`
	Blob       []byte         `db:"blob"`
	CreatedAt  sql.NullTime   `db:"created_at"`
}

func (r recordRow) toRecord() Record {
	rec := Record{
		JournalKey: types.InodeID(uint64(r.JournalKey)),
		Seq:        r.Seq,
		OpID:       types.OperationID(uint64(r.OpID)),
		Status:     RecordStatus(r.Status),
		Blob:       r.Blob,
	}
	if r.Marker.Valid {
		rec.Marker = types.LogMarker(r.Marker.Int16)
	}
	if r.OpType.Valid {
		rec.OpType = types.OpType(r.OpType.Int16)
	}
	if r.CreatedAt.Valid {
		rec.CreatedAt = r.CreatedAt.Time
	}
	return rec
}

// AppendBegin implements Gateway.
func (g *PostgresGateway) AppendBegin(ctx context.Context, key types.InodeID, id types.OperationID, opType types.OpType, blob []byte) error {
	const q = `INSERT INTO dao_journal (journal_key, op_id, module, op_class, status, op_type, blob)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`
	_, err := g.db.ExecContext(ctx, q,
		int64(key), int64(id), ModuleDistributedAtomicOp, OpClassDistributedOp,
		int16(RecordStart), int16(opType), blob)
	if err != nil {
		return daoerrors.Wrapf(err, daoerrors.KindJournal, "append begin for operation %d", id)
	}
	g.logger.Debug("begin appended",
		zap.Uint64("op_id", uint64(id)), zap.Uint64("journal_key", uint64(key)))
	return nil
}

// AppendUpdate implements Gateway.
func (g *PostgresGateway) AppendUpdate(ctx context.Context, key types.InodeID, id types.OperationID, marker types.LogMarker) error {
	if err := g.checkBegin(ctx, key, id); err != nil {
		return err
	}
	const q = `INSERT INTO dao_journal (journal_key, op_id, module, op_class, status, marker)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`
	_, err := g.db.ExecContext(ctx, q,
		int64(key), int64(id), ModuleDistributedAtomicOp, OpClassDistributedOp,
		int16(RecordUpdate), int16(marker))
	if err != nil {
		return daoerrors.Wrapf(err, daoerrors.KindJournal, "append %s for operation %d", marker, id)
	}
	return nil
}

// AppendCommit implements Gateway.
func (g *PostgresGateway) AppendCommit(ctx context.Context, key types.InodeID, id types.OperationID) error {
	return g.appendTerminal(ctx, key, id, RecordCommitted)
}

// AppendAbort implements Gateway.
func (g *PostgresGateway) AppendAbort(ctx context.Context, key types.InodeID, id types.OperationID) error {
	return g.appendTerminal(ctx, key, id, RecordAborted)
}

func (g *PostgresGateway) appendTerminal(ctx context.Context, key types.InodeID, id types.OperationID, status RecordStatus) error {
	if err := g.checkBegin(ctx, key, id); err != nil {
		return err
	}
	const q = `INSERT INTO dao_journal (journal_key, op_id, module, op_class, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`
	_, err := g.db.ExecContext(ctx, q,
		int64(key), int64(id), ModuleDistributedAtomicOp, OpClassDistributedOp, int16(status))
	if err != nil {
		return daoerrors.Wrapf(err, daoerrors.KindJournal, "append %s for operation %d", status, id)
	}
	g.logger.Debug("terminal record appended",
		zap.Uint64("op_id", uint64(id)), zap.String("record", status.String()))
	return nil
}

// checkBegin verifies the operation was opened under the addressed journal.
func (g *PostgresGateway) checkBegin(ctx context.Context, key types.InodeID, id types.OperationID) error {
	const q = `SELECT journal_key FROM dao_journal WHERE op_id = $1 AND status = $2 LIMIT 1`
	var foundKey int64
	err := g.db.GetContext(ctx, &foundKey, q, int64(id), int16(RecordStart))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("operation %d: %w", id, ErrNoBeginLog)
	}
	if err != nil {
		return daoerrors.Wrapf(err, daoerrors.KindJournal, "look up begin record for operation %d", id)
	}
	if types.InodeID(uint64(foundKey)) != key {
		return fmt.Errorf("operation %d under journal %d, not %d: %w",
			id, foundKey, uint64(key), ErrWrongJournalKey)
	}
	return nil
}

// RecordsFor implements Gateway.
func (g *PostgresGateway) RecordsFor(ctx context.Context, id types.OperationID) (types.InodeID, []Record, error) {
	const q = `SELECT journal_key, seq, op_id, status, marker, op_type, blob, created_at
		FROM dao_journal WHERE op_id = $1 ORDER BY seq`
	var rows []recordRow
	if err := g.db.SelectContext(ctx, &rows, q, int64(id)); err != nil {
		return 0, nil, daoerrors.Wrapf(err, daoerrors.KindJournal, "load records for operation %d", id)
	}
	if len(rows) == 0 {
		return 0, nil, fmt.Errorf("operation %d: %w", id, ErrNoBeginLog)
	}
	key := types.InodeID(uint64(rows[0].JournalKey))
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec := row.toRecord()
		if rec.JournalKey != key {
			continue
		}
		records = append(records, rec)
	}
	return key, records, nil
}

// EnumerateOpen implements Gateway.
func (g *PostgresGateway) EnumerateOpen(ctx context.Context, key types.InodeID) ([]types.OperationID, error) {
	const q = `SELECT op_id FROM dao_journal WHERE journal_key = $1
		GROUP BY op_id
		HAVING MAX(CASE WHEN status IN ($2, $3) THEN 1 ELSE 0 END) = 0
		ORDER BY op_id`
	var ids []int64
	err := g.db.SelectContext(ctx, &ids, q, int64(key), int16(RecordCommitted), int16(RecordAborted))
	if err != nil {
		return nil, daoerrors.Wrapf(err, daoerrors.KindJournal, "enumerate open operations of journal %d", uint64(key))
	}
	open := make([]types.OperationID, len(ids))
	for i, v := range ids {
		open[i] = types.OperationID(uint64(v))
	}
	return open, nil
}

// Keys implements Gateway.
func (g *PostgresGateway) Keys(ctx context.Context) ([]types.InodeID, error) {
	const q = `SELECT DISTINCT journal_key FROM dao_journal ORDER BY journal_key`
	var raw []int64
	if err := g.db.SelectContext(ctx, &raw, q); err != nil {
		return nil, daoerrors.Wrap(err, daoerrors.KindJournal, "enumerate journal keys")
	}
	keys := make([]types.InodeID, len(raw))
	for i, v := range raw {
		keys[i] = types.InodeID(uint64(v))
	}
	return keys, nil
}
