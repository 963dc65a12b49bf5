package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Instruction is one parameterized statement. Placeholders are written
// as ? and rebound for drivers that need numbered parameters.
type Instruction struct {
	Query  string
	Params []any
}

// IsRead reports whether the statement returns rows: its trimmed,
// lower-cased text starts with "select".
func (in *Instruction) IsRead() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(in.Query)), "select")
}

// Row is one result row keyed by column name. Byte slices are returned
// as strings.
type Row map[string]any

// Result is the outcome of a successful Commit.
type Result struct {
	// Reads holds the rows of every read instruction, in order.
	Reads []Row
	// Writes is the total number of rows affected by write instructions.
	Writes int64
}

// TransactionError reports a failed transaction. The transaction has
// been rolled back. Index is the failing instruction's position, or -1
// when beginning or committing the transaction failed.
type TransactionError struct {
	Index int
	Query string
	Err   error
}

func (e *TransactionError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("transaction failed: %v", e.Err)
	}
	return fmt.Sprintf("transaction failed at instruction %d (%s): %v", e.Index, firstLine(e.Query), e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// Commit runs the instructions in order inside one transaction. Nil
// instructions are skipped. On any failure the transaction is rolled
// back and only the error is returned.
//
// A ctx that is already done fails the call before anything runs.
// Otherwise the transaction runs to commit or rollback on a context
// detached from cancellation: database/sql rolls back a transaction when
// its BeginTx context is cancelled.
func (s *Store) Commit(ctx context.Context, instructions ...*Instruction) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	start := time.Now()
	res, err := s.commit(context.WithoutCancel(ctx), instructions)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.logger.Warn("transaction rolled back", "error", err)
	}
	s.metrics.ObserveCommit(outcome, time.Since(start))
	return res, err
}

func (s *Store) commit(ctx context.Context, instructions []*Instruction) (Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, &TransactionError{Index: -1, Err: fmt.Errorf("begin: %w", err)}
	}

	var res Result
	for i, in := range instructions {
		if in == nil {
			continue
		}
		if err := s.exec(ctx, tx, in, &res); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.Error("rollback failed", "error", rbErr)
			}
			return Result{}, &TransactionError{Index: i, Query: in.Query, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, &TransactionError{Index: -1, Err: fmt.Errorf("commit: %w", err)}
	}
	return res, nil
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, in *Instruction, res *Result) error {
	query := s.rebind(in.Query)
	if !in.IsRead() {
		r, err := tx.ExecContext(ctx, query, in.Params...)
		if err != nil {
			return err
		}
		n, err := r.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		res.Writes += n
		return nil
	}

	rows, err := tx.QueryContext(ctx, query, in.Params...)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("columns: %w", err)
	}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		res.Reads = append(res.Reads, row)
	}
	return rows.Err()
}

// rebind rewrites ? placeholders as $1, $2, ... for postgres. Question
// marks inside single-quoted literals are left alone.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres || !strings.Contains(query, "?") {
		return query
	}
	var (
		sb      strings.Builder
		n       int
		inQuote bool
	)
	sb.Grow(len(query) + 8)
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			sb.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func firstLine(q string) string {
	q = strings.TrimSpace(q)
	if i := strings.IndexByte(q, '\n'); i >= 0 {
		q = q[:i]
	}
	if len(q) > 80 {
		q = q[:80] + "..."
	}
	return q
}
