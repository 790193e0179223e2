package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// strSlice never returns nil so NOT NULL array columns get '{}'.
func strSlice(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func idStrings(ids []id.TaskID) []string {
	out := make([]string, 0, len(ids))
	for _, i := range ids {
		out = append(out, i.String())
	}
	return out
}

func parseTaskIDs(raw []string) ([]id.TaskID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]id.TaskID, 0, len(raw))
	for _, s := range raw {
		t, err := id.ParseTaskID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func nilIfEmpty(v []string) []string {
	if len(v) == 0 {
		return nil
	}
	return v
}
