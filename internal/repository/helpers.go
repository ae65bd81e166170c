package repository

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

// HandleNotFound turns sql.ErrNoRows into (nil, nil). Find, conditional
// update and delete-returning queries all treat a missing row as "no match".
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func rowsAffected(result sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
