package repository

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iago/dataflow-batch/internal/domain"
)

const uniqueViolation = "23505"

// classifyWriteError sorts a write failure into a retryable
// *domain.TransientStoreError or a fatal *domain.StructuralWriteError.
func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P03", pgErr.Code == "53300":
			return &domain.TransientStoreError{Category: domain.CategoryConnectionTimeout, Err: err}
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03", pgErr.Code == "57014":
			return &domain.TransientStoreError{Category: domain.CategoryTransientDataAccess, Err: err}
		default:
			return &domain.StructuralWriteError{Err: err}
		}
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return &domain.TransientStoreError{Category: domain.CategoryConnectionTimeout, Err: err}
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.TransientStoreError{Category: domain.CategorySocketTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &domain.TransientStoreError{Category: domain.CategorySocketTimeout, Err: err}
		}
		return &domain.TransientStoreError{Category: domain.CategoryConnectionTimeout, Err: err}
	}
	return &domain.StructuralWriteError{Err: err}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
