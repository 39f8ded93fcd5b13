// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

package storage

import (
	"database/sql"

	"github.com/tomtom215/partner-relay/internal/logging"
)

// closeRowsWithLog closes rows, logging (not returning) any close error —
// the original query result has already been consumed by the time Close is
// called, so there is nothing meaningful to propagate it to.
func closeRowsWithLog(rows *sql.Rows) {
	if rows == nil {
		return
	}
	if err := rows.Close(); err != nil {
		logging.Warn().Err(err).Msg("storage: rows close failed")
	}
}
