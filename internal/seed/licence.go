package seed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LicenceParameterKey is the ir_config_parameter row holding the code.
const LicenceParameterKey = "database.enterprise_code"

const upsertLicenceSQL = `INSERT INTO ir_config_parameter (key, value, create_uid, write_uid, create_date, write_date)
VALUES ($1, $2, 1, 1, $3, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, write_date = EXCLUDED.write_date`

// InjectLicence upserts the enterprise code by key in a single statement.
func InjectLicence(ctx context.Context, db *sql.DB, code string, now time.Time) error {
	if code == "" {
		return errors.New("enterprise code is empty")
	}
	res, err := db.ExecContext(ctx, upsertLicenceSQL, LicenceParameterKey, code, now)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", LicenceParameterKey, err)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return fmt.Errorf("upsert %s: %d rows affected", LicenceParameterKey, n)
	}
	return nil
}
