package roster

import (
	"context"
	"database/sql"
	"fmt"
)

// Repository defines the read-only query surface credsync consumes from the
// fleet database. This abstraction allows for different implementations
// (SQLite, mock, etc.) and enables unit testing without database
// dependencies.
//
// No writes to the fleet database originate from credsync.
type Repository interface {
	// ListClaimed retrieves all claimed devices that have a broker username
	// assigned. These are the devices expected to hold a live broker
	// credential.
	ListClaimed(ctx context.Context) ([]DeviceCredential, error)

	// ListProvisionable retrieves all devices eligible for a full credential
	// rebuild: every record with a broker username whose status is not
	// released.
	ListProvisionable(ctx context.Context) ([]DeviceCredential, error)
}

// SQLiteRepository implements Repository against the fleet SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open connection to the fleet database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// deviceColumns is the column list shared by all roster queries.
const deviceColumns = `id, name, broker_username, broker_password, tenant_id, status`

// ListClaimed retrieves all claimed devices with a broker username assigned.
func (r *SQLiteRepository) ListClaimed(ctx context.Context) ([]DeviceCredential, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE status = ?
			AND broker_username IS NOT NULL
			AND broker_username != ''
		ORDER BY broker_username`

	return r.queryDevices(ctx, query, string(StatusClaimed))
}

// ListProvisionable retrieves all devices eligible for a credential rebuild.
func (r *SQLiteRepository) ListProvisionable(ctx context.Context) ([]DeviceCredential, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE status != ?
			AND broker_username IS NOT NULL
			AND broker_username != ''
		ORDER BY broker_username`

	return r.queryDevices(ctx, query, string(StatusReleased))
}

// queryDevices executes a query and scans all resulting device records.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]DeviceCredential, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only rows; Err() is checked below

	var devices []DeviceCredential
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device rows: %w", err)
	}

	return devices, nil
}

// scanDevice scans a single device record from the current row.
func scanDevice(rows *sql.Rows) (DeviceCredential, error) {
	var (
		device   DeviceCredential
		username sql.NullString
		password sql.NullString
		tenant   sql.NullString
		status   string
	)

	if err := rows.Scan(&device.DeviceID, &device.Name, &username, &password, &tenant, &status); err != nil {
		return DeviceCredential{}, err
	}

	device.BrokerUsername = username.String
	device.TenantID = tenant.String
	device.Status = Status(status)
	if password.Valid && password.String != "" {
		pw := password.String
		device.Password = &pw
	}

	return device, nil
}
