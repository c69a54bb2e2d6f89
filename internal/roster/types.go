package roster

// Status is a device record's lifecycle state in the fleet database.
type Status string

// Lifecycle states.
const (
	// StatusClaimed means the device identity has been provisioned and is
	// expected to have a live broker credential.
	StatusClaimed Status = "claimed"

	// StatusReleased means the device has been unclaimed; its credential
	// should no longer exist.
	StatusReleased Status = "released"

	// StatusRetired means the device is permanently decommissioned.
	StatusRetired Status = "retired"
)

// DeviceCredential is a device identity record as stored in the fleet
// database. credsync treats it as read-only; status transitions are managed
// by the fleet-management service.
type DeviceCredential struct {
	// DeviceID is the fleet database's primary identifier.
	DeviceID string

	// Name is the human-readable device name.
	Name string

	// BrokerUsername is the device's MQTT identity.
	BrokerUsername string

	// Password is the plaintext credential password, when the fleet
	// database has one recorded. It is nil for devices provisioned before
	// plaintext retention was introduced; such credentials cannot be
	// rebuilt automatically.
	Password *string

	// TenantID scopes the device to an owning tenant.
	TenantID string

	// Status is the record's lifecycle state.
	Status Status
}

// HasPassword reports whether a plaintext password is available for
// rebuilding this device's broker credential.
func (d DeviceCredential) HasPassword() bool {
	return d.Password != nil && *d.Password != ""
}
