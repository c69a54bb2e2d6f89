package control

import (
	"encoding/json"
	"fmt"
)

// Command names understood by the broker's dynamic-security plugin.
const (
	CommandCreateClient      = "createClient"
	CommandDeleteClient      = "deleteClient"
	CommandSetClientPassword = "setClientPassword"
	CommandGetClient         = "getClient"
	CommandListClients       = "listClients"
)

// Command is a single dynamic-security control-plane command.
//
// Use the typed constructors (CreateClient, DeleteClient, ...) rather than
// building Command values by hand, so each operation carries exactly the
// fields the broker expects.
type Command struct {
	Command  string `json:"command"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Roles    []Role `json:"roles,omitempty"`
}

// Role is a role assignment attached to a createClient command.
type Role struct {
	RoleName string `json:"rolename"`
}

// CreateClient builds a command that creates a broker client identity with
// a single role assignment.
func CreateClient(username, password, role string) Command {
	return Command{
		Command:  CommandCreateClient,
		Username: username,
		Password: password,
		Roles:    []Role{{RoleName: role}},
	}
}

// DeleteClient builds a command that removes a broker client identity.
func DeleteClient(username string) Command {
	return Command{
		Command:  CommandDeleteClient,
		Username: username,
	}
}

// SetClientPassword builds a command that changes an existing client's password.
func SetClientPassword(username, password string) Command {
	return Command{
		Command:  CommandSetClientPassword,
		Username: username,
		Password: password,
	}
}

// GetClient builds a command that fetches a single client identity.
func GetClient(username string) Command {
	return Command{
		Command:  CommandGetClient,
		Username: username,
	}
}

// ListClients builds a command that enumerates all client identities.
func ListClients() Command {
	return Command{
		Command: CommandListClients,
	}
}

// commandEnvelope is the wire format published to the control topic.
type commandEnvelope struct {
	Commands        []Command `json:"commands"`
	CorrelationData string    `json:"correlationData"`
}

// responseEnvelope is the wire format received on the response topic.
//
// CorrelationData may be absent: some broker versions omit it on certain
// error responses. Attribution of such responses is handled by the client's
// degradation rule.
type responseEnvelope struct {
	CorrelationData string     `json:"correlationData"`
	Responses       []Response `json:"responses"`
}

// Response is a single command's result from the broker.
//
// A non-empty Error field means the broker rejected the command; Data holds
// the command-specific payload on success.
type Response struct {
	Command string          `json:"command,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// listClientsData is the data payload of a listClients response.
type listClientsData struct {
	TotalCount int      `json:"totalCount"`
	Clients    []string `json:"clients"`
}

// Clients decodes the username list from a listClients response.
//
// Returns:
//   - []string: Broker usernames, in broker order
//   - error: ErrMalformedResponse if the data payload cannot be decoded
func (r Response) Clients() ([]string, error) {
	if len(r.Data) == 0 {
		return nil, fmt.Errorf("%w: listClients response has no data", ErrMalformedResponse)
	}

	var data listClientsData
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: decoding listClients data: %w", ErrMalformedResponse, err)
	}

	return data.Clients, nil
}
