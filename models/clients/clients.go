package clients

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"gitlab.com/arcanecrypto/vendcoil/build"
	"gitlab.com/arcanecrypto/vendcoil/db"
)

var log = build.AddSubLogger("CLNT")

// Client is a database table. A client is a kiosk identity that can request
// payments and stream its own events.
type Client struct {
	ID uuid.UUID `db:"id"`

	MachineID string `db:"machine_id"`
	// PasswordHash is the encoded argon2id verifier, never the plaintext
	PasswordHash string `db:"password_hash" json:"-"`
	Active       bool   `db:"active"`
	// AllowedIPs restricts token issuing to the given CIDR blocks. An empty
	// list accepts any source address. Bare addresses count as /32.
	AllowedIPs pq.StringArray `db:"allowed_ips"`
	Metadata   types.JSONText `db:"metadata"`
	LastSeenAt *time.Time     `db:"last_seen_at"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

// SQL related constants
const (
	// selectFromClientsTable is a SQL snippet that selects all the rows needed
	// to scan a client struct
	selectFromClientsTable = "SELECT id, machine_id, password_hash, active, allowed_ips, metadata, last_seen_at, created_at, updated_at"
	// returningFromClientsTable is a SQL snippet that returns all the rows
	// needed to scan a client struct
	returningFromClientsTable = "RETURNING id, machine_id, password_hash, active, allowed_ips, metadata, last_seen_at, created_at, updated_at"

	uniqueMachineIDConstraint = "clients_machine_id_must_be_unique"
)

// Audit event types written to client_auth_events
const (
	AuthEventLoginOK   = "LOGIN_OK"
	AuthEventLoginFail = "LOGIN_FAIL"
)

// Failure reasons recorded on LOGIN_FAIL audit rows
const (
	ReasonClientNotFound  = "CLIENT_NOT_FOUND"
	ReasonClientInactive  = "CLIENT_INACTIVE"
	ReasonIPNotAllowed    = "IP_NOT_ALLOWED"
	ReasonInvalidPassword = "INVALID_PASSWORD"
)

// Exported errors
var (
	ErrClientNotFound = errors.New("client not found")
	ErrClientInactive = errors.New("client is inactive")
	ErrIPNotAllowed   = errors.New("IP address not allowed")
	// ErrInvalidPassword is used both for bad passwords and for machine IDs
	// that don't exist, the API must not reveal which one it was
	ErrInvalidPassword = errors.New("invalid credentials")

	ErrMachineIDMustBeUnique = errors.New("client machine IDs must be unique")
	ErrInvalidMachineID      = errors.New(
		"machine_id must be between 1 and 255 characters")
	ErrPasswordMustBeDefined = errors.New("password must be defined")
	ErrInvalidAllowedIP      = errors.New(
		"allowed IP entries must be a plain IP or a CIDR block")
)

// AuthEvent is a row in the client_auth_events audit table
type AuthEvent struct {
	ID        int64          `db:"id"`
	ClientID  *uuid.UUID     `db:"client_id"`
	MachineID string         `db:"machine_id"`
	EventType string         `db:"event_type"`
	IP        *string        `db:"ip"`
	UserAgent *string        `db:"user_agent"`
	Details   types.JSONText `db:"details"`
	CreatedAt time.Time      `db:"created_at"`
}

// NewClientArgs is the struct required to create a new client using New
type NewClientArgs struct {
	MachineID  string
	Password   string
	AllowedIPs []string
	Metadata   types.JSONText
}

// New creates a client with a hashed and salted password
func New(d *db.DB, args NewClientArgs) (Client, error) {
	if len(args.MachineID) == 0 || len(args.MachineID) > 255 {
		return Client{}, ErrInvalidMachineID
	}
	if len(args.Password) == 0 {
		return Client{}, ErrPasswordMustBeDefined
	}
	for _, entry := range args.AllowedIPs {
		if !validAllowedIP(entry) {
			return Client{}, errors.Wrap(ErrInvalidAllowedIP, entry)
		}
	}

	passwordHash, err := HashPassword(args.Password)
	if err != nil {
		return Client{}, err
	}

	client := Client{
		ID:           uuid.NewV4(),
		MachineID:    args.MachineID,
		PasswordHash: passwordHash,
		Active:       true,
		AllowedIPs:   args.AllowedIPs,
		Metadata:     args.Metadata,
	}

	return insertClient(d, client)
}

func insertClient(i db.Inserter, client Client) (Client, error) {
	createQuery := `INSERT INTO clients
		(id, machine_id, password_hash, active, allowed_ips, metadata)
		VALUES (:id, :machine_id, :password_hash, :active, :allowed_ips,
:metadata) ` + returningFromClientsTable

	rows, err := i.NamedQuery(createQuery, client)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Constraint == uniqueMachineIDConstraint {
			err = ErrMachineIDMustBeUnique
		}
		return Client{}, fmt.Errorf("could not insert client: %w", err)
	}

	inserted, err := scanClient(rows)
	if err != nil {
		return Client{}, fmt.Errorf("could not scan client: %w", err)
	}
	return inserted, nil
}

// GetByID selects all columns for the client where id=id
func GetByID(d *db.DB, id uuid.UUID) (Client, error) {
	query := fmt.Sprintf(`%s FROM clients WHERE id=$1 LIMIT 1`,
		selectFromClientsTable)

	var client Client
	if err := d.Get(&client, query, id); err != nil {
		if err == sql.ErrNoRows {
			return Client{}, ErrClientNotFound
		}
		return Client{}, errors.Wrapf(err, "GetByID(db, %s)", id)
	}

	return client, nil
}

// GetByMachineID selects all columns for the client where
// machine_id=machineID
func GetByMachineID(d *db.DB, machineID string) (Client, error) {
	query := fmt.Sprintf(`%s FROM clients WHERE machine_id=$1 LIMIT 1`,
		selectFromClientsTable)

	var client Client
	if err := d.Get(&client, query, machineID); err != nil {
		if err == sql.ErrNoRows {
			return Client{}, ErrClientNotFound
		}
		return Client{}, errors.Wrapf(err, "GetByMachineID(db, %s)", machineID)
	}

	return client, nil
}

// GetAll reads all clients from the database, newest first
func GetAll(d *db.DB) ([]Client, error) {
	query := fmt.Sprintf(`%s FROM clients ORDER BY created_at DESC`,
		selectFromClientsTable)

	var queryResult []Client
	if err := d.Select(&queryResult, query); err != nil {
		return nil, err
	}

	return queryResult, nil
}

// Deactivate flips the active flag, preventing the client from getting new
// tokens. Clients are never deleted.
func Deactivate(d *db.DB, id uuid.UUID) (Client, error) {
	query := `UPDATE clients SET active = false, updated_at = now()
		WHERE id = $1 ` + returningFromClientsTable

	rows, err := d.Query(query, id)
	if err != nil {
		return Client{}, errors.Wrapf(err, "could not deactivate client %s", id)
	}

	client, err := scanClient(rows)
	if err != nil {
		return Client{}, ErrClientNotFound
	}

	log.WithField("machineID", client.MachineID).Info("Deactivated client")
	return client, nil
}

// AuthArgs is a single token-issue attempt
type AuthArgs struct {
	MachineID string
	Password  string
	IP        string
	UserAgent string
	// DeviceInfo is client-reported hardware/firmware info recorded on
	// successful logins
	DeviceInfo *string
}

// Authenticate runs the full credential check for a token request: the
// client must exist, be active, pass its IP allow-list and present the right
// password, in that order. Every attempt leaves a row in client_auth_events.
func Authenticate(d *db.DB, args AuthArgs) (Client, error) {
	client, err := GetByMachineID(d, args.MachineID)
	if err != nil {
		if errors.Cause(err) == ErrClientNotFound {
			logAuthFail(d, nil, args, ReasonClientNotFound)
			return Client{}, ErrInvalidPassword
		}
		return Client{}, err
	}

	if !client.Active {
		logAuthFail(d, &client.ID, args, ReasonClientInactive)
		return Client{}, ErrClientInactive
	}

	if !client.IPAllowed(args.IP) {
		logAuthFail(d, &client.ID, args, ReasonIPNotAllowed)
		return Client{}, ErrIPNotAllowed
	}

	ok, err := VerifyPassword(args.Password, client.PasswordHash)
	if err != nil {
		return Client{}, errors.Wrapf(err,
			"could not verify password for %s", args.MachineID)
	}
	if !ok {
		logAuthFail(d, &client.ID, args, ReasonInvalidPassword)
		return Client{}, ErrInvalidPassword
	}

	if err := updateLastSeen(d, client.ID); err != nil {
		log.WithError(err).WithField("machineID", client.MachineID).
			Error("Could not update last_seen_at")
	}

	details := map[string]interface{}{}
	if args.DeviceInfo != nil {
		details["device_info"] = *args.DeviceInfo
	}
	logAuthEvent(d, &client.ID, args, AuthEventLoginOK, details)

	return client, nil
}

// IPAllowed reports whether the given source address passes the client's
// allow-list. An empty list or an unparseable source address passes.
func (c Client) IPAllowed(ip string) bool {
	if len(c.AllowedIPs) == 0 {
		return true
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return true
	}

	for _, entry := range c.AllowedIPs {
		if !strings.Contains(entry, "/") {
			if allowed := net.ParseIP(entry); allowed != nil && allowed.Equal(parsed) {
				return true
			}
			continue
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			log.WithError(err).WithField("entry", entry).
				Warn("Malformed allow-list entry")
			continue
		}
		if network.Contains(parsed) {
			return true
		}
	}

	return false
}

func validAllowedIP(entry string) bool {
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		return err == nil
	}
	return net.ParseIP(entry) != nil
}

func updateLastSeen(d *db.DB, id uuid.UUID) error {
	_, err := d.Exec(
		`UPDATE clients SET last_seen_at = now(), updated_at = now() WHERE id = $1`,
		id)
	return err
}

func logAuthFail(d *db.DB, clientID *uuid.UUID, args AuthArgs, reason string) {
	logAuthEvent(d, clientID, args, AuthEventLoginFail,
		map[string]interface{}{"reason": reason})
}

// logAuthEvent appends an audit row. Audit failures are logged, they never
// fail the authentication attempt itself.
func logAuthEvent(d *db.DB, clientID *uuid.UUID, args AuthArgs,
	eventType string, details map[string]interface{}) {

	detailsJSON, err := json.Marshal(details)
	if err != nil {
		log.WithError(err).Error("Could not marshal auth event details")
		detailsJSON = []byte("{}")
	}

	var ip, userAgent *string
	if args.IP != "" {
		ip = &args.IP
	}
	if args.UserAgent != "" {
		userAgent = &args.UserAgent
	}

	_, err = d.NamedExec(`
	INSERT INTO client_auth_events (client_id, machine_id, event_type, ip, user_agent, details)
		VALUES (:client_id, :machine_id, :event_type, :ip, :user_agent, :details)`,
		map[string]interface{}{
			"client_id":  clientID,
			"machine_id": args.MachineID,
			"event_type": eventType,
			"ip":         ip,
			"user_agent": userAgent,
			"details":    types.JSONText(detailsJSON),
		},
	)
	if err != nil {
		log.WithError(err).WithField("machineID", args.MachineID).
			Error("Could not insert auth event")
	}
}

// GetAuthEvents lists the audit trail for the given machine ID, oldest
// first. Attempts for machine IDs that never existed show up here too.
func GetAuthEvents(d *db.DB, machineID string) ([]AuthEvent, error) {
	var events []AuthEvent
	err := d.Select(&events, `
	SELECT id, client_id, machine_id, event_type, ip, user_agent, details, created_at
		FROM client_auth_events WHERE machine_id=$1 ORDER BY created_at, id`,
		machineID)
	if err != nil {
		return nil, errors.Wrapf(err, "GetAuthEvents(db, %s)", machineID)
	}

	return events, nil
}

func (c Client) String() string {
	fragments := []string{
		fmt.Sprintf("ID: %s", c.ID),
		fmt.Sprintf("MachineID: %s", c.MachineID),
		fmt.Sprintf("Active: %t", c.Active),
		fmt.Sprintf("CreatedAt: %s", c.CreatedAt),
	}

	if len(c.AllowedIPs) > 0 {
		fragments = append(fragments,
			fmt.Sprintf("AllowedIPs: %s", strings.Join(c.AllowedIPs, " ")))
	}

	return strings.Join(fragments, ", ")
}

// scanClient tries to scan a Client struct from the given scannable
// interface
func scanClient(rows dbScanner) (Client, error) {
	defer db.CloseRows(rows)
	client := Client{}

	if err := rows.Err(); err != nil {
		return client, err
	}

	if rows.Next() {
		if err := rows.Scan(
			&client.ID,
			&client.MachineID,
			&client.PasswordHash,
			&client.Active,
			&client.AllowedIPs,
			&client.Metadata,
			&client.LastSeenAt,
			&client.CreatedAt,
			&client.UpdatedAt,
		); err != nil {
			return client, errors.Wrap(
				err, "could not scan client returned from DB")
		}
	} else {
		return client, errors.New("given rows did not have any elements")
	}

	return client, nil
}

type dbScanner interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}
