package clienttestutil

import (
	"testing"

	"github.com/brianvoe/gofakeit"
	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/vendcoil/db"
	"gitlab.com/arcanecrypto/vendcoil/models/clients"
)

// CreateClientOrFail creates an active client with a random machine ID and
// password.
func CreateClientOrFail(t *testing.T, db *db.DB) clients.Client {
	passwordLen := gofakeit.Number(8, 32)
	password := gofakeit.Password(true, true, true, true, true, passwordLen)
	return CreateClientOrFailWithPassword(t, db, password)
}

// CreateClientOrFailWithPassword creates an active client with a random
// machine ID and the given password.
func CreateClientOrFailWithPassword(t *testing.T, db *db.DB, password string) clients.Client {
	client, err := clients.New(db, clients.NewClientArgs{
		MachineID: "KIOSK-" + uuid.NewV4().String(),
		Password:  password,
	})
	require.NoError(t, err)

	return client
}
