package actions

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx/types"
	uuid "github.com/satori/go.uuid"
	"github.com/urfave/cli"

	"gitlab.com/arcanecrypto/vendcoil/cmd/vlc/flags"
	"gitlab.com/arcanecrypto/vendcoil/db"
	"gitlab.com/arcanecrypto/vendcoil/models/clients"
)

// Client returns commands for managing the kiosk clients that may talk to
// the API
func Client() cli.Command {
	return cli.Command{
		Name:  "client",
		Usage: "Manage kiosk clients",
		Flags: flags.Db,
		Subcommands: []cli.Command{
			{
				Name:  "new",
				Usage: "registers a kiosk client and prints its credentials",
				Flags: []cli.Flag{
					cli.StringFlag{
						Name:     "machine-id",
						Usage:    "Stable identifier of the kiosk, unique across clients",
						Required: true,
					},
					cli.StringFlag{
						Name:  "password",
						Usage: "Password the kiosk authenticates with, generated when omitted",
					},
					cli.StringSliceFlag{
						Name:  "allowed-ip",
						Usage: "IP or CIDR the client may authenticate from, repeatable. Empty allows all",
					},
					cli.StringFlag{
						Name:  "metadata",
						Usage: "JSON document stored on the client",
					},
				},
				Action: func(c *cli.Context) (err error) {
					conf := flags.ReadDbConf(c)
					database, err := db.Open(conf)
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil {
							err = dbErr
						}
					}()

					password := c.String("password")
					generated := false
					if password == "" {
						password, err = generatePassword()
						if err != nil {
							return err
						}
						generated = true
					}

					client, err := clients.New(database, clients.NewClientArgs{
						MachineID:  c.String("machine-id"),
						Password:   password,
						AllowedIPs: c.StringSlice("allowed-ip"),
						Metadata:   types.JSONText(c.String("metadata")),
					})
					if err != nil {
						return err
					}

					fmt.Printf("created client %s\n", client)
					if generated {
						// shown exactly once, we only store the hash
						fmt.Printf("password: %s\n", password)
					}
					return nil
				},
			},
			{
				Name:  "deactivate",
				Usage: "deactivate ID, revokes a client's access without deleting its history",
				Action: func(c *cli.Context) (err error) {
					if c.NArg() != 1 {
						return cli.NewExitError(
							"You need to specify the id of the client to deactivate",
							22,
						)
					}

					id, err := uuid.FromString(c.Args().First())
					if err != nil {
						return fmt.Errorf("invalid client id: %w", err)
					}

					conf := flags.ReadDbConf(c)
					database, err := db.Open(conf)
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil {
							err = dbErr
						}
					}()

					client, err := clients.Deactivate(database, id)
					if err != nil {
						return err
					}

					fmt.Printf("deactivated client %s\n", client)
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "lists every registered client",
				Action: func(c *cli.Context) (err error) {
					conf := flags.ReadDbConf(c)
					database, err := db.Open(conf)
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil {
							err = dbErr
						}
					}()

					all, err := clients.GetAll(database)
					if err != nil {
						return err
					}
					if len(all) == 0 {
						return errors.New("no clients registered")
					}

					for _, client := range all {
						fmt.Println(client)
					}
					return nil
				},
			},
		},
	}
}

// generatePassword draws a fresh random password for a new client
func generatePassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
