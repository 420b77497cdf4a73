// Package util has small helpers for reading configuration from the
// environment.
package util

import (
	"log"
	"os"
	"strconv"
)

const defaultPostgresPort = 5432

// GetDatabasePort reads the `DATABASE_PORT` env var, falling back to 5432.
// A value that is not a valid port number quits the program.
func GetDatabasePort() int {
	portStr := os.Getenv("DATABASE_PORT")
	if portStr == "" {
		return defaultPostgresPort
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Fatalf("given database port (%s) is not a valid int", portStr)
	}
	return port
}

// GetEnvOrElse returns the value of the given environment variable, or the
// provided default value if the env variable is not set
func GetEnvOrElse(env string, defaultValue string) string {
	found := os.Getenv(env)
	if len(found) == 0 {
		return defaultValue
	}
	return found
}

// GetEnvOrFail returns the value of the given env variable, quitting the
// program if it doesn't exist. It should be used in cases where there's
// absolutely no recovery options, and the user should get told about this
// as soon as possible.
func GetEnvOrFail(env string) string {
	found := os.Getenv(env)
	if len(found) == 0 {
		log.Fatalf("%s is not set!", env)
	}
	return found
}
