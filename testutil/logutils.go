package testutil

/*
This file has handy helpers for failing tests with pretty-printed output.
*/

import (
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
)

const (
	///////////////////////////
	// ASCII control characters
	red   = "\x1b[31m"
	reset = "\x1b[0m"
	// resets coloring
	///////////////////////////

	cross = "❌"
)

var log = logrus.New()

// FatalMsg fails the test immediately, printing a red
// error message containing the given test message
func FatalMsg(t *testing.T, message interface{}) {
	t.Helper()
	var msg string

	switch message := message.(type) {
	case error:
		msg = message.Error()
	case fmt.Stringer:
		msg = message.String()
	case string:
		msg = message
	}

	FatalMsgf(t, msg)
}

// FatalMsgf fails the test immediately, printing a red error message containing
// the given format string interpolated with the given args
func FatalMsgf(t *testing.T, format string, args ...interface{}) {
	t.Helper()
	message := fmt.Sprintf(format, args...)
	t.Fatalf("\t%s%s\t error: %s%s", red, cross, message, reset)
}

// FailMsgf marks the test as failed without stopping it, printing a red
// error message containing the given format string and args
func FailMsgf(t *testing.T, format string, args ...interface{}) {
	t.Helper()
	message := fmt.Sprintf(format, args...)
	t.Errorf("\t%s%s\t error: %s%s", red, cross, message, reset)
}
