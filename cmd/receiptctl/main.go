// Package main provides receiptctl, the command line front end of the relay.
package main

import (
	"os"

	"github.com/router-for-me/ReceiptRelay/internal/cmd"
	"github.com/router-for-me/ReceiptRelay/internal/logging"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
