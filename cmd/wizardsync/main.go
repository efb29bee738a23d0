package main

import (
	"fmt"
	"log"
	"os"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(args)
	case "adduser":
		err = runAddUser(args, os.Stdout)
	case "reset":
		err = runReset(args, os.Stdout)
	case "status":
		err = runStatus(args, os.Stdout)
	case "save":
		err = runSave(args, os.Stdout)
	case "watch":
		err = runWatch(args, os.Stdout)
	case "version", "--version", "-v":
		fmt.Printf("wizardsync %s (commit %s, built %s)\n",
			version, commit, buildDate)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func printUsage() {
	fmt.Printf(`wizardsync %s - onboarding wizard progress sync

Keeps a local cache of onboarding wizard progress in step with a
remote progress authority, and runs a reference authority.

Usage:
  wizardsync serve [flags]             Run the reference authority
  wizardsync adduser -email ADDR       Create a user on the local authority
  wizardsync reset -user ID            Reset a user's progress
  wizardsync status [flags]            Reconcile and print progress
  wizardsync save [flags] STEP [JSON]  Complete STEP with a JSON payload
  wizardsync watch [flags]             Print progress as it changes
  wizardsync version                   Show version information
  wizardsync help                      Show this help

Server flags:
  -host string        Host to bind to (default "127.0.0.1")
  -port int           Port to listen on (default 8090)

Client flags:
  -server string      Authority base URL
  -token string       Bearer token (overrides auth command)
  -ttl duration       Cache freshness window (default 5m)
  -debounce duration  Debounced save delay (default 300ms)
  -timeout duration   Request timeout (default 30s)

Environment variables:
  WIZARDSYNC_DATA_DIR      Data directory (cache, config, authority db)
  WIZARDSYNC_SERVER_URL    Authority base URL
  WIZARDSYNC_TOKEN         Bearer token
  WIZARDSYNC_AUTH_COMMAND  Command that prints a bearer token
  WIZARDSYNC_ADMIN_TOKEN   Admin token of the reference authority

Data is stored in ~/.wizardsync/ by default.
`, version)
}
