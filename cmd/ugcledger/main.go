// Command ugcledger collects per-entity counts with leased browser sessions
// and reconciles them into a date-columned ledger.
package main

import "os"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Execute())
}
