// Command txnd runs the transaction coordination maintenance daemon: it
// garbage-collects expired lock entries in the shared store and serves
// coordinator metrics for Prometheus scrapes.
package main

import (
	"context"
	"os"
)

func main() {
	os.Exit(submain(context.Background()))
}
