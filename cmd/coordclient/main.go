// The demo coordination client: connects back to the server using the
// environment prepared by SetupFork, reports on stdout and stderr, and
// finalizes.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/coordnet/coordtest/coord/client"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := client.Connect(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to connect:", err)
		os.Exit(1)
	}

	fmt.Println("client", c.ID(), "connected, server version", c.ServerVersion())
	fmt.Println("session", c.SessionID())
	fmt.Fprintln(os.Stderr, "client", c.ID(), "reporting in on stderr")

	if err := c.Finalize(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "finalize error:", err)
	}
}
