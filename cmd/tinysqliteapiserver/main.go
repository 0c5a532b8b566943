// Command tinysqliteapiserver is the broker binary (spec §6): singleton
// election, then the broker's event loop until every client has
// unregistered or disconnected (spec §4.7).
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tinysqlapi/broker/broker"
	"github.com/tinysqlapi/broker/config"
	"github.com/tinysqlapi/broker/singleton"
)

func main() {
	root := &cobra.Command{
		Use:   "tinysqliteapiserver <client_id>",
		Short: "single-host, multi-client key/value SQL access broker",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	root.Flags().String("db", "", "database file to open (defaults to "+config.DefaultDBFile+")")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	clientID, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil || clientID <= 0 {
		return fmt.Errorf("tinysqliteapiserver: <client_id> must be a positive decimal integer, got %q", args[0])
	}

	socketDir := config.SocketDir()

	lock, won, err := singleton.Acquire(socketDir, config.SingletonKey)
	if err != nil {
		return fmt.Errorf("tinysqliteapiserver: singleton election: %w", err)
	}
	if !won {
		// Another broker already owns the request channel (spec scenario S5).
		os.Exit(0)
	}
	defer lock.Release()

	dbFile, err := cmd.Flags().GetString("db")
	if err != nil {
		return err
	}
	if dbFile == "" {
		dbFile = config.DBFile()
	}

	b, err := broker.New(socketDir, dbFile)
	if err != nil {
		return fmt.Errorf("tinysqliteapiserver: starting broker: %w", err)
	}

	log.Printf("tinysqliteapiserver: listening on %s, db=%s, spawned by client %d", config.RequestChannel, dbFile, clientID)

	// The spawning client never sends an explicit Register; it waits for
	// our inbound connect on its notify channel instead (spec §4.8). This
	// synthesizes that Register so the broker core dials in the same way
	// it would for any other client.
	b.Bootstrap(int32(clientID))

	b.Run()
	return nil
}
