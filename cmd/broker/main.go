// Command broker runs the single-threaded SQL safety broker: it loads a
// JSON connection catalog, binds a Unix-domain control socket, and services
// clients until interrupted. Grounded on the reference server's
// flag-parsing/startup-log sequence in its example entry point, stripped of
// its demo-flavored console output.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/S3tuit/ai-db-explorer-sub000/internal/broker"
	"github.com/S3tuit/ai-db-explorer-sub000/internal/config"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("broker exited with error")
	}
}

func run() error {
	log := logrus.NewEntry(logrus.StandardLogger())

	rf := config.LoadRuntimeFlags()

	catalog, err := config.LoadFile(rf.CatalogPath)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	log.WithField("databases", len(catalog.Databases)).Info("catalog loaded")

	var secret [32]byte
	if rf.RequireSecret {
		decoded, err := hex.DecodeString(rf.SharedSecretHex)
		if err != nil || len(decoded) != 32 {
			return fmt.Errorf("shared-secret must be 32 hex-encoded bytes when require-secret is set")
		}
		copy(secret[:], decoded)
	}

	b, err := broker.New(broker.Options{
		Catalog:      catalog,
		Runtime:      rf,
		SharedSecret: secret,
		Log:          log,
	})
	if err != nil {
		return fmt.Errorf("constructing broker: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return b.Run(ctx)
}
