// fabric-total-rebuild recomputes every fabric type total from its remaining rolls.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/fabric-total-rebuild
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/garment_backend/config"
	"github.com/mmdatafocus/garment_backend/models"
	"github.com/sirupsen/logrus"
)

func main() {
	failOnDrift := flag.Bool("fail-on-drift", false, "Exit with status 3 when any total was corrected")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	drifts, err := models.RebuildFabricTotals(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "rebuild failed: %v\n", err)
		os.Exit(1)
	}
	for _, d := range drifts {
		logger.WithFields(logrus.Fields{
			"field":          "FabricTotalRebuild",
			"fabric_type_id": d.FabricTypeId,
			"before":         d.Before,
			"after":          d.After,
		}).Warn("fabric total drifted")
	}

	fmt.Printf("fabric total rebuild complete (%d corrected)\n", len(drifts))
	if *failOnDrift && len(drifts) > 0 {
		os.Exit(3)
	}
}
