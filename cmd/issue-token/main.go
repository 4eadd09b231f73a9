// issue-token prints a bearer token for an existing employee, or for an admin operator.
//
// Usage (from backend directory):
//
//	API_SECRET=... DB_USER=... go run ./cmd/issue-token --employee-id 12
//	API_SECRET=... go run ./cmd/issue-token --admin --actor-id 1
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/garment_backend/config"
	"github.com/mmdatafocus/garment_backend/models"
	"github.com/mmdatafocus/garment_backend/utils"
)

func main() {
	employeeID := flag.Int("employee-id", 0, "Employee to issue the token for")
	admin := flag.Bool("admin", false, "Issue an admin token instead (no DB lookup)")
	actorID := flag.Int("actor-id", 1, "Actor id recorded on admin writes")
	flag.Parse()

	if *admin {
		token, err := utils.JwtGenerate(*actorID, "admin")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if *employeeID <= 0 {
		fmt.Fprintln(os.Stderr, "--employee-id or --admin is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	employee, err := models.GetEmployee(context.Background(), *employeeID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to lookup employee: %v\n", err)
		os.Exit(2)
	}
	if !utils.DereferencePtr(employee.IsActive, true) {
		fmt.Fprintf(os.Stderr, "employee %d is inactive\n", employee.ID)
		os.Exit(2)
	}

	token, err := utils.JwtGenerate(employee.ID, string(employee.Role))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
