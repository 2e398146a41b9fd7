/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the enrolment billing engine server. Handles
  configuration, dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Open the SQLite store
  3. Wire ledger, selector, recalculator and billing service
  4. Configure the HTTP router
  5. Start the server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: enrolments.db)
           Use ":memory:" for an in-memory database
  -tz      IANA timezone for civil-day derivation
           (default: Australia/Brisbane)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the database connection
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brightwave/enrolment-engine/api"
	"github.com/brightwave/enrolment-engine/billing"
	"github.com/brightwave/enrolment-engine/coverage"
	"github.com/brightwave/enrolment-engine/ledger"
	"github.com/brightwave/enrolment-engine/store/sqlite"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "enrolments.db", "SQLite database path")
	tz := flag.String("tz", "Australia/Brisbane", "IANA timezone for civil days")
	flag.Parse()

	loc, err := time.LoadLocation(*tz)
	if err != nil {
		log.Fatalf("Invalid timezone %q: %v", *tz, err)
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	credits := ledger.New(store)
	selector := &coverage.Selector{
		Enrolments: store,
		Plans:      store,
		Templates:  store,
		Calendar:   store,
		Credits:    credits,
	}
	recalc := &coverage.Recalculator{
		Selector:   selector,
		Enrolments: store,
		Audits:     store,
	}
	service := &billing.Service{
		Enrolments:  store,
		Plans:       store,
		Templates:   store,
		Calendar:    store,
		Invoices:    store,
		Payments:    store,
		Settlements: store,
		Credits:     credits,
		Selector:    selector,
		Recalc:      recalc,
		Audits:      store,
		Tx:          store,
		Location:    loc,
	}

	router := api.NewRouter(api.NewHandler(service))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%d", *port)
		log.Printf("API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
