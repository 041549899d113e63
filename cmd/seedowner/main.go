// seedowner bootstraps the first platform owner against the database. It runs
// out of band so the seed operation never has to be reachable over the public
// surface in production.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"caregrid.org/internal/audit"
	"caregrid.org/internal/authz"
	"caregrid.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn   = flag.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN")
		email = flag.String("email", "", "email of the member to promote")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or DATABASE_URL")
	}
	if *email == "" {
		log.Fatal("missing -email")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	svc, err := authz.NewService(store, audit.NewRecorder(store), store)
	if err != nil {
		log.Fatalf("service: %v", err)
	}
	m, err := svc.SeedOwner(ctx, *email)
	if err != nil {
		log.Fatalf("seed owner: %v", err)
	}

	// The seed event sits in the outbox; move it into the ledger before exit.
	d := audit.NewDispatcher(store, store, time.Second, 100)
	if _, err := d.Flush(ctx); err != nil {
		log.Printf("warning: audit flush: %v", err)
	}
	log.Printf("platform owner seeded: %s (%s)", m.Email, m.ID)
}
