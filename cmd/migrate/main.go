package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"

	"gymcrm.org/internal/auth"
	"gymcrm.org/internal/migrate"
	"gymcrm.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	dsn := flag.String("dsn", os.Getenv("GYMCRM_PG_DSN"), "PostgreSQL DSN")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [-dsn DSN] up|down|status|add-user [flags]")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or GYMCRM_PG_DSN")
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrate.Files())

	switch cmd := flag.Arg(0); cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil && name != "" {
			fmt.Println("reverted", name)
		}
	case "status":
		var list []migrate.Migration
		list, err = mgr.Status(ctx)
		for _, m := range list {
			state := "pending"
			if m.Applied {
				state = "applied"
			}
			fmt.Printf("%-40s %s\n", m.Name, state)
		}
	case "add-user":
		err = addUser(ctx, store, flag.Args()[1:])
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

// addUser provisions an identity with a known password, e.g. for the smoke test.
func addUser(ctx context.Context, store *pg.Store, args []string) error {
	fs := flag.NewFlagSet("add-user", flag.ContinueOnError)
	var (
		username = fs.String("username", "", "login name")
		password = fs.String("password", "", "clear-text password")
		role     = fs.String("role", "TRAINEE", "TRAINEE or TRAINER")
		first    = fs.String("first", "", "first name")
		last     = fs.String("last", "", "last name")
		cost     = fs.Int("cost", auth.DefaultBcryptCost, fmt.Sprintf("bcrypt cost (%d-%d)", bcrypt.MinCost, bcrypt.MaxCost))
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" || *password == "" {
		return fmt.Errorf("-username and -password are required")
	}
	r, err := auth.ParseRole(*role)
	if err != nil {
		return err
	}
	if *first == "" {
		*first = *username
	}
	if *last == "" {
		*last = *username
	}
	hash, err := auth.NewHasher(*cost).Hash(*password)
	if err != nil {
		return err
	}
	identity := &auth.Identity{
		Username:     *username,
		PasswordHash: hash,
		FirstName:    *first,
		LastName:     *last,
		Role:         r,
		Active:       true,
	}
	if err := store.Create(ctx, identity); err != nil {
		return err
	}
	fmt.Printf("created %s (id %d, role %s)\n", identity.Username, identity.ID, identity.Role)
	return nil
}
