// Command bootstrap-source seeds an account and a broadcast source in the
// datastore and prints the stream key to hand to the broadcaster.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"clipfog/internal/models"
	"clipfog/internal/storage"
)

func main() {
	var (
		jsonPath      string
		postgresDSN   string
		email         string
		sourceName    string
		chatID        string
		keepClips     bool
		autoDelete    bool
		maxDeliveryMB int
		expiresIn     time.Duration
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore (store.json)")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&email, "email", "", "Email address of the owning account")
	flag.StringVar(&sourceName, "name", "", "Display name for the broadcast source")
	flag.StringVar(&chatID, "chat-id", "", "Delivery recipient chat id (empty keeps clips on the server)")
	flag.BoolVar(&keepClips, "keep-clips", true, "produce clips for this account's broadcasts")
	flag.BoolVar(&autoDelete, "auto-delete", false, "remove local clip files after a terminal job state")
	flag.IntVar(&maxDeliveryMB, "max-delivery-mb", 0, "delivery size ceiling in MB (0 uses the default)")
	flag.DurationVar(&expiresIn, "expires-in", 0, "access window from now (0 means no expiry)")
	flag.Parse()

	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}
	if strings.TrimSpace(email) == "" {
		fatalf("--email is required")
	}
	if strings.TrimSpace(sourceName) == "" {
		fatalf("--name is required")
	}

	repo, err := openRepository(jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepository(repo)

	account, created, err := ensureAccount(repo, accountSettings{
		email:         email,
		chatID:        chatID,
		keepClips:     keepClips,
		autoDelete:    autoDelete,
		maxDeliveryMB: maxDeliveryMB,
		expiresIn:     expiresIn,
	})
	if err != nil {
		fatalf("bootstrap account: %v", err)
	}

	source, err := repo.CreateSource(account.ID, strings.TrimSpace(sourceName))
	if err != nil {
		fatalf("create source: %v", err)
	}

	state := "reused"
	if created {
		state = "created"
	}
	fmt.Printf("Account %s %s.\n", account.Email, state)
	fmt.Printf("Source %s (%s) registered.\n", source.Name, source.ID)
	fmt.Printf("Stream key: %s\n", source.StreamKey)
	fmt.Println("Point the encoder at the ingest server with this key.")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func openRepository(jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewStorage(jsonPath)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return storage.NewPostgresRepository(ctx, storage.PostgresConfig{DSN: postgresDSN})
}

func closeRepository(repo storage.Repository) {
	type closer interface {
		Close(context.Context) error
	}
	if c, ok := repo.(closer); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	}
}

type accountSettings struct {
	email         string
	chatID        string
	keepClips     bool
	autoDelete    bool
	maxDeliveryMB int
	expiresIn     time.Duration
}

// ensureAccount reuses an existing account with the given email or creates an
// approved, active one. Existing accounts keep their delivery policy; the
// flags only shape a fresh account.
func ensureAccount(repo storage.Repository, settings accountSettings) (models.Account, bool, error) {
	normalized := strings.ToLower(strings.TrimSpace(settings.email))
	for _, existing := range repo.ListAccounts() {
		if existing.Email == normalized {
			return existing, false, nil
		}
	}

	params := storage.CreateAccountParams{
		Email:         normalized,
		Approved:      true,
		Active:        true,
		ChatID:        settings.chatID,
		KeepClips:     settings.keepClips,
		AutoDelete:    settings.autoDelete,
		MaxDeliveryMB: settings.maxDeliveryMB,
	}
	if settings.expiresIn > 0 {
		expires := time.Now().UTC().Add(settings.expiresIn)
		params.ExpiresAt = &expires
	}
	account, err := repo.CreateAccount(params)
	if err != nil {
		return models.Account{}, false, err
	}
	return account, true, nil
}
