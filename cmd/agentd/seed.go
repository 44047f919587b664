package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydesk/agentd/pkg/services"
)

const (
	seedEmail     = "dev@localhost"
	seedWorkspace = "dev-workspace"

	seedDailyBudget   = 1_000_000
	seedMonthlyBudget = 20_000_000
)

// runSeed creates a development user, a device session, and a generous
// soft-block token budget, and prints the session token for use in requests.
// Idempotent: re-running reuses the user and issues a fresh session.
func runSeed(ctx context.Context, pool *pgxpool.Pool, devices *services.DeviceService, usage *services.UsageService) error {
	var userID string
	err := pool.QueryRow(ctx, `
		INSERT INTO users (email) VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id::text`,
		seedEmail).Scan(&userID)
	if err != nil {
		return fmt.Errorf("failed to seed user: %w", err)
	}

	if err := usage.SetBudget(ctx, userID, seedDailyBudget, seedMonthlyBudget, 80, true); err != nil {
		return err
	}

	session, token, err := devices.Create(ctx, userID, seedWorkspace)
	if err != nil {
		return err
	}

	fmt.Printf("Seeded dev user %s (%s)\n", seedEmail, userID)
	fmt.Printf("Device session %s expires %s\n", session.ID, session.ExpiresAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Authorization: Bearer %s\n", token)
	return nil
}
