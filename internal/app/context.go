package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pactline/internal/config"
	"pactline/internal/domain"
	"pactline/internal/engine"
	"pactline/internal/repo"
)

// ResolveConfig picks the active configuration and ensures a copy exists in
// the DB, seeding defaults when missing. The workspace file wins over the
// stored copy so edits to pactline.yml take effect on the next run.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		if err := r.UpsertAppConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("store config: %w", err)
		}
		return cfg, nil
	}
	cfg, err = r.GetAppConfig(ctx)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		cfg = config.Default()
		if err := r.UpsertAppConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("seed config: %w", err)
		}
	}
	return cfg, nil
}

// EnsureAdmin looks up the bootstrap administrator by the configured email
// and creates the account on first run.
func EnsureAdmin(ctx context.Context, e engine.Engine, cfg *config.Config) (domain.User, error) {
	email := cfg.Admin.Email
	if email == "" {
		email = "admin@pactline.local"
	}
	u, err := e.Repo.GetUserByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	name := cfg.Admin.Name
	if name == "" {
		name = "Administrator"
	}
	return e.CreateUser(ctx, engine.UserCreateOptions{
		Name:    name,
		Email:   email,
		IsAdmin: true,
		ActorID: "bootstrap",
	})
}

// Seed populates an empty workspace with a small demo data set: a handful of
// users and a couple of open tasks due tomorrow. Existing users are left
// alone, so running it twice is harmless.
func Seed(ctx context.Context, e engine.Engine) error {
	users := []struct {
		name  string
		email string
	}{
		{"Alice Caro", "alice@example.com"},
		{"Bruno Keff", "bruno@example.com"},
		{"Carla Voss", "carla@example.com"},
	}
	for _, u := range users {
		if _, err := e.Repo.GetUserByEmail(ctx, u.email); err == nil {
			continue
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if _, err := e.CreateUser(ctx, engine.UserCreateOptions{Name: u.name, Email: u.email, ActorID: "seed"}); err != nil {
			return fmt.Errorf("seed user %s: %w", u.email, err)
		}
	}
	existing, err := e.Repo.ListTasks(ctx, repo.TaskFilters{})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	now := e.Now().UTC()
	tomorrow := now.Add(24 * time.Hour).Format(time.RFC3339)
	tasks := []engine.TaskCreateOptions{
		{Title: "Morning run", Description: "At least 3km before work", PointValue: 1, Due: tomorrow, PartnerUpDeadline: domain.DeadlineSixHours, ActorID: "seed"},
		{Title: "Read one chapter", PointValue: 2, Due: tomorrow, PartnerUpDeadline: domain.DeadlineOneDay, ActorID: "seed"},
	}
	for _, opts := range tasks {
		if _, err := e.CreateTask(ctx, opts); err != nil {
			return fmt.Errorf("seed task %q: %w", opts.Title, err)
		}
	}
	return nil
}
