package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"chathub/internal/auth"
	"chathub/internal/config"
	"chathub/internal/mute"
	"chathub/internal/protocol"
)

const defaultTokenTTL = 24 * time.Hour

// RunCLI handles subcommand execution against the configured stores.
// Returns false if args name no known subcommand.
func RunCLI(ctx context.Context, args []string, cfg *config.Config, out io.Writer) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}

	var run func(context.Context, *backend, []string, *config.Config, io.Writer) error
	switch args[0] {
	case "version":
		fmt.Fprintf(out, "chathub %s\n", Version)
		return true, nil
	case "status":
		run = cliStatus
	case "users":
		run = cliUsers
	case "token":
		run = cliToken
	case "mutes":
		run = cliMutes
	case "mute":
		run = cliMute
	case "unmute":
		run = cliUnmute
	default:
		return false, nil
	}

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return true, err
	}
	defer be.Close()
	return true, run(ctx, be, args[1:], cfg, out)
}

func cliStatus(ctx context.Context, be *backend, _ []string, cfg *config.Config, out io.Writer) error {
	users, err := be.users.Users(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Database: %s\n", cfg.DBPath)
	fmt.Fprintf(out, "User store: %s\n", be.name)
	fmt.Fprintf(out, "Users: %d\n", len(users))
	fmt.Fprintf(out, "Version: %s\n", Version)
	return nil
}

func cliUsers(ctx context.Context, be *backend, args []string, _ *config.Config, out io.Writer) error {
	if len(args) == 0 || args[0] == "list" {
		users, err := be.users.Users(ctx)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Fprintln(out, "No users found.")
			return nil
		}
		for _, u := range users {
			fmt.Fprintf(out, "  [%d] %s (%s)\n", u.ID, u.Username, u.Role)
		}
		return nil
	}

	switch {
	case args[0] == "add" && len(args) > 1:
		role := protocol.RoleUser
		if len(args) > 2 {
			role = protocol.ParseRole(args[2])
		}
		avatar := ""
		if len(args) > 3 {
			avatar = args[3]
		}
		who, err := be.users.CreateUser(ctx, args[1], role, avatar)
		if err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		fmt.Fprintf(out, "Created user %q (id=%d, role=%s)\n", who.Username, who.ID, who.Role)
		return nil

	case args[0] == "role" && len(args) > 2:
		id, err := parseUserID(args[1])
		if err != nil {
			return err
		}
		role := protocol.ParseRole(args[2])
		if err := be.users.SetUserRole(ctx, id, role); err != nil {
			return fmt.Errorf("set role: %w", err)
		}
		fmt.Fprintf(out, "User %d is now %s\n", id, role)
		return nil
	}
	return fmt.Errorf("usage: chathub users [list|add <name> [role] [avatar]|role <id> <role>]")
}

func cliToken(ctx context.Context, be *backend, args []string, cfg *config.Config, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: chathub token <userId> [ttl]")
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required to issue tokens")
	}
	id, err := parseUserID(args[0])
	if err != nil {
		return err
	}
	ttl := defaultTokenTTL
	if len(args) > 1 {
		if ttl, err = time.ParseDuration(args[1]); err != nil {
			return fmt.Errorf("invalid ttl %q: %w", args[1], err)
		}
	}

	who, found, err := be.users.User(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return mute.ErrUserNotFound
	}
	tok, err := auth.NewTokens(cfg.JWTSecret).Issue(who.ID, who.Username, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}

func cliMutes(ctx context.Context, be *backend, args []string, _ *config.Config, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: chathub mutes <channel>")
	}
	recs, err := mute.New(be.users, be.users, nil).Active(ctx, args[0])
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintf(out, "No active mutes in %s.\n", args[0])
		return nil
	}
	for _, r := range recs {
		fmt.Fprintf(out, "  user %d until %s\n", r.UserID, r.ExpireAt.Local().Format(time.RFC3339))
	}
	return nil
}

func cliMute(ctx context.Context, be *backend, args []string, _ *config.Config, out io.Writer) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: chathub mute <userId> <channel> [minutes]")
	}
	id, err := parseUserID(args[0])
	if err != nil {
		return err
	}
	minutes := mute.DefaultDurationMinutes
	if len(args) > 2 {
		if minutes, err = strconv.Atoi(args[2]); err != nil {
			return fmt.Errorf("invalid minutes %q", args[2])
		}
	}
	rec, err := mute.New(be.users, be.users, nil).Mute(ctx, id, args[1], minutes)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Muted user %d in %s until %s\n", id, args[1], rec.ExpireAt.Local().Format(time.RFC3339))
	return nil
}

func cliUnmute(ctx context.Context, be *backend, args []string, _ *config.Config, out io.Writer) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: chathub unmute <userId> <channel>")
	}
	id, err := parseUserID(args[0])
	if err != nil {
		return err
	}
	if err := mute.New(be.users, be.users, nil).Unmute(ctx, id, args[1]); err != nil {
		return err
	}
	fmt.Fprintf(out, "Unmuted user %d in %s\n", id, args[1])
	return nil
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}
