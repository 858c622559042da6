package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
	"golang.org/x/term"
)

// issue-token mints JWTs for local testing of the proctoring endpoints.
//
//	issue-token -student 42
//	issue-token -admin 1 -perms proctoring:read,system:read
func main() {
	var (
		studentID    int
		adminID      int
		perms        string
		expiry       time.Duration
		promptSecret bool
	)
	flag.IntVar(&studentID, "student", 0, "Student ID to issue a token for")
	flag.IntVar(&adminID, "admin", 0, "Admin ID to issue a token for")
	flag.StringVar(&perms, "perms", "", "Comma-separated admin permissions (default: all)")
	flag.DurationVar(&expiry, "expiry", 0, "Token lifetime (default: JWT_EXPIRY_HOURS)")
	flag.BoolVar(&promptSecret, "prompt-secret", false, "Read JWT secret from the terminal instead of JWT_SECRET")
	flag.Parse()

	if (studentID > 0) == (adminID > 0) {
		fmt.Fprintln(os.Stderr, "Error: exactly one of -student or -admin is required")
		flag.Usage()
		os.Exit(2)
	}

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if expiry > 0 {
		cfg.JWTExpiry = expiry
	}
	if promptSecret {
		secret, err := readSecret()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading secret: %v\n", err)
			os.Exit(1)
		}
		cfg.JWTSecret = secret
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// ─── Admin Token ───────────────────────────────────────────────────
	if adminID > 0 {
		authService := service.NewAuthService(cfg, nil)
		token, err := authService.GenerateAdminToken(adminID, parsePerms(perms))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to issue admin token")
		}
		fmt.Println(token)
		return
	}

	// ─── Student Token (registers the login in Redis) ──────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	authService := service.NewAuthService(cfg, rdb)
	token, err := authService.GenerateStudentToken(ctx, studentID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue student token")
	}
	fmt.Println(token)
}

func readSecret() (string, error) {
	fmt.Fprint(os.Stderr, "Enter JWT Secret: ")
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(b))
	if secret == "" {
		return "", fmt.Errorf("secret is empty")
	}
	return secret, nil
}

func parsePerms(raw string) []string {
	if raw == "" {
		out := make([]string, 0, len(model.AllPermissions))
		for _, p := range model.AllPermissions {
			out = append(out, string(p))
		}
		return out
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
