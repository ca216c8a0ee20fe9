package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/timergate/go/internal/auth"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Mints a handshake token for local testing:
//
//	go run ./go/internal/auth/cmd -user 42 -role member -perm timer:write
func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	userID := flag.String("user", "", "user id to embed in the token")
	role := flag.String("role", "member", "role claim")
	perms := flag.String("perm", "", "comma separated permissions")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("AUTH_SECRET")
	if secret == "" {
		log.Fatal().Msg("AUTH_SECRET environment variable is required")
	}
	if *userID == "" {
		log.Fatal().Msg("-user is required")
	}

	var permissions []string
	if *perms != "" {
		permissions = strings.Split(*perms, ",")
	}

	cfg := auth.DefaultConfig()
	cfg.Secret = secret
	token, err := auth.NewIssuer(cfg, nil).Issue(*userID, *role, permissions, *ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to issue token")
	}

	fmt.Println(token)
}
