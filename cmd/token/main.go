// Command token mints a signed identity token for local development, the
// same shape the identity provider issues in production.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"NeighborChat/server/internal/services"
)

func main() {
	userID := flag.String("user", "", "user id (token subject)")
	username := flag.String("username", "", "display name claim")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	secret := os.Getenv("CHAT_JWT_SECRET")
	if secret == "" || *userID == "" {
		logger.Fatal().Msg("CHAT_JWT_SECRET and -user are required")
	}
	if *username == "" {
		*username = *userID
	}

	token, err := services.NewAuthService(secret, nil, logger).IssueToken(*userID, *username, *ttl)
	if err != nil {
		logger.Fatal().Err(err).Msg("error signing token")
	}
	fmt.Println(token)
}
