package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/auth"
)

func main() {
	godotenv.Load()

	userID := flag.String("user", "test-user-123", "Subject (user id)")
	email := flag.String("email", "test@example.com", "Email claim")
	role := flag.Int("role", int(auth.RoleStudent), "Role: 0 student, 1 instructor, 2 admin")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET is not set")
		os.Exit(1)
	}

	token, err := auth.NewJWTValidator(secret).Issue(*userID, *email, auth.Role(*role), *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "\nsub=%s role=%s expires in %s\n", *userID, auth.Role(*role), *ttl)
	fmt.Fprintf(os.Stderr, "ws://localhost:%s/v1/ws?token=<token>\n", envOr("PORT", "6002"))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
