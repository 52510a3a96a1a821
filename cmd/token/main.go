// Command token issues a session token for local testing of the credit API.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"cinecredit/internal/session"
)

func main() {
	_ = godotenv.Load()

	userID := flag.String("user", "", "user id to put in the token subject")
	service := flag.String("service", "", "issue a service token for this backend name instead")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if (*userID == "") == (*service == "") {
		fmt.Println("Usage: go run cmd/token/main.go (-user <id> | -service <name>) [-ttl 24h]")
		os.Exit(1)
	}

	secret := os.Getenv("CINECREDIT_JWT_SECRET")
	if secret == "" {
		log.Fatal("CINECREDIT_JWT_SECRET is not set")
	}

	verifier := session.NewVerifier(secret)
	var (
		token string
		err   error
	)
	if *service != "" {
		token, err = verifier.IssueService(*service, *ttl)
	} else {
		token, err = verifier.Issue(*userID, *ttl)
	}
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(token)
}
