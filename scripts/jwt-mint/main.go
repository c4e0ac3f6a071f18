// jwt-mint creates HMAC-signed bearer tokens for local development against a
// schemarest server with auth enabled. The secret must match the server's
// server.auth.jwt_secret setting.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	var currentUser, err = user.Current()
	if err != nil {
		currentUser = &user.User{Username: "user-1"}
	}

	secret := flag.String("secret", "", "HMAC secret (required; must match server.auth.jwt_secret)")
	issuer := flag.String("issuer", "schemarest-dev", "JWT issuer")
	subject := flag.String("subject", currentUser.Username, "JWT subject")
	roles := flag.String("roles", "", "JWT roles claim (comma-separated, optional)")
	expires := flag.Duration("expires", time.Hour, "Token lifetime (e.g. 1h)")
	flag.Parse()

	if *secret == "" {
		exitErr(fmt.Errorf("-secret is required"))
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": *issuer,
		"sub": *subject,
		"iat": now.Unix(),
		"exp": now.Add(*expires).Unix(),
		"nbf": now.Add(-1 * time.Minute).Unix(),
	}
	if *roles != "" {
		claims["roles"] = splitList(*roles)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(*secret))
	if err != nil {
		exitErr(err)
	}

	fmt.Println(signed)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
