// Command tokenctl generates signing keys and mints tenant bearer tokens
// for the rating API.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cuongbtq/rate-bulk/shared/servicetoken"
	"github.com/google/uuid"
	flag "github.com/spf13/pflag"
)

const usage = `usage: tokenctl <command> [flags]

commands:
  keygen   print a new Ed25519 keypair (base64)
  mint     sign a bearer token for a tenant user
`

func main() {
	if err := run(os.Args[1:], os.Stdout, time.Now()); err != nil {
		fmt.Fprintln(os.Stderr, "tokenctl:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, now time.Time) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errors.New("missing command")
	}

	switch args[0] {
	case "keygen":
		return keygen(out)
	case "mint":
		return mint(args[1:], out, now)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func keygen(out io.Writer) error {
	pub, priv, err := servicetoken.GenerateKeypair()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "public_key:  %s\n", servicetoken.EncodeKey(pub))
	fmt.Fprintf(out, "private_key: %s\n", servicetoken.EncodeKey(priv))
	return nil
}

func mint(args []string, out io.Writer, now time.Time) error {
	fs := flag.NewFlagSet("mint", flag.ContinueOnError)
	fs.SetOutput(out)
	privateKey := fs.StringP("private-key", "k", os.Getenv("RATE_BULK_PRIVATE_KEY"), "Base64 Ed25519 private key")
	company := fs.String("company", "", "Company (tenant) id")
	subject := fs.StringP("subject", "s", "", "Acting user id")
	audience := fs.StringP("audience", "a", "rate-bulk", "Token audience")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *privateKey == "" {
		return errors.New("--private-key or RATE_BULK_PRIVATE_KEY is required")
	}
	if strings.TrimSpace(*company) == "" || strings.TrimSpace(*subject) == "" {
		return errors.New("--company and --subject are required")
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	key, err := servicetoken.ParsePrivateKey(*privateKey)
	if err != nil {
		return err
	}

	wire, err := servicetoken.Mint(key, &servicetoken.Token{
		Subject:   *subject,
		CompanyID: *company,
		Audience:  *audience,
		ID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(*ttl).Unix(),
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(out, wire)
	return nil
}
