// genkey generates an Ed25519 key pair for Shiori JWT signing and, with
// -token, mints a bearer token signed by the pair.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey
//	go run ./scripts/genkey -token -org 1 -user 1 -role operator
//
// Writes:
//
//	data/jwt_private.pem  (mode 0600, keep this secret)
//	data/jwt_public.pem   (mode 0600)
//
// Point SHIORI_JWT_PRIVATE_KEY and SHIORI_JWT_PUBLIC_KEY at these files. The
// server generates ephemeral keys when they are unset, but those are discarded
// on every restart and invalidate all issued tokens.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashita-ai/shiori/internal/auth"
	"github.com/ashita-ai/shiori/internal/model"
)

func main() {
	dir := flag.String("dir", "data", "directory holding the key pair")
	mint := flag.Bool("token", false, "mint a token with the existing key pair instead of generating one")
	orgID := flag.Int64("org", 1, "org id for -token")
	userID := flag.Int64("user", 1, "user id for -token")
	role := flag.String("role", string(model.RoleOperator), "role for -token (reader, operator, admin)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime for -token")
	flag.Parse()

	privPath := filepath.Join(*dir, "jwt_private.pem")
	pubPath := filepath.Join(*dir, "jwt_public.pem")

	var err error
	if *mint {
		err = mintToken(privPath, pubPath, *userID, *orgID, model.Role(*role), *ttl)
	} else {
		err = generate(*dir, privPath, pubPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func generate(dir, privPath, pubPath string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}

	// Refuse to overwrite existing keys; rotating them invalidates live tokens.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, delete it first to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
	return nil
}

func writePEM(path, blockType string, der []byte) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() { err = errors.Join(err, f.Close()) }()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func mintToken(privPath, pubPath string, userID, orgID int64, role model.Role, ttl time.Duration) error {
	mgr, err := auth.NewJWTManager(privPath, pubPath, ttl)
	if err != nil {
		return err
	}
	token, exp, err := mgr.IssueToken(userID, orgID, role)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
	fmt.Println(token)
	return nil
}
