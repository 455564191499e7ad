package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"nftmarket/cmd/internal/passphrase"
	"nftmarket/crypto"
	"nftmarket/gateway/middleware"
)

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(keygenCommand, flag.ContinueOnError)
	keystorePath := fs.String("out", "operator.keystore", "Output path for the encrypted keystore")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	source := passphrase.NewSource(*passEnv, "operator keystore").WithConfirmation()
	identity, err := generateKeystore(*keystorePath, source.Get, *force)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "identity: %s\nkeystore: %s\n", identity, *keystorePath)
	return nil
}

func generateKeystore(path string, pass func() (string, error), force bool) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("keystore path required")
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("keystore file %s already exists (use --force to overwrite)", path)
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}
	secret, err := pass()
	if err != nil {
		return "", err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	if err := crypto.SaveToKeystore(path, key, secret); err != nil {
		return "", fmt.Errorf("failed to write keystore: %w", err)
	}
	return key.PubKey().Address().String(), nil
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ContinueOnError)
	secret := fs.String("secret", "", "HMAC secret; defaults to $"+defaultSecretEnv)
	issuer := fs.String("issuer", "marketd", "Token issuer")
	audience := fs.String("audience", "market", "Token audience")
	subject := fs.String("sub", "", "Caller identity (bech32) or a keystore file to read it from")
	scopes := fs.String("scope", "market:write", "Comma separated scopes")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key := strings.TrimSpace(*secret)
	if key == "" {
		key = strings.TrimSpace(os.Getenv(defaultSecretEnv))
	}
	if key == "" {
		return fmt.Errorf("secret required (flag --secret or $%s)", defaultSecretEnv)
	}
	sub, err := resolveSubject(*subject)
	if err != nil {
		return err
	}
	token, err := middleware.IssueToken(key, *issuer, *audience, sub, splitScopes(*scopes), *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

// resolveSubject accepts either a bech32 identity or the path of an operator
// keystore. The keystore's recorded identity becomes the subject; no
// passphrase is needed to read it.
func resolveSubject(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("--sub required")
	}
	if id, err := crypto.ParseIdentity(raw); err == nil {
		return crypto.FromIdentity(id).String(), nil
	}
	if _, err := os.Stat(raw); err != nil {
		return "", fmt.Errorf("--sub %q is neither an identity nor a keystore", raw)
	}
	id, err := crypto.KeystoreIdentity(raw)
	if err != nil {
		return "", err
	}
	return crypto.FromIdentity(id).String(), nil
}

func splitScopes(raw string) []string {
	var scopes []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			scopes = append(scopes, trimmed)
		}
	}
	return scopes
}
