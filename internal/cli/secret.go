package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"

	"github.com/lsm/vaultlink/internal/credential"
	"github.com/lsm/vaultlink/internal/keyvault"
	"github.com/lsm/vaultlink/internal/kvauth"
	"github.com/lsm/vaultlink/internal/link"
	"github.com/lsm/vaultlink/internal/observability"
	"github.com/lsm/vaultlink/internal/pipeline"
)

// Standard streams, replaced in tests.
var (
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// newTransportFunc builds the transport used to reach the vault.
// Tests can replace this to trust a local TLS server.
var newTransportFunc = func() policy.Transporter {
	return pipeline.NewTransport()
}

// newAcquirerFunc builds the token acquirer for the parsed credential flags.
var newAcquirerFunc = credential.Build

const secretOptions = `Options:
  --credential <type>             Credential type: default, workload, clientSecret,
                                  managedIdentity, tokenFile (default: default)
  --tenant <id>                   Tenant the credential starts with
  --client-id <id>                Client or managed identity id
  --client-secret-env <name>      Environment variable holding the client secret
  --token-file <path>             Bearer token file (implies --credential tokenFile)
  --timeout <duration>            Overall timeout (default: 30s)
  --insecure-allow-http           Allow bearer tokens over http
  --no-verify-challenge-resource  Accept challenge resources outside the vault domain
  --log-level <level>             Log level written to stderr (default: warn)`

// secretFlags are shared by get and set.
type secretFlags struct {
	credentialType  string
	tenant          string
	clientID        string
	clientSecretEnv string
	tokenFile       string
	timeout         time.Duration
	insecureHTTP    bool
	noVerify        bool
	logLevel        string
}

func (f *secretFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.credentialType, "credential", link.CredentialDefault, "credential type")
	fs.StringVar(&f.tenant, "tenant", "", "tenant id")
	fs.StringVar(&f.clientID, "client-id", "", "client id")
	fs.StringVar(&f.clientSecretEnv, "client-secret-env", "", "client secret environment variable")
	fs.StringVar(&f.tokenFile, "token-file", "", "bearer token file")
	fs.DurationVar(&f.timeout, "timeout", 30*time.Second, "overall timeout")
	fs.BoolVar(&f.insecureHTTP, "insecure-allow-http", false, "allow bearer tokens over http")
	fs.BoolVar(&f.noVerify, "no-verify-challenge-resource", false, "skip challenge resource verification")
	fs.StringVar(&f.logLevel, "log-level", "warn", "log level")
}

func (f *secretFlags) credentialConfig() link.CredentialConfig {
	cfg := link.CredentialConfig{
		Type:            f.credentialType,
		TenantID:        f.tenant,
		ClientID:        f.clientID,
		ClientSecretEnv: f.clientSecretEnv,
		TokenFile:       f.tokenFile,
	}
	if f.tokenFile != "" {
		cfg.Type = link.CredentialTokenFile
	}
	return cfg
}

// newClient wires the credential, the challenge policy and the pipeline for
// one vault.
func (f *secretFlags) newClient(vaultURL string) (*keyvault.Client, error) {
	logger := observability.NewLogger("vaultctl", observability.ParseLogLevel(f.logLevel), stderr)

	acq, err := newAcquirerFunc(f.credentialConfig())
	if err != nil {
		return nil, err
	}
	challenge := kvauth.NewChallengePolicy(acq, &kvauth.ChallengePolicyOptions{
		DisableChallengeResourceVerification: f.noVerify,
		InsecureAllowCredentialWithHTTP:      f.insecureHTTP,
		Logger:                               logger,
	})
	pl := pipeline.New(pipeline.Options{
		Challenge:     challenge,
		Transport:     newTransportFunc(),
		ApplicationID: "vaultctl",
	})
	return keyvault.NewClient(vaultURL, pl)
}

func (f *secretFlags) context() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func parseSecretFlags(name string, args []string, f *secretFlags, extra func(*flag.FlagSet)) (*flag.FlagSet, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	f.register(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs, nil
}

func isHelp(args []string) bool {
	return len(args) > 0 && (args[0] == "-h" || args[0] == "--help")
}

// RunGet reads a secret and prints its value.
func RunGet(args []string) error {
	if isHelp(args) {
		_, _ = fmt.Fprintln(stdout, `Usage: vaultctl get [options] <vault-url> <name> [version]

Reads a secret and prints its value. The latest version is read unless a
version is given.

`+secretOptions+`
  --json                          Print the whole secret bundle as JSON`)
		return nil
	}

	var (
		f      secretFlags
		asJSON bool
	)
	fs, err := parseSecretFlags("get", args, &f, func(fs *flag.FlagSet) {
		fs.BoolVar(&asJSON, "json", false, "print the secret bundle as JSON")
	})
	if err != nil {
		return err
	}
	if fs.NArg() < 2 || fs.NArg() > 3 {
		return errors.New("usage: vaultctl get [options] <vault-url> <name> [version]")
	}

	client, err := f.newClient(fs.Arg(0))
	if err != nil {
		return err
	}
	ctx, cancel := f.context()
	defer cancel()

	secret, err := client.GetSecret(ctx, fs.Arg(1), fs.Arg(2))
	if err != nil {
		return fmt.Errorf("get secret %q: %w", fs.Arg(1), err)
	}
	return printSecret(secret, asJSON)
}

// RunSet stores a new secret version and prints its version id.
func RunSet(args []string) error {
	if isHelp(args) {
		_, _ = fmt.Fprintln(stdout, `Usage: vaultctl set [options] <vault-url> <name> <value>

Stores a new version of a secret. A value of "-" reads the value from stdin.

`+secretOptions+`
  --content-type <type>           Content type recorded with the secret
  --json                          Print the whole secret bundle as JSON`)
		return nil
	}

	var (
		f           secretFlags
		contentType string
		asJSON      bool
	)
	fs, err := parseSecretFlags("set", args, &f, func(fs *flag.FlagSet) {
		fs.StringVar(&contentType, "content-type", "", "content type")
		fs.BoolVar(&asJSON, "json", false, "print the secret bundle as JSON")
	})
	if err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return errors.New("usage: vaultctl set [options] <vault-url> <name> <value>")
	}

	value := fs.Arg(2)
	if value == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("read value from stdin: %w", err)
		}
		value = string(b)
	}

	client, err := f.newClient(fs.Arg(0))
	if err != nil {
		return err
	}
	ctx, cancel := f.context()
	defer cancel()

	secret, err := client.SetSecret(ctx, fs.Arg(1), value, contentType)
	if err != nil {
		return fmt.Errorf("set secret %q: %w", fs.Arg(1), err)
	}
	if asJSON {
		return printSecret(secret, true)
	}
	_, err = fmt.Fprintln(stdout, secret.Version())
	return err
}

func printSecret(s keyvault.Secret, asJSON bool) error {
	if !asJSON {
		_, err := fmt.Fprintln(stdout, s.Value)
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
