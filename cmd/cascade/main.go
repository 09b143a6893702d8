// Command cascade runs one UCPT gossip/consensus node: flags and an
// optional TOML config file are merged into a core.Config (flags winning
// over file winning over defaults), a vault is unlocked, and the
// resulting core.Core is run until an interrupt signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/tos-network/cascade/core"
	"github.com/tos-network/cascade/crypto/ed25519"
	"github.com/tos-network/cascade/didkey"
	"github.com/tos-network/cascade/gossip"
	"github.com/tos-network/cascade/log"
	"github.com/tos-network/cascade/vault"
)

var (
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the ledger, token cache, and vault",
		Value: core.DefaultConfig().DataDir,
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "Path to a TOML configuration file",
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "Gossip listen address",
	}
	vaultPathFlag = &cli.StringFlag{
		Name:  "vault",
		Usage: "Path to the identity vault file",
	}
)

func main() {
	app := &cli.App{
		Name:  "cascade",
		Usage: "UCPT provenance-token gossip and consensus node",
		Flags: []cli.Flag{dataDirFlag, configFlag, listenFlag, vaultPathFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("cascade: fatal error", "err", err)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return fmt.Errorf("cascade: load config: %w", err)
	}

	priv, err := vault.Open(cfg.VaultPath, func() (string, error) {
		return passphraseFromEnv()
	})
	var identity *didkey.Identity
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("cascade: open vault: %w", err)
		}
		log.Warn("cascade: no existing vault found, creating a new identity", "path", cfg.VaultPath)
		identity, err = createIdentity(cfg.VaultPath)
		if err != nil {
			return fmt.Errorf("cascade: create identity: %w", err)
		}
	} else {
		pub := ed25519.PublicFromPrivate(priv)
		identity = &didkey.Identity{Private: priv, Public: pub, DID: didkey.Encode(pub)}
	}

	transport := gossip.Transport(nil)
	c, err := core.New(cfg, identity, transport)
	if err != nil {
		return fmt.Errorf("cascade: init core: %w", err)
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("cascade: starting node", "did", identity.DID, "datadir", cfg.DataDir)
	return c.Run(runCtx)
}

func loadConfig(ctx *cli.Context) (core.Config, error) {
	cfg := core.DefaultConfig()
	if path := ctx.String(configFlag.Name); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
			return cfg, err
		}
	}
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.DataDir = ctx.String(dataDirFlag.Name)
	}
	if v := ctx.String(listenFlag.Name); v != "" {
		cfg.ListenAddr = v
	}
	if v := ctx.String(vaultPathFlag.Name); v != "" {
		cfg.VaultPath = v
	}
	if cfg.VaultPath == "" {
		cfg.VaultPath = cfg.DataDir + "/vault.enc"
	}
	return cfg, nil
}

func passphraseFromEnv() (string, error) {
	if p := os.Getenv("CASCADE_PASSPHRASE"); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("cascade: CASCADE_PASSPHRASE not set")
}

func createIdentity(path string) (*didkey.Identity, error) {
	pass, err := passphraseFromEnv()
	if err != nil {
		return nil, err
	}
	priv, err := vault.Create(path, pass)
	if err != nil {
		return nil, err
	}
	pub := ed25519.PublicFromPrivate(priv)
	return &didkey.Identity{Private: priv, Public: pub, DID: didkey.Encode(pub)}, nil
}
