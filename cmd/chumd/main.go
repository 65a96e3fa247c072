package main

// chumd is the instance daemon: init creates a directory-backed instance,
// serve opens it and listens for incoming Chum pairings (plus mDNS peer
// discovery), pair dials one remote peer and runs a single Chum session.
// Grounded on the teacher cmd/cli's cobra-subcommand-per-verb layout.

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chumstore/core"
	"chumstore/pkg/config"
)

func main() {
	root := &cobra.Command{Use: "chumd", Short: "chumstore instance daemon"}
	root.PersistentFlags().String("env", "", "environment overlay to merge over default.yaml")
	root.AddCommand(initCmd(), serveCmd(), pairCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	env, _ := cmd.Flags().GetString("env")
	return config.Load(env)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Logging.Level != "" {
		if err := zcfg.Level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
			return nil, err
		}
	}
	if cfg.Logging.File != "" {
		zcfg.OutputPaths = []string{cfg.Logging.File}
	}
	return zcfg.Build()
}

func reverseMapConfig(cfg *config.Config) core.ReverseMapConfig {
	rc := core.ReverseMapConfig{ObjectTypes: map[string]bool{}, IDTypes: map[string]bool{}}
	for _, t := range cfg.ReverseMap.ObjectTypes {
		rc.ObjectTypes[t] = true
	}
	for _, t := range cfg.ReverseMap.IdTypes {
		rc.IDTypes[t] = true
	}
	return rc
}

func openInstance(cfg *config.Config, log *zap.Logger, secret string, encryptionRequested bool) (*core.Instance, error) {
	return core.InitInstance(core.InstanceConfig{
		Name:                cfg.Instance.Name,
		Email:               cfg.Instance.Email,
		Secret:              secret,
		EncryptionRequested: encryptionRequested,
		ReverseMap:          reverseMapConfig(cfg),
		Directory:           cfg.Instance.Directory,
		HashPrefixChars:     cfg.Storage.HashPrefixChars,
		CacheSize:           cfg.Storage.CacheSizeEntries,
		Logger:              log,
	})
}

func initCmd() *cobra.Command {
	var secret string
	var encrypt bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "create (or open) a directory-backed instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			exists, err := core.InstanceExists(cfg.Instance.Directory, core.NewRecipeRegistry(core.InitialRecipes()), cfg.Instance.Name, cfg.Instance.Email)
			if err != nil {
				return err
			}
			if exists {
				fmt.Printf("instance %q already exists at %s\n", cfg.Instance.Name, cfg.Instance.Directory)
				return nil
			}

			inst, err := openInstance(cfg, log, secret, encrypt)
			if err != nil {
				return err
			}
			defer inst.Close()
			fmt.Printf("initialized instance %q (id %s)\n", inst.Name, inst.IDHash.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "secret unlocking the instance keychain")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "require a secret to unlock the keychain")
	return cmd
}

func serveCmd() *cobra.Command {
	var secret string
	var encrypt bool
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "open the instance and listen for incoming Chum pairings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			inst, err := openInstance(cfg, log, secret, encrypt)
			if err != nil {
				return err
			}
			defer inst.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			transport, err := core.NewTransport(ctx, cfg.Network.ListenAddr, cfg.Network.DiscoveryTag, core.NewMessageRegistry(), log)
			if err != nil {
				return err
			}
			defer transport.Close()

			health := core.NewHealthLogger(inst, log)
			if metricsAddr != "" {
				srv := health.StartMetricsServer(metricsAddr)
				defer srv.Shutdown(ctx)
			}
			go health.RunCollector(ctx, 30*time.Second, nil)

			reconcile := time.Duration(cfg.Chum.ReconcileIntervalMS) * time.Millisecond
			transport.ListenForChum(func(p peer.ID, ch core.MessageChannel) {
				handlePeerSession(ctx, inst, ch, peer.ID(p).String(), cfg.Chum.Live, reconcile, health, log)
			})

			log.Info("instance serving", zap.String("name", inst.Name), zap.String("listen", cfg.Network.ListenAddr))
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "secret unlocking the instance keychain")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "require a secret to unlock the keychain")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to expose /metrics on, empty disables it")
	return cmd
}

func pairCmd() *cobra.Command {
	var secret string
	var encrypt bool
	var remotePersonHex string
	var remoteInstanceName string
	cmd := &cobra.Command{
		Use:   "pair [multiaddr]",
		Short: "dial one remote peer and run a single Chum session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			remotePersonID, err := core.ParseHash(remotePersonHex)
			if err != nil {
				return fmt.Errorf("--remote-person must be a hex hash: %w", err)
			}

			inst, err := openInstance(cfg, log, secret, encrypt)
			if err != nil {
				return err
			}
			defer inst.Close()

			ctx := context.Background()
			transport, err := core.NewTransport(ctx, cfg.Network.ListenAddr, cfg.Network.DiscoveryTag, core.NewMessageRegistry(), log)
			if err != nil {
				return err
			}
			defer transport.Close()

			addr, err := ma.NewMultiaddr(args[0])
			if err != nil {
				return err
			}
			info, err := peer.AddrInfoFromP2pAddr(addr)
			if err != nil {
				return err
			}

			dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			ch, err := transport.OpenChum(dialCtx, info.ID)
			cancel()
			if err != nil {
				return err
			}

			gotPersonID, err := core.PerformHandshake(ctx, ch, inst.PersonID)
			if err != nil {
				return err
			}
			if gotPersonID != remotePersonID {
				return fmt.Errorf("remote handshake person %s does not match --remote-person %s", gotPersonID.Hex(), remotePersonID.Hex())
			}

			health := core.NewHealthLogger(inst, log)
			record, err := runSession(ctx, inst, ch, remotePersonID, remoteInstanceName, cfg.Chum.Live,
				time.Duration(cfg.Chum.ReconcileIntervalMS)*time.Millisecond, health, log)
			if err != nil {
				return err
			}
			fmt.Printf("session complete: %+v\n", record.Counts)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "secret unlocking the instance keychain")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "require a secret to unlock the keychain")
	cmd.Flags().StringVar(&remotePersonHex, "remote-person", "", "remote peer's person ID-hash (hex)")
	cmd.Flags().StringVar(&remoteInstanceName, "remote-instance", "", "remote peer's instance name")
	cmd.MarkFlagRequired("remote-person")
	return cmd
}

func runSession(ctx context.Context, inst *core.Instance, ch core.MessageChannel, remotePersonID core.Hash,
	remoteInstanceName string, live bool, reconcile time.Duration, health *core.HealthLogger, log *zap.Logger) (*core.ChumRecord, error) {

	sess := core.NewSession(core.SessionConfig{
		Channel: ch,
		Local:   inst,
		Remote: struct {
			PersonID     core.Hash
			InstanceName string
		}{PersonID: remotePersonID, InstanceName: remoteInstanceName},
		Live:              live,
		ReconcileInterval: reconcile,
		Log:               log,
		Health:            health,
	})
	return sess.Run(ctx)
}

func handlePeerSession(ctx context.Context, inst *core.Instance, ch core.MessageChannel, remoteInstanceName string,
	live bool, reconcile time.Duration, health *core.HealthLogger, log *zap.Logger) {
	defer ch.Close()
	remotePersonID, err := core.PerformHandshake(ctx, ch, inst.PersonID)
	if err != nil {
		log.Warn("inbound chum: handshake failed", zap.Error(err))
		return
	}
	sess := core.NewSession(core.SessionConfig{
		Channel: ch,
		Local:   inst,
		Remote: struct {
			PersonID     core.Hash
			InstanceName string
		}{PersonID: remotePersonID, InstanceName: remoteInstanceName},
		Live:              live,
		ReconcileInterval: reconcile,
		Log:               log,
		Health:            health,
	})
	if _, err := sess.Run(ctx); err != nil {
		log.Warn("inbound chum session ended with error", zap.Error(err))
	}
}
