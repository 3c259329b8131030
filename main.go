package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fedpi/app"
	"fedpi/config"
	"fedpi/crypto/identity"
	"fedpi/crypto/shares"
	"fedpi/logs"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Value: "",
		Usage: "JSON config file (defaults apply when empty)",
	},
	&cli.StringFlag{
		Name:  "data",
		Value: "",
		Usage: "override node.dataDir",
	},
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "",
		Usage: "override api.listenAddr",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Value: "",
		Usage: "trace/debug/verbose/info/warn/error",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 10,
		Usage: "seconds to wait for in-flight API requests on shutdown",
	},
}

func main() {
	a := &cli.App{
		Name:   "fedpi",
		Usage:  "federated custody node for pseudonymous identity master keys",
		Flags:  flags,
		Action: runNode,
		Commands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "generate a node key file and print the public federation entry",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true, Usage: "node id"},
					&cli.StringFlag{Name: "out", Value: "node.key", Usage: "key file path"},
				},
				Action: keygen,
			},
		},
	}
	if err := a.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cCtx *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadFromFile(cCtx.String("config"))
	if err != nil {
		return nil, err
	}
	if v := cCtx.String("data"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := cCtx.String("listen-addr"); v != "" {
		cfg.API.ListenAddr = v
	}
	if v := cCtx.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if cCtx.Bool("log-json") {
		cfg.Log.JSON = true
	}
	return cfg, cfg.Validate()
}

func runNode(cCtx *cli.Context) error {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}

	opts := logs.Options{
		Level:      cfg.Log.Level,
		JSON:       cfg.Log.JSON,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		NodeID:     cfg.Node.ID,
	}
	if cCtx.Bool("log-uid") {
		opts.InstanceID = uuid.Must(uuid.NewRandom()).String()
	}
	logs.Init(opts)

	container, err := app.NewContainer(cfg)
	if err != nil {
		logs.Error("[Node] init failed: %v", err)
		return err
	}
	node := app.NewApp(container)
	if err := node.Start(); err != nil {
		_ = node.Stop(time.Second)
		return err
	}
	logs.Info("[Node] %s up at height %d (%d federation members)",
		cfg.Node.ID, container.Executor.Height(), container.Roster.Len())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logs.Info("[Node] received %s, shutting down", sig)
	case runErr = <-node.Done():
		logs.Error("[Node] stopping after fatal error: %v", runErr)
	}

	drain := time.Duration(cCtx.Int64("drain-seconds")) * time.Second
	if err := node.Stop(drain); err != nil {
		logs.Warn("[Node] close database: %v", err)
	}
	return runErr
}

func keygen(cCtx *cli.Context) error {
	idKey, err := identity.GenerateKey()
	if err != nil {
		return err
	}
	exSecret, exPub := shares.GenerateKeyPair()

	kf := &config.KeyFile{
		IdentitySecret: hex.EncodeToString(idKey.Serialize()),
		ExchangeSecret: hex.EncodeToString(shares.MarshalScalar(exSecret)),
	}
	if err := config.SaveKeyFile(cCtx.String("out"), kf); err != nil {
		return err
	}

	member := config.MemberConfig{
		ID:          cCtx.String("id"),
		IdentityKey: hex.EncodeToString(identity.PublicKeyBytes(idKey)),
		ExchangeKey: hex.EncodeToString(shares.MarshalPoint(exPub)),
	}
	out, err := json.MarshalIndent(member, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
