package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"forest-sequencer/common"
	"forest-sequencer/config"
	dbUtils "forest-sequencer/database"
	"forest-sequencer/database/statedb"
	"forest-sequencer/log"
	"forest-sequencer/node"
	"github.com/urfave/cli"
)

const (
	flagCfg     = "cfg"
	flagEnv     = "env"
	flagYes     = "yes"
	flagTick    = "tick"
	nMigrations = "nMigrations"
)

var (
	// Version represents the program based on the git tag
	Version = "v0.1.0"
	// Commit represents the program based on the git commit
	Commit = "dev"
)

func cmdVersion(c *cli.Context) error {
	fmt.Printf("Version = \"%v\"\n", Version)
	fmt.Printf("Build = \"%v\"\n", Commit)
	return nil
}

func getConfig(c *cli.Context) (*config.Node, error) {
	cfg, err := config.LoadNode(c.String(flagCfg), c.String(flagEnv))
	if err != nil {
		return nil, common.Wrap(err)
	}
	return cfg, nil
}

func parseCli(c *cli.Context) (*config.Node, error) {
	cfg, err := getConfig(c)
	if err != nil {
		if err := cli.ShowAppHelp(c); err != nil {
			panic(err)
		}
		return nil, common.Wrap(err)
	}
	return cfg, nil
}

func waitSigInt() {
	stopCh := make(chan interface{})

	// catch ^C to send the stop signal
	ossig := make(chan os.Signal, 1)
	signal.Notify(ossig, os.Interrupt, syscall.SIGTERM)
	const forceStopCount = 3
	go func() {
		n := 0
		for sig := range ossig {
			log.Infow("Received signal", "signal", sig)
			if n == 0 {
				stopCh <- nil
			}
			n++
			if n == forceStopCount {
				log.Fatalf("Received %v Interrupt Signals", forceStopCount)
			}
		}
	}()
	<-stopCh
}

func cmdRun(c *cli.Context) error {
	cfg, err := parseCli(c)
	if err != nil {
		return common.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	log.Init(cfg.Log.Level, cfg.Log.Out)
	innerNode, err := node.NewNode(cfg, c.App.Version)
	if err != nil {
		return common.Wrap(fmt.Errorf("error starting node: %w", err))
	}
	innerNode.Start()
	waitSigInt()
	innerNode.Stop()

	return nil
}

func cmdWipeSQL(c *cli.Context) error {
	cfg, err := parseCli(c)
	if err != nil {
		return common.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	yes := c.Bool(flagYes)
	if !yes {
		fmt.Print("*WARNING* Are you sure you want to delete " +
			"the SQL DB history? [y/N]: ")
		var input string
		if _, err := fmt.Scanln(&input); err != nil {
			return common.Wrap(err)
		}
		if input != "y" && input != "Y" {
			return nil
		}
	}
	db, err := dbUtils.ConnectSQLDB(
		cfg.PostgreSQL.PortWrite,
		cfg.PostgreSQL.HostWrite,
		cfg.PostgreSQL.UserWrite,
		cfg.PostgreSQL.PasswordWrite,
		cfg.PostgreSQL.NameWrite,
	)
	if err != nil {
		return common.Wrap(err)
	}
	defer db.Close() //nolint:errcheck
	log.Info("Wiping SQL DB...")
	if err := dbUtils.MigrationsDown(db.DB, c.Uint(nMigrations)); err != nil {
		return common.Wrap(fmt.Errorf("dbUtils.MigrationsDown: %w", err))
	}
	return nil
}

// cmdCheckpoints lists the checkpoints of the StateDB, or resets the StateDB
// to one of them when --tick is given
func cmdCheckpoints(c *cli.Context) error {
	cfg, err := parseCli(c)
	if err != nil {
		return common.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	stateCfg, err := node.StateConfig(cfg)
	if err != nil {
		return common.Wrap(err)
	}
	sdb, err := statedb.NewStateDB(statedb.Config{
		Path: cfg.StateDB.Path,
		Keep: cfg.StateDB.Keep,
		Meta: stateCfg.Meta(),
	})
	if err != nil {
		return common.Wrap(err)
	}
	defer sdb.Close()
	if c.IsSet(flagTick) {
		tick := common.Tick(c.Uint64(flagTick))
		if err := sdb.Reset(tick); err != nil {
			return common.Wrap(err)
		}
		log.Infow("StateDB reset", "tick", tick)
		return nil
	}
	ticks, err := sdb.ListCheckpoints()
	if err != nil {
		return common.Wrap(err)
	}
	fmt.Printf("current tick: %d\n", sdb.CurrentTick())
	for _, t := range ticks {
		fmt.Println(t)
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "forest-sequencer"
	app.Version = Version

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     flagCfg,
			Usage:    "Node configuration `FILE`",
			Required: false,
		},
		&cli.StringFlag{
			Name:     flagEnv,
			Usage:    "Environment `FILE` loaded before the environment overlay",
			Required: false,
		},
	}

	app.Commands = []cli.Command{
		{
			Name:    "version",
			Aliases: []string{},
			Usage:   "Show the application version and build",
			Action:  cmdVersion,
		},
		{
			Name:    "run",
			Aliases: []string{},
			Usage:   "Run the forest sequencer node",
			Action:  cmdRun,
			Flags:   flags,
		},
		{
			Name:    "wipesql",
			Aliases: []string{},
			Usage: "Wipe the SQL DB (HistoryDB), " +
				"leaving the DB in a clean state",
			Action: cmdWipeSQL,
			Flags: append(flags,
				&cli.BoolFlag{
					Name:     flagYes,
					Usage:    "automatic yes to the prompt",
					Required: false,
				},
				&cli.UintFlag{
					Name:  nMigrations,
					Usage: "amount of migrations to be rolled back, 0 rolls back all of them",
				}),
		},
		{
			Name:    "checkpoints",
			Aliases: []string{},
			Usage:   "List the StateDB checkpoints, or reset the StateDB to one of them",
			Action:  cmdCheckpoints,
			Flags: append(flags,
				&cli.Uint64Flag{
					Name:  flagTick,
					Usage: "reset the StateDB to the checkpoint of `TICK`",
				}),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Printf("\nError: %v\n", common.Wrap(err))
		os.Exit(1)
	}
}
