package main

import (
	"MarginEngine/internal/config"
	"errors"
	"flag"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	var migrationsPath, configPath, direction string
	flag.StringVar(&migrationsPath, "migrations", "migrations", "path to migrations directory")
	flag.StringVar(&configPath, "config", "config/local.yaml", "path to config file")
	flag.StringVar(&direction, "direction", "up", "up or down")
	flag.Parse()

	cfg := config.MustLoadByPath(configPath)
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	m, err := migrate.New("file://"+migrationsPath, cfg.PostgresCfg.ConnString())
	if err != nil {
		log.Error("failed to init migrator", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	default:
		log.Error("unknown direction", "direction", direction)
		os.Exit(1)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("no migrations to apply")
		return
	}
	if err != nil {
		log.Error("migration failed", "error", err)
		os.Exit(1)
	}
	log.Info("migrations applied", "direction", direction)
}
