package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	"ms-registration/internal/config"
	"ms-registration/internal/database/migrations"
	"ms-registration/internal/logger"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: migrate [-dir ./migrations] [-seed] up|down|to <version>|version\n")
	flag.PrintDefaults()
}

func main() {
	cfg := config.Load()
	dir := flag.String("dir", cfg.Database.Migrations, "migrations directory")
	seed := flag.Bool("seed", false, "also apply seed migrations on up")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	log := logger.NewLogger()
	defer log.Close()

	sqldb, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
	}
	bunDB := bun.NewDB(sqldb, pgdialect.New())
	defer bunDB.Close()

	runner := migrations.NewRunner(bunDB, migrations.MigrateOptions{
		MigrationsDir: *dir,
		SeedData:      *seed,
	}, log)
	defer runner.Close()

	switch cmd := flag.Arg(0); cmd {
	case "up":
		if *seed {
			err = runner.MigrateUp()
		} else {
			err = runner.RunMigrations()
		}
	case "down":
		err = runner.MigrateDown()
	case "to":
		var version uint
		if _, scanErr := fmt.Sscanf(flag.Arg(1), "%d", &version); scanErr != nil {
			log.Fatal("MIGRATE", fmt.Sprintf("invalid version %q", flag.Arg(1)))
		}
		err = runner.MigrateTo(version)
	case "version":
		version, dirty, verr := runner.Version()
		if verr == nil {
			log.Info("MIGRATE", fmt.Sprintf("version=%d dirty=%t", version, dirty))
		}
		err = verr
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatal("MIGRATE", err.Error())
	}
	log.Info("MIGRATE", fmt.Sprintf("%s complete", flag.Arg(0)))
}
