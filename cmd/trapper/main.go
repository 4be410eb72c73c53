package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"trapper/trapper/auth"
	"trapper/trapper/schema"
	"trapper/trapper/services"
	"trapper/trapper/storage"
	"trapper/trapper/tasks"

	"github.com/caarlos0/env/v10"
	"github.com/go-chi/chi/v5"
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogmulti "github.com/samber/slog-multi"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type trapperEnv struct {
	DatabaseUri string `env:"DATABASE_URI,required"`
	ShareDir    string `env:"SHARE_DIR,required"`
	JwtSecret   string `env:"JWT_SECRET,required"`

	AdminUsername string `env:"ADMIN_USERNAME,required"`
	AdminEmail    string `env:"ADMIN_EMAIL,required"`
	AdminPassword string `env:"ADMIN_PASSWORD,required"`

	PublicOrigin string `env:"PUBLIC_ORIGIN" envDefault:"*"`

	FfmpegPath string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`

	// AsyncTasks false runs every submitted task inline, useful for small
	// installs and debugging.
	AsyncTasks      bool `env:"ASYNC_TASKS" envDefault:"true"`
	MaxRunningTasks int  `env:"MAX_RUNNING_TASKS" envDefault:"8"`
}

func loadEnv(envFile string) trapperEnv {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			log.Fatalf("error loading .env file '%v': %v", envFile, err)
		}
	}

	var cfg trapperEnv
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing environment: %v", err)
	}
	return cfg
}

func (cfg *trapperEnv) postgresDsn() string {
	parts, err := url.Parse(cfg.DatabaseUri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

func initLogging(logFile *os.File) {
	handler := slogmulti.Fanout(
		slog.NewTextHandler(os.Stderr, nil),
		slog.NewJSONHandler(logFile, nil),
	)
	slog.SetDefault(slog.New(handler))
	slog.Info("logging initialized", "log_file", logFile.Name())
}

func initDb(dsn string) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	migrations := gormigrate.New(db, gormigrate.DefaultOptions, schema.Migrations())
	migrations.InitSchema(func(txn *gorm.DB) error {
		if err := txn.AutoMigrate(schema.AllModels()...); err != nil {
			return err
		}
		return schema.SeedSpecies(txn)
	})
	if err := migrations.Migrate(); err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}
	return db
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	port := flag.Int("port", 8000, "Port to run server on")
	flag.Parse()

	cfg := loadEnv(*envFile)

	if err := os.MkdirAll(filepath.Join(cfg.ShareDir, "logs"), 0777); err != nil {
		log.Fatalf("error creating log dir: %v", err)
	}
	logFile, err := os.OpenFile(filepath.Join(cfg.ShareDir, "logs/trapper.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer logFile.Close()

	initLogging(logFile)

	db := initDb(cfg.postgresDsn())

	store := storage.NewSharedDisk(cfg.ShareDir)

	identity, err := auth.NewIdentityProvider(db, auth.ProviderArgs{
		Secret:        []byte(cfg.JwtSecret),
		AdminUsername: cfg.AdminUsername,
		AdminEmail:    cfg.AdminEmail,
		AdminPassword: cfg.AdminPassword,
	})
	if err != nil {
		log.Fatalf("error creating identity provider: %v", err)
	}

	var runner tasks.Runner
	if cfg.AsyncTasks {
		local := tasks.NewLocal(db)
		local.MaxRunning = cfg.MaxRunningTasks
		runner = local
		defer local.Wait()
	} else {
		runner = tasks.NewDisabled(db)
	}

	trapper := services.NewTrapper(db, store, identity, runner, services.Variables{
		FfmpegPath: cfg.FfmpegPath,
	})

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.PublicOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Mount("/api/v1", trapper.Routes())
	r.Handle("/metrics", promhttp.Handler())

	slog.Info("starting server", "port", *port)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", *port), r); err != nil {
		log.Fatalf("listen and serve returned error: %v", err)
	}
}
