package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/MrCodeEU/facegate/pkg/antispoof"
	"github.com/MrCodeEU/facegate/pkg/config"
	"github.com/MrCodeEU/facegate/pkg/db"
	"github.com/MrCodeEU/facegate/pkg/frame"
	"github.com/MrCodeEU/facegate/pkg/liveness"
	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/processor"
	"github.com/MrCodeEU/facegate/pkg/recognition"
	"github.com/MrCodeEU/facegate/pkg/registry"
	"github.com/MrCodeEU/facegate/pkg/server"
	"github.com/MrCodeEU/facegate/pkg/storage"
)

const version = "0.1.0"

// unboundedSessionTTL bounds redis reservations when sessions never expire,
// so a crashed process cannot hold an identity forever.
const unboundedSessionTTL = 30 * time.Minute

// Command represents a CLI command.
type Command struct {
	Name        string
	Description string
	Usage       string
	Run         func(args []string) error
}

var (
	cfg      *config.Config
	commands map[string]*Command
)

var commandOrder = []string{"serve", "train", "retrain", "verify", "list", "remove", "config", "download-models", "version", "help"}

func init() {
	commands = map[string]*Command{
		"serve": {
			Name:        "serve",
			Description: "Run the WebSocket face session server",
			Usage:       "facegate serve",
			Run:         cmdServe,
		},
		"train": {
			Name:        "train",
			Description: "Retrain a user's embedding table from their saved images",
			Usage:       "facegate train <user_id>",
			Run:         cmdTrain,
		},
		"retrain": {
			Name:        "retrain",
			Description: "Rebuild the global table from every enrolled user",
			Usage:       "facegate retrain",
			Run:         cmdRetrain,
		},
		"verify": {
			Name:        "verify",
			Description: "Match an image against one user, or against everyone",
			Usage:       "facegate verify <image> [user_id]",
			Run:         cmdVerify,
		},
		"list": {
			Name:        "list",
			Description: "List all enrolled users",
			Usage:       "facegate list",
			Run:         cmdList,
		},
		"remove": {
			Name:        "remove",
			Description: "Remove a user's images, tables and records",
			Usage:       "facegate remove <user_id>",
			Run:         cmdRemove,
		},
		"config": {
			Name:        "config",
			Description: "Show current configuration",
			Usage:       "facegate config",
			Run:         cmdConfig,
		},
		"download-models": {
			Name:        "download-models",
			Description: "Download the dlib face models",
			Usage:       "facegate download-models [dir]",
			Run:         cmdDownloadModels,
		},
		"version": {
			Name:        "version",
			Description: "Show version information",
			Usage:       "facegate version",
			Run:         cmdVersion,
		},
		"help": {
			Name:        "help",
			Description: "Show help information",
			Usage:       "facegate help [command]",
			Run:         cmdHelp,
		},
	}
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	args := flag.Args()

	var err error
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultConfig()
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg.ExpandPaths()

	logLevel := cfg.Logging.Level
	if *debug {
		logLevel = "debug"
	}
	if err := logging.Init(logging.Options{Level: logLevel, File: cfg.Logging.File, Format: cfg.Logging.Format}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}

	logging.Debugf("FaceGate v%s starting", version)
	logging.Debugf("Config loaded, data dir: %s", cfg.Storage.DataDir)

	if len(args) < 1 {
		printUsage()
		os.Exit(0)
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmdName)
		printUsage()
		os.Exit(1)
	}

	if err := cmd.Run(args[1:]); err != nil {
		logging.WithError(err).Errorf("Command '%s' failed", cmdName)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("FaceGate - face login sessions over WebSocket")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Usage: facegate [options] <command> [arguments]")
	fmt.Println("\nOptions:")
	fmt.Println("  -config <file>   Path to configuration file")
	fmt.Println("  -debug           Enable debug logging")
	fmt.Println("\nCommands:")
	for _, name := range commandOrder {
		cmd := commands[name]
		fmt.Printf("  %-16s %s\n", cmd.Name, cmd.Description)
	}
	fmt.Println("\nExamples:")
	fmt.Println("  facegate serve                 # Start the session server")
	fmt.Println("  facegate train alice           # Retrain 'alice' from saved images")
	fmt.Println("  facegate verify me.png alice   # Check an image against 'alice'")
	fmt.Println("\nRun 'facegate help <command>' for more information on a command.")
}

// app holds the components shared by the commands.
type app struct {
	recognizer *recognition.DlibRecognizer
	store      *storage.Store
	db         *db.DB
}

// openApp prepares directories and opens the database and the store. Models
// are loaded only when withModels is set.
func openApp(ctx context.Context, withModels bool) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	a := &app{recognizer: recognition.NewRecognizer()}
	if withModels {
		if err := a.recognizer.LoadModels(cfg.Recognition.ModelPath); err != nil {
			return nil, fmt.Errorf("%w (run 'facegate download-models' first)", err)
		}
	}

	store, err := storage.NewStore(storage.Options{
		ImagesDir:         cfg.ImagesDir(),
		EmbeddingsDir:     cfg.EmbeddingsDir(),
		EncryptionEnabled: cfg.Storage.EncryptionEnabled,
		Metric:            recognition.Metric(cfg.Recognition.Metric),
		Threshold:         cfg.Recognition.Threshold,
	}, a.recognizer)
	if err != nil {
		_ = a.recognizer.Close()
		return nil, err
	}
	a.store = store

	database, err := db.Open(ctx, cfg.Database.Path)
	if err != nil {
		_ = a.recognizer.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.db = database
	return a, nil
}

func (a *app) Close() {
	_ = a.db.Close()
	_ = a.recognizer.Close()
}

func cmdServe(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	var admitter registry.Admitter
	if cfg.Registry.Backend == "redis" {
		client, err := registry.NewRedisClient(ctx, cfg.Registry.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		ttl := time.Duration(cfg.Session.MaxDuration) * time.Second
		if ttl <= 0 {
			ttl = unboundedSessionTTL
		}
		admitter = registry.NewRedisAdmitter(client, cfg.Registry.KeyPrefix, ttl)
		logging.Infof("Session admission shared through redis (%s*)", cfg.Registry.KeyPrefix)
	}
	reg := registry.New(admitter)

	checks := processor.New(
		a.recognizer,
		antispoof.NewTextureScorer(cfg.AntiSpoof.MinScore),
		liveness.NewDetector(cfg.Liveness.DirectionThreshold),
		a.store,
		processor.Config{MinFaceSize: cfg.Recognition.MinFaceSize, MaxFaceSize: cfg.Recognition.MaxFaceSize},
	)

	srv := server.New(reg, checks, a.store, a.db, server.Options{
		RetrainKey:     cfg.Server.RetrainKey,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxSession:     time.Duration(cfg.Session.MaxDuration) * time.Second,
		TokenTTL:       time.Duration(cfg.Session.TokenTTL) * time.Second,
		ConnectRate:    cfg.Server.ConnectRate,
		ConnectBurst:   cfg.Server.ConnectBurst,
		TrustedProxies: cfg.Server.TrustedProxies,
	})
	if cfg.Server.RetrainKey == "" {
		logging.Warnf("No retrain key configured, %s/retrain is disabled", server.APIPrefix)
	}
	return srv.Run(ctx, cfg.Server.Listen)
}

func cmdTrain(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("user id required\nUsage: facegate train <user_id>")
	}
	userID := args[0]
	if err := storage.ValidateUserID(userID); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, _, err := a.db.EnsureFaceID(ctx, userID, a.store.UserTablePath(userID))
	if err != nil {
		return err
	}
	ref := storage.UserRef{UserID: userID, FaceID: rec.ID}

	stats, err := a.store.Train(ctx, ref)
	if err != nil {
		return err
	}
	if err := a.store.MergeIntoGlobal(ref); err != nil {
		return err
	}
	if err := a.db.SetFaceIDStats(ctx, userID, map[string]any{"train": stats}); err != nil {
		return err
	}

	fmt.Printf("Trained '%s': %d added, %d removed, %d replaced, %d skipped, %d total (%s)\n",
		userID, stats.Added, stats.Removed, stats.Replaced, stats.Skipped, stats.Total, stats.Duration.Round(time.Millisecond))
	return nil
}

func cmdRetrain(args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.db.ListFaceIDs(ctx)
	if err != nil {
		return err
	}
	refs := make([]storage.UserRef, 0, len(records))
	for _, rec := range records {
		refs = append(refs, storage.UserRef{UserID: rec.UserID, FaceID: rec.ID})
	}

	stats, err := a.store.RebuildGlobal(refs)
	if err != nil {
		return err
	}
	fmt.Printf("Global table rebuilt: %d user(s), %d row(s)\n", stats.Users, stats.Rows)
	for _, id := range stats.Missing {
		fmt.Printf("  ! %s has no embedding table\n", id)
	}
	return nil
}

func cmdVerify(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("image required\nUsage: facegate verify <image> [user_id]")
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	f, err := frame.Decode(data)
	if err != nil {
		return err
	}

	a, err := openApp(context.Background(), true)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) < 2 {
		m, err := a.store.Identify(f)
		if errors.Is(err, storage.ErrNoMatch) {
			fmt.Println("No match.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println(describeMatch(m))
		return nil
	}

	matches, err := a.store.Verify(f, args[1])
	if errors.Is(err, storage.ErrNoMatch) {
		fmt.Printf("Not verified as '%s'.\n", args[1])
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Verified as '%s': %d matching image(s), best distance %.4f\n", args[1], len(matches), matches[0].Distance)
	return nil
}

// describeMatch reports who matched and through which enrollment image.
func describeMatch(m storage.Match) string {
	return fmt.Sprintf("Identified user '%s' via %s (distance %.4f, threshold %.2f)", m.UserID, m.Identity, m.Distance, m.Threshold)
}

func cmdList(args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	users, err := a.store.ListUsers()
	if err != nil {
		return err
	}
	records, err := a.db.ListFaceIDs(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]db.FaceID, len(records))
	for _, rec := range records {
		known[rec.UserID] = rec
	}
	for _, u := range users {
		if _, ok := known[u]; !ok {
			known[u] = db.FaceID{UserID: u}
		}
	}

	if len(known) == 0 {
		fmt.Println("No users enrolled.")
		return nil
	}

	ids := make([]string, 0, len(known))
	for id := range known {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Println("Enrolled users:")
	for _, id := range ids {
		rec := known[id]
		if rec.ID == "" {
			fmt.Printf("  - %s (no record)\n", id)
			continue
		}
		fmt.Printf("  - %s  face_id=%s  updated=%s\n", id, rec.ID, time.Unix(rec.UpdatedAt, 0).Format(time.RFC3339))
	}
	fmt.Printf("\nTotal: %d user(s)\n", len(ids))
	return nil
}

func cmdRemove(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("user id required\nUsage: facegate remove <user_id>")
	}
	userID := args[0]

	ctx := context.Background()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	logging.Infof("Removing face data for user: %s", userID)

	if err := a.store.DeleteUser(userID); err != nil {
		return fmt.Errorf("failed to remove user data: %w", err)
	}
	if err := a.db.DeleteFaceID(ctx, userID); err != nil && !errors.Is(err, db.ErrFaceIDNotFound) {
		return err
	}

	fmt.Printf("Face data for '%s' has been removed.\n", userID)
	return nil
}

func cmdConfig(args []string) error {
	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println()
	fmt.Println("[Server]")
	fmt.Printf("  Listen:          %s\n", cfg.Server.Listen)
	fmt.Printf("  Retrain Key:     %t\n", cfg.Server.RetrainKey != "")
	fmt.Printf("  Origins:         %v\n", cfg.Server.AllowedOrigins)
	fmt.Printf("  Connect Rate:    %.2f/s (burst %d)\n", cfg.Server.ConnectRate, cfg.Server.ConnectBurst)
	fmt.Printf("  Trusted Proxies: %v\n", cfg.Server.TrustedProxies)
	fmt.Println()
	fmt.Println("[Session]")
	fmt.Printf("  Max Duration:    %d seconds\n", cfg.Session.MaxDuration)
	fmt.Printf("  Token TTL:       %d seconds\n", cfg.Session.TokenTTL)
	fmt.Println()
	fmt.Println("[Recognition]")
	fmt.Printf("  Metric:          %s\n", cfg.Recognition.Metric)
	fmt.Printf("  Threshold:       %.2f\n", cfg.Recognition.Threshold)
	fmt.Printf("  Face Size:       %d-%d px\n", cfg.Recognition.MinFaceSize, cfg.Recognition.MaxFaceSize)
	fmt.Printf("  Model Path:      %s\n", cfg.Recognition.ModelPath)
	fmt.Println()
	fmt.Println("[Liveness / Anti-spoof]")
	fmt.Printf("  Direction:       %.2f of eye distance\n", cfg.Liveness.DirectionThreshold)
	fmt.Printf("  Min Score:       %.2f\n", cfg.AntiSpoof.MinScore)
	fmt.Println()
	fmt.Println("[Storage]")
	fmt.Printf("  Data Dir:        %s\n", cfg.Storage.DataDir)
	fmt.Printf("  Encryption:      %t\n", cfg.Storage.EncryptionEnabled)
	fmt.Printf("  Database:        %s\n", cfg.Database.Path)
	fmt.Println()
	fmt.Println("[Registry]")
	fmt.Printf("  Backend:         %s\n", cfg.Registry.Backend)
	if cfg.Registry.Backend == "redis" {
		fmt.Printf("  Key Prefix:      %s\n", cfg.Registry.KeyPrefix)
	}
	fmt.Println()
	fmt.Println("[Logging]")
	fmt.Printf("  Level:           %s\n", cfg.Logging.Level)
	fmt.Printf("  Format:          %s\n", cfg.Logging.Format)
	fmt.Printf("  File:            %s\n", cfg.Logging.File)
	return nil
}

func cmdVersion(args []string) error {
	fmt.Printf("FaceGate v%s\n", version)
	fmt.Println("Face login sessions over WebSocket")
	return nil
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		return fmt.Errorf("unknown command: %s", cmdName)
	}

	fmt.Printf("Command: %s\n", cmd.Name)
	fmt.Printf("Description: %s\n", cmd.Description)
	fmt.Printf("Usage: %s\n", cmd.Usage)

	switch cmdName {
	case "serve":
		fmt.Println("\nEndpoints:")
		fmt.Printf("  WS   %s/auth\n", server.APIPrefix)
		fmt.Printf("  WS   %s/register?user_id=<id>\n", server.APIPrefix)
		fmt.Printf("  GET  %s/retrain?key=<secret>\n", server.APIPrefix)
		fmt.Printf("  POST %s/token/redeem\n", server.APIPrefix)
		fmt.Println("  GET  /health")
	case "config":
		fmt.Println("\nConfiguration Locations:")
		fmt.Println("  System: /etc/facegate/facegate.yaml")
		fmt.Println("  User:   ~/.config/facegate/facegate.yaml")
		fmt.Println("\nUse -config flag to specify a custom config file.")
		fmt.Println("FACEGATE_* environment variables override file values.")
	}
	return nil
}
