package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	apiclient "github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/pkg/api/client"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/pkg/logger"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/pkg/reconcile"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "pair":
		err = commandPair(args)
	case "desktops":
		err = commandDesktops(args)
	case "start":
		err = commandStart(args)
	case "status":
		err = commandStatus(args)
	case "watch":
		err = commandWatch(args)
	case "end":
		err = commandEnd(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	username := fs.String("username", "", "Email address or university identifier")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	fs.Parse(args)

	if strings.TrimSpace(*username) == "" {
		return errors.New("--username is required")
	}

	secret := strings.TrimSpace(*password)
	if secret == "" {
		fmt.Print("Password: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		secret = string(bytes)
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	} else if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:4000"
	}

	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	resp, err := client.Login(ctx, *username, secret)
	if err != nil {
		return err
	}
	cfg.AccessToken = resp.Tokens.AccessToken
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("logged in as %s\n", resp.Student.Name)
	return nil
}

// commandPair needs no login: kiosks are set up before any student exists.
func commandPair(args []string) error {
	fs := flag.NewFlagSet("pair", flag.ExitOnError)
	desktopCode := fs.String("desktop", "", "Desktop code to bind this device to")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	fs.Parse(args)

	if strings.TrimSpace(*desktopCode) == "" {
		return errors.New("--desktop is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	pairing, err := client.RegisterPairing(ctx, cfg.DeviceID, *desktopCode)
	if err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("device %s paired to desktop %s\n", pairing.DeviceID, pairing.DesktopCode)
	return nil
}

func commandDesktops(args []string) error {
	fs := flag.NewFlagSet("desktops", flag.ExitOnError)
	fs.Parse(args)

	_, client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	desktops, err := client.ListDesktops(ctx, token)
	if err != nil {
		return err
	}
	for _, d := range desktops {
		fmt.Printf("%d\t%s\t%s\t%s\n", d.ID, d.Code, d.Status, d.Address)
	}
	return nil
}

func commandStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	duration := fs.Int("duration", 60, "Session length in minutes")
	desktopID := fs.Int64("desktop", 0, "Desktop identifier (defaults to the paired desktop)")
	fs.Parse(args)

	cfg, client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	target := *desktopID
	if target <= 0 {
		if cfg.DeviceID == "" {
			return errors.New("no paired desktop; run 'kiosk pair' or pass --desktop")
		}
		desktop, err := client.ResolvePairing(ctx, cfg.DeviceID)
		if err != nil {
			return fmt.Errorf("resolve paired desktop: %w", err)
		}
		target = desktop.ID
	}

	lease, err := client.StartSession(ctx, token, target, *duration)
	if err != nil {
		var apiErr apiclient.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict && apiErr.LeaseID != 0 {
			fmt.Printf("session %d is already active; use 'kiosk watch'\n", apiErr.LeaseID)
			return nil
		}
		return err
	}
	fmt.Printf("session %d started on desktop %d until %s\n", lease.ID, lease.DesktopID, lease.ExpiresAt().Local().Format(time.Kitchen))
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Parse(args)

	cfg, client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if cfg.DeviceID != "" {
		desktop, err := client.ResolvePairing(ctx, cfg.DeviceID)
		if err == nil {
			fmt.Printf("paired desktop: %s (%s)\n", desktop.Code, desktop.Status)
		}
	}

	lease, err := client.ActiveSession(ctx, token)
	if err != nil {
		var apiErr apiclient.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			fmt.Println("no active session")
			return nil
		}
		return err
	}
	remaining := time.Until(lease.ExpiresAt()).Truncate(time.Second)
	fmt.Printf("session %d on desktop %d, %s remaining\n", lease.ID, lease.DesktopID, remaining)
	return nil
}

func commandWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	poll := fs.Duration("poll", reconcile.DefaultPollInterval, "Server reconciliation interval")
	fs.Parse(args)

	_, client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	lease, err := client.ActiveSession(ctx, token)
	cancel()
	if err != nil {
		var apiErr apiclient.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			fmt.Println("no active session")
			return nil
		}
		return err
	}

	log := logger.New("kiosk", slog.LevelWarn)
	watcher := reconcile.NewWatcher(client, token, lease, log, *poll)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	done := make(chan error, 1)
	go func() { done <- watcher.Run(runCtx) }()

	for event := range watcher.Events() {
		switch event.Type {
		case reconcile.EventTick:
			fmt.Printf("\r%s remaining   ", formatRemaining(event.Remaining))
		case reconcile.EventWarning:
			fmt.Printf("\nwarning: %s left in session %d\n", formatRemaining(event.Remaining), event.Lease.ID)
		case reconcile.EventEnded:
			fmt.Printf("\nsession %d ended\n", event.Lease.ID)
		case reconcile.EventReauth:
			fmt.Println("\nsession token rejected; run 'kiosk login' again")
		}
	}
	return <-done
}

func commandEnd(args []string) error {
	fs := flag.NewFlagSet("end", flag.ExitOnError)
	fs.Parse(args)

	_, client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	lease, err := client.ActiveSession(ctx, token)
	if err != nil {
		var apiErr apiclient.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			fmt.Println("no active session")
			return nil
		}
		return err
	}
	if _, err := client.EndSession(ctx, token, lease.ID); err != nil {
		return err
	}
	fmt.Printf("session %d ended\n", lease.ID)
	return nil
}

func formatRemaining(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func authedClient() (cliConfig, *apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cliConfig{}, nil, "", err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return cliConfig{}, nil, "", errors.New("please login first using 'kiosk login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return cliConfig{}, nil, "", err
	}
	return cfg, client, token, nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: "http://localhost:4000"}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:4000"
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "deskpool", "kiosk.json"), nil
}

func printUsage() {
	fmt.Printf("kiosk CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	kiosk login --username user@example.edu [--password secret] [--api http://localhost:4000]
	kiosk pair --desktop <desktop-code> [--api http://localhost:4000]
	kiosk desktops
	kiosk start [--duration minutes] [--desktop <desktop-id>]
	kiosk status
	kiosk watch [--poll 10s]
	kiosk end
	kiosk version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
