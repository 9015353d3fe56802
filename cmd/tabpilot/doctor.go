package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"tabpilot/internal/config"
	"tabpilot/internal/integration"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your tabpilot installation",
		Long: `Verifies that tabpilot's configuration, browser, database, and
integration registry are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("tabpilot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'tabpilot init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\nResults: %d passed, %d failed\n", passed, 1)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Chrome binary on PATH
			if bin := findChrome(); bin != "" {
				printPass("Chrome", bin)
				passed++
			} else {
				printFail("Chrome", "no chrome/chromium binary found on PATH")
				failed++
			}

			// 4. Browser profile directory writable
			if err := os.MkdirAll(cfg.Browser.ProfileDir, 0o755); err != nil {
				printFail("Browser profile", err.Error())
				failed++
			} else {
				printPass("Browser profile", cfg.Browser.ProfileDir)
				passed++
			}

			// 5. Database writable
			if err := checkDatabase(cfg.Store.DBPath); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", cfg.Store.DBPath)
				passed++
			}

			// 6. Integration registry parses
			if _, err := os.Stat(cfg.Integrations.RegistryPath); err != nil {
				printWarn("Integrations", "no registry file (integration.call disabled)")
				warned++
			} else if reg, err := integration.Load(integration.Config{Path: cfg.Integrations.RegistryPath, Logger: logger}); err != nil {
				printFail("Integrations", err.Error())
				failed++
			} else {
				printPass("Integrations", fmt.Sprintf("%d endpoint(s) registered", len(reg.Names())))
				passed++
			}

			// 7. Control port available
			if cfg.Control.Enabled {
				if err := checkPort(cfg.Control.Port); err != nil {
					printWarn("Control port", fmt.Sprintf("port %d may be in use: %v", cfg.Control.Port, err))
					warned++
				} else {
					printPass("Control port", fmt.Sprintf(":%d available", cfg.Control.Port))
					passed++
				}
			}

			// 8. SMTP relay reachable
			if cfg.Mail.Enabled {
				addr := net.JoinHostPort(cfg.Mail.Host, strconv.Itoa(cfg.Mail.Port))
				conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
				if err != nil {
					printWarn("Mail relay", fmt.Sprintf("cannot reach %s: %v", addr, err))
					warned++
				} else {
					conn.Close()
					printPass("Mail relay", addr)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running tabpilot.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\ntabpilot should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! tabpilot is ready to run.\n")
			}
			return nil
		},
	}
}

// findChrome returns the first chrome-family binary found on PATH.
func findChrome() string {
	for _, name := range []string{
		"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome",
	} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	// macOS default install location is not on PATH.
	macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
	if _, err := os.Stat(macPath); err == nil {
		return macPath
	}
	return ""
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
