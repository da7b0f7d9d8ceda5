// Command formicaio-migrate applies formicaio's sqlite migration chain to
// an existing DB_PATH directory without starting the supervisor. Useful
// for running migrations ahead of a deploy, or verifying a backup opens
// cleanly.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/cuemby/formicaio/pkg/storage"
)

var (
	dataDir    = flag.String("data-dir", "", "Directory holding the formicaio.sqlite file (required, matches DB_PATH)")
	backupPath = flag.String("backup", "", "Path to back up the database before migration (default: <data-dir>/formicaio.sqlite.backup)")
	skipBackup = flag.Bool("skip-backup", false, "Skip creating a backup before migration")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("formicaio migration tool")
	log.Println("=========================")

	if *dataDir == "" {
		log.Fatal("--data-dir is required")
	}

	dbPath := filepath.Join(*dataDir, "formicaio.sqlite")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Printf("No existing database at %s; a fresh one will be created and migrated.", dbPath)
	} else {
		log.Printf("Database: %s", dbPath)
		if !*skipBackup {
			backupFile := *backupPath
			if backupFile == "" {
				backupFile = dbPath + ".backup"
			}
			log.Printf("Creating backup: %s", backupFile)
			if err := copyFile(dbPath, backupFile); err != nil {
				log.Fatalf("Failed to create backup: %v", err)
			}
			log.Println("Backup created successfully")
		}
	}

	// storage.Open runs every pending migration in pkg/storage/migrations
	// (lexicographic order, skipping versions already recorded in
	// schema_migrations) before returning.
	store, err := storage.Open(*dataDir)
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	defer store.Close()

	log.Println("Migration completed successfully.")
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, input, 0o600); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	return nil
}
