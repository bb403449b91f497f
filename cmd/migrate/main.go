package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"inventory-engine/internal/db"

	"github.com/joho/godotenv"
)

// Applies every migrations/*.sql file in lexical order. Migrations are
// written to be re-runnable (CREATE ... IF NOT EXISTS), so there is no
// version table.
func main() {
	_ = godotenv.Load()

	dir := "migrations"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pool.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Fatalf("failed to read %s: %v", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		sql, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Fatalf("failed to read %s: %v", name, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			log.Fatalf("migration %s failed: %v", name, err)
		}
		log.Printf("applied %s", name)
	}
	log.Printf("done: %d migrations applied", len(files))
}
