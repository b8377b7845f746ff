package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chatforge/jobs-service/internal/database"
	"github.com/chatforge/jobs-service/internal/embeddings"
	"github.com/chatforge/jobs-service/internal/importer"
	"github.com/chatforge/jobs-service/internal/lineevents"
	"github.com/chatforge/jobs-service/internal/queue"
)

// familyTables maps CLI family names to their queue tables
var familyTables = map[string]string{
	"embeddings":   embeddings.Table,
	"line-events":  lineevents.Table,
	"import-items": importer.Table,
}

func storeOptions() queue.Options {
	opts := queue.Options{
		MaxAttempts: cfg.Workers.MaxAttempts,
		StaleAfter:  cfg.Workers.StaleAfter,
	}
	if cfg.Workers.RetryBackoff > 0 {
		opts.RetryDelay = queue.LinearBackoff(cfg.Workers.RetryBackoff)
	}
	return opts
}

func familyStore(family string) (*queue.Store, error) {
	table, ok := familyTables[family]
	if !ok {
		return nil, fmt.Errorf("unknown family: %s\nValid families: %s", family, strings.Join(familyNames(), ", "))
	}
	return queue.NewStore(database.Pool(), table, storeOptions()), nil
}

func allStores() map[string]*queue.Store {
	stores := make(map[string]*queue.Store, len(familyTables))
	for family, table := range familyTables {
		stores[family] = queue.NewStore(database.Pool(), table, storeOptions())
	}
	return stores
}

func familyNames() []string {
	names := make([]string, 0, len(familyTables))
	for name := range familyTables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
