// Command recall-demo exercises the memory service end to end against a
// local configuration: it memorizes an artifact, then retrieves memories for
// a query. With no flags it runs fully in-memory, which makes it a quick
// smoke test for configuration files.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"goa.design/clue/log"

	"goa.design/recall"
	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/service"
	"goa.design/recall/runtime/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the YAML configuration (defaults apply when empty)")
		scopeFlag  = flag.String("scope", "user_id=demo", "comma-separated scope fields, e.g. user_id=alice,agent_id=a1")
		memorize   = flag.String("memorize", "", "path or file:// URL of an artifact to memorize")
		modality   = flag.String("modality", string(memory.ModalityConversation), "artifact modality")
		query      = flag.String("query", "", "query to retrieve memories for")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := run(ctx, *configPath, *scopeFlag, *memorize, *modality, *query); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, scopeFlag, memorizePath, modality, query string) error {
	cfg := service.DefaultConfig()
	cfg.User.Model = []string{"user_id"}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("reading configuration: %w", err)
		}
		if cfg, err = service.ParseConfig(data); err != nil {
			return err
		}
	}

	scope, err := parseScope(scopeFlag)
	if err != nil {
		return err
	}

	svc, err := recall.Open(ctx, cfg, service.Options{Logger: telemetry.NewClueLogger()})
	if err != nil {
		return err
	}
	defer svc.Close(ctx)

	if memorizePath != "" {
		resp, err := svc.Memorize(ctx, service.MemorizeRequest{
			ResourceURL: memorizePath,
			Modality:    memory.Modality(modality),
			Scope:       scope,
		})
		if err != nil {
			return err
		}
		log.Info(ctx, log.KV{K: "msg", V: "memorized"},
			log.KV{K: "resource", V: resp.Resource.ID},
			log.KV{K: "items", V: len(resp.Items)},
			log.KV{K: "categories", V: len(resp.Categories)})
		for _, item := range resp.Items {
			fmt.Printf("  [%s] %s\n", item.MemoryType, item.Summary)
		}
	}

	if query != "" {
		where := make(memory.Where, len(scope))
		for k, v := range scope {
			where[k] = v
		}
		resp, err := svc.Retrieve(ctx, service.RetrieveRequest{
			Queries: []service.Query{{Role: "user", Text: query}},
			Where:   where,
		})
		if err != nil {
			return err
		}
		fmt.Printf("query: %s\nrewritten: %s\n", resp.OriginalQuery, resp.RewrittenQuery)
		for _, cat := range resp.Categories {
			fmt.Printf("  category %s: %s\n", cat.Category.Name, cat.Category.Summary)
		}
		for _, item := range resp.Items {
			fmt.Printf("  memory (%s, %.3f): %s\n", item.Item.MemoryType, item.Score, item.Item.Summary)
		}
		for _, res := range resp.Resources {
			fmt.Printf("  resource (%.3f): %s\n", res.Score, res.Resource.URL)
		}
	}
	return nil
}

func parseScope(s string) (memory.Scope, error) {
	scope := make(memory.Scope)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("invalid scope entry %q, want field=value", pair)
		}
		scope[k] = v
	}
	return scope, nil
}
