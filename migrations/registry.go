package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strings"

	persistence "github.com/goliatone/go-persistence-bun"

	relay "github.com/edulure/go-relay"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	DefaultSourceLabel = "go-relay"
)

// Tables lists every table the relay schema creates.
var Tables = []string{
	"relay_domain_events",
	"relay_domain_event_dispatches",
	"relay_webhook_subscriptions",
	"relay_webhook_events",
	"relay_webhook_deliveries",
	"relay_integration_sync_runs",
	"relay_integration_sync_results",
	"relay_reconciliation_reports",
	"relay_dead_letters",
	"relay_sync_contacts",
}

// Tree is one dialect's migration directory.
type Tree struct {
	Dialect string
	Path    string
	FS      fs.FS
}

type Registration struct {
	SourceLabel string
	Dialects    []string
	Trees       []Tree
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*Registration)

func WithSourceLabel(label string) Option {
	return func(r *Registration) {
		if trimmed := strings.TrimSpace(label); trimmed != "" {
			r.SourceLabel = trimmed
		}
	}
}

// WithValidationTargets limits registration to the named dialects.
func WithValidationTargets(dialects ...string) Option {
	return func(r *Registration) {
		var next []string
		for _, dialect := range dialects {
			dialect = normalizeDialect(dialect)
			if dialect != "" && !slices.Contains(next, dialect) {
				next = append(next, dialect)
			}
		}
		if len(next) > 0 {
			r.Dialects = next
		}
	}
}

// WithTrees replaces the embedded trees, typically with a host schema that
// extends the relay tables.
func WithTrees(trees ...Tree) Option {
	return func(r *Registration) {
		var next []Tree
		for _, tree := range trees {
			tree.Dialect = normalizeDialect(tree.Dialect)
			if tree.Dialect != "" && tree.FS != nil {
				next = append(next, tree)
			}
		}
		if len(next) > 0 {
			r.Trees = next
		}
	}
}

// Trees resolves the postgres and sqlite trees under root, defaulting to the
// embedded schema. Each tree is verified before it is returned.
func Trees(root fs.FS) ([]Tree, error) {
	if root == nil {
		root = relay.GetMigrationsFS()
	}
	const basePath = "data/sql/migrations"
	base, err := fs.Sub(root, basePath)
	if err != nil {
		return nil, fmt.Errorf("migrations: open %s: %w", basePath, err)
	}
	sqliteFS, err := fs.Sub(base, DialectSQLite)
	if err != nil {
		return nil, fmt.Errorf("migrations: open sqlite tree: %w", err)
	}

	trees := []Tree{
		{Dialect: DialectPostgres, Path: basePath, FS: base},
		{Dialect: DialectSQLite, Path: basePath + "/" + DialectSQLite, FS: sqliteFS},
	}
	for _, tree := range trees {
		if err := Verify(tree); err != nil {
			return nil, err
		}
	}
	return trees, nil
}

var createTablePattern = regexp.MustCompile(`(?i)CREATE TABLE(?: IF NOT EXISTS)?\s+([a-z_][a-z0-9_]*)`)

// Verify checks that every up script in tree has a down script and that the
// up scripts together create every relay table.
func Verify(tree Tree) error {
	ups, err := fs.Glob(tree.FS, "*.up.sql")
	if err != nil {
		return fmt.Errorf("migrations: glob %s: %w", tree.Path, err)
	}
	if len(ups) == 0 {
		return fmt.Errorf("migrations: %s tree %q has no *.up.sql files", tree.Dialect, tree.Path)
	}

	created := map[string]bool{}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(tree.FS, down); err != nil {
			return fmt.Errorf("migrations: %s %s has no matching %s", tree.Dialect, up, down)
		}
		content, err := fs.ReadFile(tree.FS, up)
		if err != nil {
			return fmt.Errorf("migrations: read %s: %w", up, err)
		}
		for _, match := range createTablePattern.FindAllStringSubmatch(string(content), -1) {
			created[strings.ToLower(match[1])] = true
		}
	}
	for _, table := range Tables {
		if !created[table] {
			return fmt.Errorf("migrations: %s tree %q never creates %s", tree.Dialect, tree.Path, table)
		}
	}
	return nil
}

// Register hands each selected dialect tree to registerFn.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	reg := Registration{
		SourceLabel: DefaultSourceLabel,
		Dialects:    []string{DialectPostgres, DialectSQLite},
	}
	if registerFn == nil {
		return reg, fmt.Errorf("migrations: register function is required")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	if len(reg.Trees) == 0 {
		trees, err := Trees(nil)
		if err != nil {
			return reg, err
		}
		reg.Trees = trees
	}

	registered := 0
	for _, tree := range reg.Trees {
		if !slices.Contains(reg.Dialects, tree.Dialect) {
			continue
		}
		if err := registerFn(ctx, tree.Dialect, reg.SourceLabel, tree.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s (%s): %w", tree.Dialect, tree.Path, err)
		}
		registered++
	}
	if registered == 0 {
		return reg, fmt.Errorf("migrations: no tree matches dialects %v", reg.Dialects)
	}
	return reg, nil
}

// RegisterClient registers the tree for dialect on a go-persistence-bun client.
func RegisterClient(ctx context.Context, client *persistence.Client, dialect string, opts ...Option) (Registration, error) {
	if client == nil {
		return Registration{}, fmt.Errorf("migrations: persistence client is required")
	}
	opts = append(opts, WithValidationTargets(dialect))
	return Register(ctx, func(_ context.Context, _ string, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, opts...)
}

func normalizeDialect(dialect string) string {
	dialect = strings.ToLower(strings.TrimSpace(dialect))
	if dialect == "sqlite3" {
		return DialectSQLite
	}
	return dialect
}
