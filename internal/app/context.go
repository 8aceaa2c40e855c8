package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"specgate/internal/config"
	"specgate/internal/db"
	"specgate/internal/gate"
	"specgate/internal/migrate"
	"specgate/internal/repo"
)

// App bundles the opened workspace: database, config, gate with its
// active ruleset, and the resolved project id.
type App struct {
	DB        *sql.DB
	Gate      *gate.Gate
	Config    *config.Config
	ProjectID string
}

// Open prepares a workspace for CLI or server use: migrations, config,
// gate, ruleset and project. Rules are preferred from the database (the
// last loaded source) and fall back to the configured rules file; a
// missing project is created at the workflow's first state.
func Open(ctx context.Context, workspace, projectOverride, actorID string) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	projectID := projectOverride
	if projectID == "" && cfg != nil {
		projectID = cfg.Project.ID
	}
	if projectID == "" {
		projectID = "default"
	}
	if cfg == nil {
		cfg = config.Default(projectID)
	}
	cfg.Project.ID = projectID

	g := gate.New(conn, cfg)
	a := &App{DB: conn, Gate: g, Config: cfg, ProjectID: projectID}
	if err := a.loadRules(ctx, workspace, actorID); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) loadRules(ctx context.Context, workspace, actorID string) error {
	r := repo.Repo{DB: a.DB}
	source, err := r.GetRuleSource(ctx, a.ProjectID)
	fromFile := false
	if errors.Is(err, repo.ErrNotFound) {
		source, err = readRulesFile(workspace, a.Config.Rules.File)
		fromFile = true
	}
	if err != nil {
		return err
	}
	if source == "" {
		return nil
	}
	if _, err := a.Gate.Rules.Load(source); err != nil {
		return err
	}
	if _, _, err := r.GetProject(ctx, a.ProjectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if _, err := a.Gate.InitProject(ctx, a.ProjectID, a.Config.Project.Workflow, actorID); err != nil {
			return fmt.Errorf("init project: %w", err)
		}
	}
	if fromFile {
		if err := r.UpsertRuleSource(ctx, nil, a.ProjectID, source, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("persist rule source: %w", err)
		}
	}
	return nil
}

func readRulesFile(workspace, name string) (string, error) {
	if name == "" {
		name = "specgate.rules"
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// Close releases the workspace database.
func (a *App) Close() error {
	return a.DB.Close()
}
