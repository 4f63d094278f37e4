package cmd

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskboard/config"
	"taskboard/domain"
	"taskboard/events"
	"taskboard/storage"
)

var (
	seedOwner    string
	seedProjects []string
)

var initStorageCmd = &cobra.Command{
	Use:   "init-storage",
	Short: "Create the schema, tables and queues the service needs",
	Long: `init-storage migrates the SQL schema or creates the Azure tables and the
events queue. Optionally it seeds an owner membership and projects:

  taskboard init-storage --owner org-1:auth0|abc --project org-1:web:Website`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		return initStorage(cmd.Context(), cfg)
	},
}

func init() {
	initStorageCmd.Flags().StringVar(&seedOwner, "owner", "", "grant owner role as org:user")
	initStorageCmd.Flags().StringSliceVar(&seedProjects, "project", nil, "create project as org:id:name (repeatable)")
	rootCmd.AddCommand(initStorageCmd)
}

// seeder is implemented by every backend.
type seeder interface {
	SaveProject(ctx context.Context, p domain.Project) error
	SaveMember(ctx context.Context, orgID, userID string, role domain.Role) error
}

func initStorage(ctx context.Context, cfg config.Config) error {
	log.Info("storage init starting")

	var target seeder
	switch cfg.StorageBackend {
	case config.BackendTables:
		names := tableNames(cfg)
		if err := storage.CreateTables(ctx, cfg.StorageConnectionString, []string{names.Tasks, names.Projects, names.Members}); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
		st, err := storage.NewTableStore(cfg.StorageConnectionString, names)
		if err != nil {
			return err
		}
		target = st
	default:
		st, err := storage.OpenSQL(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		target = st
	}

	if cfg.EventsQueue != "" {
		if err := events.CreateQueues(ctx, cfg.StorageConnectionString, []string{cfg.EventsQueue}); err != nil {
			return fmt.Errorf("create queues: %w", err)
		}
	}

	if err := seed(ctx, target, seedOwner, seedProjects); err != nil {
		return err
	}
	log.Info("storage init complete")
	return nil
}

func seed(ctx context.Context, target seeder, owner string, projects []string) error {
	if owner != "" {
		org, user, ok := strings.Cut(owner, ":")
		if !ok || org == "" || user == "" {
			return fmt.Errorf("invalid --owner %q, want org:user", owner)
		}
		if err := target.SaveMember(ctx, org, user, domain.RoleOwner); err != nil {
			return fmt.Errorf("save member: %w", err)
		}
		log.WithFields(log.Fields{"org": org, "user": user}).Info("owner granted")
	}
	for _, raw := range projects {
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("invalid --project %q, want org:id:name", raw)
		}
		p := domain.Project{OrganizationID: parts[0], ID: parts[1], Name: parts[2]}
		if err := target.SaveProject(ctx, p); err != nil {
			return fmt.Errorf("save project: %w", err)
		}
		log.WithFields(log.Fields{"org": p.OrganizationID, "project": p.ID}).Info("project saved")
	}
	return nil
}
