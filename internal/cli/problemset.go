package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"quizroom-service/internal/config"
	"quizroom-service/internal/domain"
	pgstore "quizroom-service/internal/infra/postgres"
)

// NewProblemSetCmd loads problem sets from a YAML file into the problem bank.
func NewProblemSetCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "problemset",
		Short: "Load problem sets from a YAML file into Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			return loadProblemSets(cmd.Context(), *configPath, file)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with a list of problem sets")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

type problemSetFile struct {
	Sets []domain.ProblemSet `yaml:"sets"`
}

// ReadProblemSets parses and validates a problem set file.
func ReadProblemSets(path string) ([]domain.ProblemSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f problemSetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, set := range f.Sets {
		if set.ID == "" {
			return nil, fmt.Errorf("%w: problem set without id", domain.ErrInvalidProblem)
		}
		for i, p := range set.Problems {
			if err := p.Validate(); err != nil {
				return nil, fmt.Errorf("set %q problem %d: %w", set.ID, i, err)
			}
		}
	}
	return f.Sets, nil
}

func loadProblemSets(ctx context.Context, configPath, file string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
		return err
	}
	sets, err := ReadProblemSets(file)
	if err != nil {
		return err
	}

	pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := pgstore.NewProblemSetLoader(pool)
	for _, set := range sets {
		if err := store.SaveProblemSet(ctx, set); err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{"set": set.ID, "problems": len(set.Problems)}).Info("problem set saved")
	}
	return nil
}
