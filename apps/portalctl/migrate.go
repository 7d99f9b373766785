package main

import (
	"github.com/spf13/cobra"

	"github.com/trezcool/unihub/storage/database"
)

var migrateFunc = database.Migrate // mockable

func (cli *commandLine) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate COMMAND [ARGS...]",
		Short: "Run a goose command (up, up-by-one, up-to, down, down-to, redo, reset, status, version) against the embedded migrations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cli.db == nil {
				if err := database.CreateIfNotExist(cli.conf); err != nil {
					return err
				}
			}
			db, err := cli.openDB()
			if err != nil {
				return err
			}
			return migrateFunc(db, args...)
		},
	}
}
