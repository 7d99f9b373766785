package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/trezcool/unihub/core"
	"github.com/trezcool/unihub/core/portal"
	"github.com/trezcool/unihub/storage/database"
	sqlxrepos "github.com/trezcool/unihub/storage/database/sqlx"
)

const tokenEnv = "UNIHUB_TOKEN"

var (
	// mockable
	readPasswordFunc = term.ReadPassword
	openDBFunc       = database.Open

	errNoToken = errors.New("a session token is required")
)

type commandLine struct {
	conf   *core.Config
	logger core.Logger
	in     io.Reader
	out    io.Writer

	db   *sqlx.DB
	repo portal.Repository
}

func (cli *commandLine) rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "portalctl",
		Short:         cli.conf.AppName + " portal administration",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(*cobra.Command, []string) {
			cli.close()
		},
	}
	cmd.SetOut(cli.out)
	cmd.SetErr(cli.out)
	cmd.SetIn(cli.in)

	cmd.AddCommand(
		cli.migrateCmd(),
		cli.addProfileCmd(),
		cli.addChannelCmd(),
		cli.tokenCmd(),
		cli.watchCmd(),
	)
	return cmd
}

func (cli *commandLine) openDB() (*sqlx.DB, error) {
	if cli.db != nil {
		return cli.db, nil
	}
	db, err := openDBFunc(cli.conf)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	cli.db = db
	return db, nil
}

func (cli *commandLine) repository() (portal.Repository, error) {
	if cli.repo != nil {
		return cli.repo, nil
	}
	db, err := cli.openDB()
	if err != nil {
		return nil, err
	}
	cli.repo = sqlxrepos.NewPortalRepository(db)
	return cli.repo, nil
}

func (cli *commandLine) service() (*portal.Service, error) {
	repo, err := cli.repository()
	if err != nil {
		return nil, err
	}
	// the database triggers publish the changes
	return portal.NewService(repo, nil, cli.logger), nil
}

// readToken returns the flag value, $UNIHUB_TOKEN, or prompts for it.
func (cli *commandLine) readToken(flagValue string) (string, error) {
	if token := strings.TrimSpace(flagValue); token != "" {
		return token, nil
	}
	if token := strings.TrimSpace(os.Getenv(tokenEnv)); token != "" {
		return token, nil
	}
	_, _ = fmt.Fprint(cli.out, "Enter session token:")
	token, err := readPasswordFunc(int(os.Stdin.Fd()))
	_, _ = fmt.Fprintln(cli.out)
	if err != nil {
		return "", errors.Wrap(err, "reading token")
	}
	if len(token) == 0 {
		return "", errNoToken
	}
	return strings.TrimSpace(string(token)), nil
}

func (cli *commandLine) close() {
	if cli.db != nil {
		if err := cli.db.Close(); err != nil && cli.logger != nil {
			cli.logger.Error(fmt.Sprintf("closing database: %v", err), err)
		}
		cli.db = nil
	}
}
