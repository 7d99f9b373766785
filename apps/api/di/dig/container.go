package dig_container

import (
	"fmt"
	"log"
	"os"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	echoapi "github.com/trezcool/unihub/apps/api/echo"
	"github.com/trezcool/unihub/core"
	"github.com/trezcool/unihub/core/portal"
	"github.com/trezcool/unihub/core/realtime"
	logsvc "github.com/trezcool/unihub/services/logger"
	"github.com/trezcool/unihub/storage/database"
	inmemdb "github.com/trezcool/unihub/storage/database/inmem"
	sqlxrepos "github.com/trezcool/unihub/storage/database/sqlx"
	memrealtime "github.com/trezcool/unihub/storage/realtime/memory"
	natsrealtime "github.com/trezcool/unihub/storage/realtime/nats"
	pgrealtime "github.com/trezcool/unihub/storage/realtime/postgres"
)

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

type RealtimeLoggerParam struct {
	dig.In
	Logger core.Logger `name:"realtimeLogger"`
}

func newStdLogger(conf *core.Config, prefix string, flags int) core.Logger {
	stdLogger := log.New(os.Stdout, prefix, flags)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newLogger(conf *core.Config) core.Logger {
	return newStdLogger(conf, "API : ", log.LstdFlags)
}

func newDBLogger(conf *core.Config) core.Logger {
	return newStdLogger(conf, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
}

func newRealtimeLogger(conf *core.Config) core.Logger {
	return newStdLogger(conf, "RT : ", log.LstdFlags|log.Lmicroseconds)
}

// newDB returns nil when the in-memory storage engine is configured.
func newDB(conf *core.Config, loggerParam DBLoggerParam) *sqlx.DB {
	if conf.Database.Engine == core.DriverMemory {
		loggerParam.Logger.Info("using in-memory storage")
		return nil
	}

	setUp := func() (*sqlx.DB, error) {
		if err := database.CreateIfNotExist(conf); err != nil {
			return nil, err
		}

		db, err := database.Open(conf)
		if err != nil {
			return nil, err
		}

		if err = database.Migrate(db); err != nil {
			return nil, err
		}
		return db, nil
	}

	db, err := setUp()
	if err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	return db
}

func newRepository(db *sqlx.DB) portal.Repository {
	if db == nil {
		return inmemdb.NewPortalRepository(inmemdb.Open())
	}
	return sqlxrepos.NewPortalRepository(db)
}

// newRealtime returns the configured driver, and the publisher the portal.Service announces its writes to.
// The postgres driver needs none: the database triggers publish.
func newRealtime(conf *core.Config, db *sqlx.DB, loggerParam RealtimeLoggerParam) (realtime.Backend, realtime.Publisher) {
	logger := loggerParam.Logger
	rc := conf.Realtime

	switch rc.Driver {
	case core.DriverMemory:
		hub := memrealtime.NewHub(rc.DeliveryBuffer)
		return hub, hub
	case core.DriverPostgres:
		if db == nil {
			logger.Fatal("the postgres realtime driver needs the postgres storage engine")
		}
		b, err := pgrealtime.New(database.DSN(conf.Database.Name, false, conf), db, pgrealtime.Options{
			MinReconnect: rc.ListenerMinReconnect,
			MaxReconnect: rc.ListenerMaxReconnect,
			Buffer:       rc.DeliveryBuffer,
			Logger:       logger,
		})
		if err != nil {
			logger.Fatal(fmt.Sprintf("starting postgres listener: %v", err), err)
		}
		return b, nil
	case core.DriverNATS:
		b, err := natsrealtime.New(rc.NATSURL, natsrealtime.Options{
			Name:   conf.AppName,
			Buffer: rc.DeliveryBuffer,
			Logger: logger,
		})
		if err != nil {
			logger.Fatal(fmt.Sprintf("connecting to nats: %v", err), err)
		}
		return b, b
	}
	logger.Fatal(fmt.Sprintf("unknown realtime driver %q", rc.Driver))
	return nil, nil
}

func newValidator(translator ut.Translator) *validator.Validate {
	validate := core.NewValidator(translator)
	portal.InitValidators(validate, translator)
	return validate
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newRealtimeLogger, dig.Name("realtimeLogger")))
	must(c.Provide(newDB))
	must(c.Provide(newRepository))
	must(c.Provide(newRealtime))
	must(c.Provide(core.NewTranslator))
	must(c.Provide(newValidator))
	must(c.Provide(portal.NewService))
	must(c.Provide(echoapi.NewServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
