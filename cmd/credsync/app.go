package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trapline/credsync/internal/control"
	"github.com/trapline/credsync/internal/credentials"
	"github.com/trapline/credsync/internal/infrastructure/config"
	"github.com/trapline/credsync/internal/infrastructure/database"
	"github.com/trapline/credsync/internal/infrastructure/influxdb"
	"github.com/trapline/credsync/internal/infrastructure/logging"
	"github.com/trapline/credsync/internal/infrastructure/mqtt"
	"github.com/trapline/credsync/internal/reconcile"
	"github.com/trapline/credsync/internal/roster"
)

// dbHealthTimeout bounds the startup probe of the fleet database.
const dbHealthTimeout = 5 * time.Second

// app holds the wired-up runtime for one command invocation.
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	db     *database.DB
	creds  credentials.Manager
	engine *reconcile.Engine

	// control is non-nil in dynamic_security mode; closing it tears down
	// the administrative MQTT connection.
	control *control.Client

	// audit is non-nil when the InfluxDB audit trail is enabled.
	audit *influxdb.Client
}

// setup loads configuration and wires every component a reconciliation run
// needs: fleet database, credential backend, optional audit trail, engine.
//
// In dynamic_security mode no broker connection is made here; the control
// client dials lazily on its first command.
//
// Returns:
//   - *app: Wired runtime; callers must defer app.close()
//   - error: On config, database, or audit-trail failures
func setup() (*app, error) {
	// Use default logger until config is loaded
	boot := logging.Default()
	boot.Info("starting credsync", "version", version, "commit", commit)

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(cfg.Logging, version)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening fleet database: %w", err)
	}

	// Fail now rather than mid-run if the roster is unreadable.
	healthCtx, cancel := context.WithTimeout(context.Background(), dbHealthTimeout)
	defer cancel()
	if err := db.HealthCheck(healthCtx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("fleet database unusable: %w", err)
	}
	log.Debug("fleet database opened", "path", db.Path())

	a := &app{cfg: cfg, log: log, db: db}

	if cfg.Auth.Mode == config.AuthModeDynamicSecurity {
		broker := mqtt.New(cfg.MQTT)
		mqttLog := log.With("component", "mqtt")
		broker.SetLogger(mqttLog)
		// A connection lost between commands (during a batch's inter-op
		// delays) is logged here; the next command reconnects lazily.
		broker.SetOnDisconnect(func(err error) {
			mqttLog.Warn("broker connection lost", "error", err)
		})

		a.control = control.NewClient(
			brokerAdapter{broker},
			control.Options{
				CommandTopic:  cfg.Control.CommandTopic,
				ResponseTopic: cfg.Control.ResponseTopic,
				Timeout:       time.Duration(cfg.Control.CommandTimeoutSeconds) * time.Second,
				QoS:           byte(cfg.MQTT.QoS),
			},
			log.With("component", "control"),
		)
	}

	creds, err := credentials.New(cfg.Auth, a.control, log.With("component", "credentials"))
	if err != nil {
		a.close()
		return nil, err
	}
	a.creds = creds

	opts := reconcile.Options{
		SystemAccounts: cfg.Reconcile.SystemAccounts,
		OpDelay:        time.Duration(cfg.Reconcile.OpDelayMillis) * time.Millisecond,
		Output:         os.Stdout,
	}

	if cfg.InfluxDB.Enabled {
		audit, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil && !errors.Is(err, influxdb.ErrDisabled) {
			// The audit trail is best-effort; a run must not fail because
			// the metrics store is down.
			log.Warn("audit trail unavailable, continuing without it", "error", err)
		}
		if audit != nil {
			audit.SetOnError(func(err error) {
				log.Warn("audit write failed", "error", err)
			})
			a.audit = audit
			opts.Audit = audit
		}
	}

	a.engine = reconcile.New(
		roster.NewSQLiteRepository(db.DB),
		creds,
		log.With("component", "reconcile"),
		opts,
	)

	return a, nil
}

// close tears down everything setup wired, in reverse order. Safe on a
// partially-constructed app.
func (a *app) close() {
	if a.creds != nil {
		if err := a.creds.Close(); err != nil {
			a.log.Warn("closing credential backend", "error", err)
		}
	}
	// The backend never owns the transport; close it separately.
	if a.control != nil {
		if err := a.control.Close(); err != nil {
			a.log.Warn("closing control client", "error", err)
		}
	}
	if a.audit != nil {
		a.audit.Flush()
		a.audit.Close() //nolint:errcheck // always returns nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("closing fleet database", "error", err)
		}
	}
}

// signalContext returns a context cancelled on Ctrl+C or SIGTERM, so long
// batch runs stop between per-device operations.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// brokerAdapter narrows *mqtt.Client to the control package's transport
// interface: the control client neither needs nor sees handler errors.
type brokerAdapter struct {
	*mqtt.Client
}

func (a brokerAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.Client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}
