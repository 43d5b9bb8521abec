package targets

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq" // PostgreSQL

	"github.com/systmms/asr/internal/logging"
	"github.com/systmms/asr/pkg/backend"
)

// Supported SQL drivers
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

const (
	defaultPostgresPort = 5432
	defaultMySQLPort    = 3306
	defaultSSLMode      = "prefer"
	defaultMySQLHost    = "%"
	defaultConnTimeout  = 30 * time.Second
)

// SQLConfig describes a database whose user passwords follow rotated
// secrets. Username and Password are the admin credentials used to run
// ALTER USER.
type SQLConfig struct {
	Driver   string `yaml:"driver,omitempty"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`

	// PasswordPath names a secret in the backend holding the admin
	// password. It takes precedence over Password.
	PasswordPath string `yaml:"password_path,omitempty"`
	Password     string `yaml:"password,omitempty"`

	// SSLMode is one of disable, allow, prefer, require, verify-ca or
	// verify-full.
	SSLMode string `yaml:"ssl_mode,omitempty"`

	// UserHost is the host part of MySQL accounts ('user'@'host').
	UserHost string `yaml:"user_host,omitempty"`
}

func (c SQLConfig) withDefaults() SQLConfig {
	if c.Driver == "" {
		c.Driver = DriverPostgres
	}
	if c.Driver == "postgresql" {
		c.Driver = DriverPostgres
	}
	if c.Driver == "mariadb" {
		c.Driver = DriverMySQL
	}
	if c.Port == 0 {
		if c.Driver == DriverMySQL {
			c.Port = defaultMySQLPort
		} else {
			c.Port = defaultPostgresPort
		}
	}
	if c.Database == "" && c.Driver == DriverPostgres {
		c.Database = "postgres"
	}
	if c.SSLMode == "" {
		c.SSLMode = defaultSSLMode
	}
	if c.UserHost == "" {
		c.UserHost = defaultMySQLHost
	}
	return c
}

// Validate checks the fields needed to reach the database
func (c SQLConfig) Validate() error {
	c = c.withDefaults()
	if c.Driver != DriverPostgres && c.Driver != DriverMySQL {
		return backend.MarkConfig(fmt.Errorf("unsupported database driver: %s", c.Driver))
	}
	if c.Host == "" {
		return backend.MarkConfig(errors.New("database host is required"))
	}
	if c.Username == "" {
		return backend.MarkConfig(errors.New("database admin username is required"))
	}
	return nil
}

// OpenFunc opens a database handle. It matches sql.Open.
type OpenFunc func(driverName, dsn string) (*sql.DB, error)

// SQLTarget updates user passwords on PostgreSQL or MySQL through an admin
// connection
type SQLTarget struct {
	cfg    SQLConfig
	admin  *sql.DB
	open   OpenFunc
	logger *logging.Logger
}

// SQLOption configures a SQLTarget
type SQLOption func(*SQLTarget)

// WithOpener replaces sql.Open, mainly for tests
func WithOpener(open OpenFunc) SQLOption {
	return func(t *SQLTarget) { t.open = open }
}

// NewSQLTarget connects to the database as the admin user and checks the
// connection
func NewSQLTarget(ctx context.Context, cfg SQLConfig, adminPassword string, logger *logging.Logger, opts ...SQLOption) (*SQLTarget, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	t := &SQLTarget{cfg: cfg.withDefaults(), open: sql.Open, logger: logger}
	for _, opt := range opts {
		opt(t)
	}

	t.logger.Info("Connecting to %s at %s:%d", t.cfg.Driver, t.cfg.Host, t.cfg.Port)
	db, err := t.connect(ctx, t.cfg.Username, adminPassword, t.cfg.Database)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s as %s", t.cfg.Driver, t.cfg.Username)
	}
	t.admin = db
	t.logger.Debug("Connected to %s", t.cfg.Driver)
	return t, nil
}

// Type returns the driver name
func (t *SQLTarget) Type() string {
	return t.cfg.Driver
}

// Close releases the admin connection
func (t *SQLTarget) Close() error {
	if t.admin == nil {
		return nil
	}
	return t.admin.Close()
}

// UpdatePassword runs ALTER USER for username
func (t *SQLTarget) UpdatePassword(ctx context.Context, username, password string) error {
	if username == "" {
		return backend.MarkConfig(errors.New("target username is required"))
	}
	t.logger.Info("Updating password for %s user: %s", t.cfg.Driver, username)

	stmt := t.alterUserStatement(username, password)
	t.logger.Debug("Executing: %s", t.alterUserStatement(username, "***"))

	if _, err := t.admin.ExecContext(ctx, stmt); err != nil {
		return redactedError(err, password, "failed to update %s password", t.cfg.Driver)
	}
	return nil
}

// VerifyConnection opens a fresh connection as username and runs SELECT 1
func (t *SQLTarget) VerifyConnection(ctx context.Context, username, password string) error {
	t.logger.Info("Verifying connection for user: %s", username)

	db, err := t.connect(ctx, username, password, t.cfg.Database)
	if err != nil {
		return errors.Wrap(err, "failed to verify new password: connection failed")
	}
	defer func() { _ = db.Close() }()

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return redactedError(err, password, "failed to verify new password: query failed")
	}
	t.logger.Debug("Verified new password for user: %s", username)
	return nil
}

func (t *SQLTarget) connect(ctx context.Context, username, password, database string) (*sql.DB, error) {
	db, err := t.open(t.cfg.Driver, t.dsn(username, password, database))
	if err != nil {
		return nil, redactedError(err, password, "open %s connection", t.cfg.Driver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, redactedError(err, password, "ping %s", t.cfg.Driver)
	}
	return db, nil
}

func (t *SQLTarget) dsn(username, password, database string) string {
	if t.cfg.Driver == DriverMySQL {
		return mysqlDSN(t.cfg, username, password, database)
	}
	return postgresConnString(t.cfg, username, password, database)
}

func (t *SQLTarget) alterUserStatement(username, password string) string {
	if t.cfg.Driver == DriverMySQL {
		return fmt.Sprintf("ALTER USER %s@%s IDENTIFIED BY %s",
			mysqlQuote(username), mysqlQuote(t.cfg.UserHost), mysqlQuote(password))
	}
	return fmt.Sprintf("ALTER USER %s WITH PASSWORD %s",
		quoteIdentifier(username), quoteLiteral(password))
}

// quoteIdentifier quotes a PostgreSQL identifier, preserving case
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func mysqlQuote(value string) string {
	r := strings.NewReplacer(`\`, `\\`, "'", "''")
	return "'" + r.Replace(value) + "'"
}

// postgresConnString builds a key=value connection string for lib/pq
func postgresConnString(cfg SQLConfig, username, password, database string) string {
	parts := []string{
		"host=" + connValue(cfg.Host),
		"port=" + strconv.Itoa(cfg.Port),
		"user=" + connValue(username),
	}
	if password != "" {
		parts = append(parts, "password="+connValue(password))
	}
	if database != "" {
		parts = append(parts, "dbname="+connValue(database))
	}
	parts = append(parts, "sslmode="+connValue(cfg.SSLMode))
	return strings.Join(parts, " ")
}

func connValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, "'", `\'`)
	return "'" + r.Replace(v) + "'"
}

// mysqlDSN builds a go-sql-driver DSN, mapping the PostgreSQL style
// sslmode onto the driver's tls parameter
func mysqlDSN(cfg SQLConfig, username, password, database string) string {
	mc := mysql.NewConfig()
	mc.User = username
	mc.Passwd = password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = database
	mc.ParseTime = true
	switch cfg.SSLMode {
	case "disable":
		mc.TLSConfig = "false"
	case "require", "verify-ca":
		mc.TLSConfig = "skip-verify"
	case "verify-full":
		mc.TLSConfig = "true"
	default:
		mc.TLSConfig = "preferred"
	}
	return mc.FormatDSN()
}

// redactedError rebuilds a driver error with the password scrubbed from
// its text. Broken connections are marked as connection failures.
func redactedError(err error, password, format string, args ...interface{}) error {
	msg := logging.Redact(err.Error(), []string{password})
	out := errors.Newf("%s: %s", fmt.Sprintf(format, args...), msg)
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return backend.MarkConnection(out)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return backend.MarkConnection(out)
	}
	return out
}
