// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in CarePipe.
//
// It provides methods for sending messages and handling WhatsApp events.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/CarePipe/internal/logger"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/carepipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Sender is an interface for sending WhatsApp messages (for production and testing)
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow device store connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR code
	Logger      *logger.Logger
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// WithLogger sets the logger; whatsmeow's own logs are routed through it too.
func WithLogger(l *logger.Logger) Option {
	return func(o *Opts) {
		o.Logger = l
	}
}

// waLogger adapts logger.Logger to whatsmeow's printf-style logger.
type waLogger struct {
	log    *logger.Logger
	module string
}

func newWALogger(l *logger.Logger, module string) waLog.Logger {
	return waLogger{log: l.With("module", module), module: module}
}

func (w waLogger) Debugf(msg string, args ...interface{}) { w.log.Debug(fmt.Sprintf(msg, args...)) }
func (w waLogger) Infof(msg string, args ...interface{})  { w.log.Info(fmt.Sprintf(msg, args...)) }
func (w waLogger) Warnf(msg string, args ...interface{})  { w.log.Warn(fmt.Sprintf(msg, args...)) }
func (w waLogger) Errorf(msg string, args ...interface{}) { w.log.Error(fmt.Sprintf(msg, args...)) }
func (w waLogger) Sub(module string) waLog.Logger {
	return waLogger{log: w.log.With("submodule", module), module: w.module + "/" + module}
}

// Client wraps the Whatsmeow client for modular use
type Client struct {
	waClient *whatsmeow.Client
	log      *logger.Logger
}

// DriverFor returns the database/sql driver name whatsmeow should use for dsn.
func DriverFor(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// NewClient creates a new WhatsApp client, logging in through a QR code when
// the device store holds no session yet.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	log := cfg.Logger

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		log.Debug("whatsapp.NewClient: no database DSN provided, using default", "path", dbDSN)
	}
	dbDriver := DriverFor(dbDSN)
	if dbDriver == "sqlite3" && !strings.Contains(dbDSN, "foreign_keys") {
		log.Warn("whatsapp.NewClient: SQLite device store without foreign keys; whatsmeow recommends '?_foreign_keys=on'",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, dbDriver, dbDSN, newWALogger(log, "Database"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, newWALogger(log, "Client"))
	if waClient.Store.ID == nil {
		log.Info("whatsapp.NewClient: login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(ctx)
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
				continue
			}
			log.Info("whatsapp.NewClient: login event", "event", evt.Event)
		}
	} else if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	log.Info("whatsapp.NewClient: connected")
	return &Client{waClient: waClient, log: log}, nil
}

// JID converts a phone number in any common notation to a user JID.
func JID(phone string) (types.JID, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if len(digits) < 6 {
		return types.JID{}, fmt.Errorf("invalid WhatsApp number %q", phone)
	}
	return types.NewJID(digits, JIDSuffix), nil
}

// SendMessage sends a text message to the given phone number.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return errors.New("whatsapp client not initialized")
	}
	if body == "" {
		return errors.New("message body cannot be empty")
	}
	jid, err := JID(to)
	if err != nil {
		return err
	}
	msg := &waE2E.Message{Conversation: &body}
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	c.log.Debug("Client.SendMessage: sent", "to", to, "body_length", len(body))
	return nil
}

// GetClient returns the underlying whatsmeow client for event handling
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// MockClient records sends without a real connection.
type MockClient struct {
	Sent []string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(_ context.Context, to string, body string) error {
	m.Sent = append(m.Sent, to+": "+body)
	return nil
}
