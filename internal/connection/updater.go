// Package connection repoints the embedded database connection of a
// published datasource at the target environment's database.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/BadgerOps/bimigrate/internal/tableau"
)

// Credentials are the target database settings for one datasource.
type Credentials struct {
	DBType   string `json:"db_type,omitempty" yaml:"db_type,omitempty"`
	Host     string `json:"host" yaml:"host"`
	Port     string `json:"port" yaml:"port"`
	DBName   string `json:"dbname,omitempty" yaml:"dbname,omitempty"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// Validate checks that the connection can be addressed.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.NotValidf("database host")
	}
	if c.Port != "" {
		n, err := strconv.Atoi(c.Port)
		if err != nil || n <= 0 || n > 65535 {
			return errors.NotValidf("database port %q", c.Port)
		}
	}
	return nil
}

// String hides the password.
func (c Credentials) String() string {
	return fmt.Sprintf("%s@%s:%s/%s", c.Username, c.Host, c.Port, c.DBName)
}

// Client is the subset of the content transport the updater needs.
type Client interface {
	GetConnections(ctx context.Context, datasourceID string) ([]tableau.Connection, error)
	UpdateConnection(ctx context.Context, datasourceID, connectionID string, update tableau.ConnectionUpdate) (*tableau.Connection, error)
}

// Updater patches datasource connections.
type Updater struct {
	client Client
	logger *slog.Logger

	// EmbedPassword stores the password with the published datasource.
	EmbedPassword bool
}

// NewUpdater creates an updater that embeds passwords.
func NewUpdater(client Client, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{client: client, logger: logger, EmbedPassword: true}
}

// UpdateConnection points a datasource connection at creds. When
// connectionID is empty the first connection the server lists is used;
// any further connections are left alone.
func (u *Updater) UpdateConnection(ctx context.Context, datasourceID string, creds Credentials, connectionID string) (*tableau.Connection, error) {
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("credentials for datasource %s: %w", datasourceID, err)
	}

	if connectionID == "" {
		conns, err := u.client.GetConnections(ctx, datasourceID)
		if err != nil {
			return nil, err
		}
		if len(conns) == 0 {
			return nil, errors.NotFoundf("connections for datasource %s", datasourceID)
		}
		if len(conns) > 1 {
			u.logger.Warn("datasource has several connections, only the first is updated",
				"datasource", datasourceID, "connections", len(conns), "updated", conns[0].ID)
		}
		connectionID = conns[0].ID
	}

	updated, err := u.client.UpdateConnection(ctx, datasourceID, connectionID, tableau.ConnectionUpdate{
		ServerAddress: creds.Host,
		ServerPort:    creds.Port,
		UserName:      creds.Username,
		Password:      creds.Password,
		EmbedPassword: u.EmbedPassword,
	})
	if err != nil {
		return nil, err
	}

	u.logger.Info("connection updated", "datasource", datasourceID, "connection", connectionID,
		"server", creds.Host, "port", creds.Port)
	return updated, nil
}
