package tableau

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Connection is one embedded database connection of a published datasource.
type Connection struct {
	ID            string `json:"id"`
	Type          string `json:"type,omitempty"`
	ServerAddress string `json:"serverAddress,omitempty"`
	ServerPort    string `json:"serverPort,omitempty"`
	UserName      string `json:"userName,omitempty"`
	EmbedPassword bool   `json:"embedPassword,omitempty"`
}

// ConnectionUpdate is the set of connection attributes that can be patched.
type ConnectionUpdate struct {
	ServerAddress string `json:"serverAddress"`
	ServerPort    string `json:"serverPort"`
	UserName      string `json:"userName"`
	Password      string `json:"password"`
	EmbedPassword bool   `json:"embedPassword"`
}

// ExtractConnections normalizes the connection list responses the server has
// been observed to return:
//
//	{"connections": {"connection": {...} | [...]}}
//	{"connections": [...]}
//	{"connection": {...} | [...]}
func ExtractConnections(data []byte) ([]Connection, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode connections: %w", err)
	}

	if raw, ok := envelope["connections"]; ok {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			return decodeOneOrMany(trimmed)
		}
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, fmt.Errorf("decode connections: %w", err)
		}
		if conn, ok := inner["connection"]; ok {
			return decodeOneOrMany(conn)
		}
		return nil, nil
	}
	if raw, ok := envelope["connection"]; ok {
		return decodeOneOrMany(raw)
	}
	return nil, nil
}

func decodeOneOrMany(raw json.RawMessage) ([]Connection, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '[' {
		var list []Connection
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decode connection list: %w", err)
		}
		return list, nil
	}
	var one Connection
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, fmt.Errorf("decode connection: %w", err)
	}
	return []Connection{one}, nil
}

// GetConnections lists the connections embedded in a published datasource.
func (c *Client) GetConnections(ctx context.Context, datasourceID string) ([]Connection, error) {
	endpoint := c.sitePath("/datasources/%s/connections", url.PathEscape(datasourceID))
	data, _, err := c.withRetry(ctx, endpoint, func() ([]byte, http.Header, error) {
		return c.do(ctx, http.MethodGet, endpoint, nil, "", maxMetadataBytes)
	})
	if err != nil {
		return nil, fmt.Errorf("get connections for datasource %s: %w", datasourceID, err)
	}
	return ExtractConnections(data)
}

// UpdateConnection patches one connection of a published datasource and
// returns the connection as the server reports it afterwards.
func (c *Client) UpdateConnection(ctx context.Context, datasourceID, connectionID string, update ConnectionUpdate) (*Connection, error) {
	endpoint := c.sitePath("/datasources/%s/connections/%s", url.PathEscape(datasourceID), url.PathEscape(connectionID))
	body := map[string]ConnectionUpdate{"connection": update}

	c.logger.Info("updating connection", "datasource", datasourceID, "connection", connectionID,
		"server", update.ServerAddress, "port", update.ServerPort, "user", update.UserName)

	var resp struct {
		Connection Connection `json:"connection"`
	}
	if err := c.sendJSON(ctx, http.MethodPut, endpoint, body, &resp); err != nil {
		return nil, fmt.Errorf("update connection %s on datasource %s: %w", connectionID, datasourceID, err)
	}
	return &resp.Connection, nil
}
