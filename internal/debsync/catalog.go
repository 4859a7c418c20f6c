package debsync

import (
	"context"
	"log/slog"
	"net/rpc"

	"github.com/cockroachdb/errors"
	"github.com/kolo/xmlrpc"
)

// CatalogClient talks to the Spacewalk/Satellite XML-RPC API.
type CatalogClient struct {
	endpoint string
	client   *xmlrpc.Client
}

// catalogPackage is the part of a channel package listing we use.
type catalogPackage struct {
	Name     string `xmlrpc:"name"`
	Checksum string `xmlrpc:"checksum"`
}

// NewCatalogClient connects to the API of the server at satelliteURL.
func NewCatalogClient(satelliteURL string, tlsConfig *TLSConfig) (*CatalogClient, error) {
	httpClient, err := clonedTransport(tlsConfig)
	if err != nil {
		return nil, err
	}
	endpoint := satelliteURL + "/rpc/api"
	client, err := xmlrpc.NewClient(endpoint, httpClient.Transport)
	if err != nil {
		return nil, errors.Wrapf(err, "xmlrpc client for %s", endpoint)
	}
	return &CatalogClient{endpoint: endpoint, client: client}, nil
}

// Close releases the underlying connection.
func (c *CatalogClient) Close() error {
	return c.client.Close()
}

func (c *CatalogClient) call(ctx context.Context, method string, args []interface{}, reply interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slog.Debug("catalog call", "endpoint", c.endpoint, "method", method)
	return c.client.Call(method, args, reply)
}

// Login returns a session key for the user.
func (c *CatalogClient) Login(ctx context.Context, username, password string) (string, error) {
	var key string
	if err := c.call(ctx, "auth.login", []interface{}{username, password}, &key); err != nil {
		// faults returned by the server surface as rpc.ServerError
		var fault rpc.ServerError
		if errors.As(err, &fault) {
			return "", errors.Mark(errors.Wrapf(err, "auth.login as %s", username), ErrAuth)
		}
		return "", errors.Mark(errors.Wrap(err, "auth.login"), ErrCatalog)
	}
	return key, nil
}

// ListChecksums returns the checksum of every package in a channel.
func (c *CatalogClient) ListChecksums(ctx context.Context, key, channel string) ([]string, error) {
	var pkgs []catalogPackage
	if err := c.call(ctx, "channel.software.listAllPackages", []interface{}{key, channel}, &pkgs); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "channel.software.listAllPackages %s", channel), ErrCatalog)
	}
	checksums := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		checksums = append(checksums, p.Checksum)
	}
	return checksums, nil
}

// Logout ends the session.
func (c *CatalogClient) Logout(ctx context.Context, key string) error {
	var result int
	if err := c.call(ctx, "auth.logout", []interface{}{key}, &result); err != nil {
		return errors.Mark(errors.Wrap(err, "auth.logout"), ErrCatalog)
	}
	return nil
}
