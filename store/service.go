// Package store wraps the CouchDB driver behind the two surfaces the
// pipeline needs: a resumable cursor over a collection in ascending _id
// order, and a bulk writer for in-situ updates or copy-mode inserts.
//
// CouchDB's MVCC model drives the write path: in-situ updates must carry
// the revision observed when the page was read, and a concurrent writer
// surfaces as a per-row conflict that the pipeline resolves through the
// solo-retry path.
package store

import (
	"context"
	"fmt"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // The CouchDB driver
	"github.com/sirupsen/logrus"

	"phimask.evalgo.org/common"
)

// Service encapsulates one CouchDB endpoint and database handle.
type Service struct {
	client *kivik.Client
	db     *kivik.DB
	name   string
}

// NewService connects to the endpoint and opens the named database,
// creating it first when createIfMissing is set (copy-mode destinations).
// Connection and authentication failures are classified so the CLI can map
// them to distinct exit codes.
func NewService(ctx context.Context, uri, dbName string, createIfMissing bool) (*Service, error) {
	client, err := kivik.New("couch", uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return nil, classify(fmt.Errorf("checking database %q: %w", dbName, err))
	}
	if !exists {
		if !createIfMissing {
			return nil, fmt.Errorf("%w: database %q does not exist", ErrConnection, dbName)
		}
		if err := client.CreateDB(ctx, dbName); err != nil {
			return nil, classify(fmt.Errorf("creating database %q: %w", dbName, err))
		}
	}

	common.Logger.WithFields(logrus.Fields{
		"uri": common.RedactURL(uri),
		"db":  dbName,
	}).Debug("connected to document store")

	return &Service{client: client, db: client.DB(dbName), name: dbName}, nil
}

// Name returns the database name.
func (s *Service) Name() string { return s.name }

// Close releases the underlying client.
func (s *Service) Close() error {
	return s.client.Close()
}
