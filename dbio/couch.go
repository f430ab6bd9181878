package dbio

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver
)

// CouchConfig configures the production document-database backend.
type CouchConfig struct {
	URL      string        `mapstructure:"url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DBPrefix string        `mapstructure:"db_prefix"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// CouchBackend stores each DBIO collection in its own CouchDB database
// (named with a configurable prefix).  Upserts are write-replaces on the
// current revision; shoulder sequences are single documents incremented
// with an optimistic conflict-retry loop, which is the MVCC equivalent of
// an atomic find-and-increment.
type CouchBackend struct {
	client  *kivik.Client
	prefix  string
	timeout time.Duration
	dbs     map[string]*kivik.DB
}

// NewCouchBackend connects to CouchDB with the given configuration.
func NewCouchBackend(cfg CouchConfig) (*CouchBackend, error) {
	if cfg.URL == "" {
		return nil, ConfigError("couch backend: no server URL configured")
	}
	connURL := cfg.URL
	if cfg.Username != "" {
		parsed, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse database URL: %w", err)
		}
		parsed.User = url.UserPassword(cfg.Username, cfg.Password)
		connURL = parsed.String()
	}
	client, err := kivik.New("couch", connURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create CouchDB client: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CouchBackend{
		client:  client,
		prefix:  cfg.DBPrefix,
		timeout: timeout,
		dbs:     map[string]*kivik.DB{},
	}, nil
}

func (b *CouchBackend) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.timeout)
}

func (b *CouchBackend) db(coll string) (*kivik.DB, error) {
	if db, ok := b.dbs[coll]; ok {
		return db, nil
	}
	name := b.prefix + coll
	ctx, cancel := b.ctx()
	defer cancel()
	exists, err := b.client.DBExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to check database existence: %w", err)
	}
	if !exists {
		if err := b.client.CreateDB(ctx, name); err != nil && kivik.HTTPStatus(err) != 412 {
			return nil, fmt.Errorf("failed to create database %s: %w", name, err)
		}
	}
	db := b.client.DB(name)
	b.dbs[coll] = db
	return db, nil
}

func stripCouchFields(doc map[string]interface{}) map[string]interface{} {
	delete(doc, "_id")
	delete(doc, "_rev")
	return doc
}

// Upsert implements Backend via a put-with-current-revision; a concurrent
// writer's conflict is retried with the fresh revision.
func (b *CouchBackend) Upsert(coll, id string, rec map[string]interface{}) (bool, error) {
	db, err := b.db(coll)
	if err != nil {
		return false, err
	}
	doc := deepCopyDoc(rec)
	created := false
	for attempt := 0; attempt < 5; attempt++ {
		ctx, cancel := b.ctx()
		row := db.Get(ctx, id)
		var existing map[string]interface{}
		switch {
		case row.Err() == nil:
			if err := row.ScanDoc(&existing); err != nil {
				cancel()
				return false, fmt.Errorf("failed to scan existing document %s: %w", id, err)
			}
			doc["_rev"] = existing["_rev"]
		case kivik.HTTPStatus(row.Err()) == 404:
			created = true
			delete(doc, "_rev")
		default:
			cancel()
			return false, fmt.Errorf("failed to check document %s: %w", id, row.Err())
		}
		_, err = db.Put(ctx, id, doc)
		cancel()
		if err == nil {
			return created, nil
		}
		if kivik.HTTPStatus(err) != 409 {
			return false, fmt.Errorf("failed to store document %s: %w", id, err)
		}
	}
	return false, fmt.Errorf("failed to store document %s: too many revision conflicts", id)
}

// GetFromColl implements Backend.
func (b *CouchBackend) GetFromColl(coll, id string) (map[string]interface{}, error) {
	db, err := b.db(coll)
	if err != nil {
		return nil, err
	}
	ctx, cancel := b.ctx()
	defer cancel()
	row := db.Get(ctx, id)
	if row.Err() != nil {
		if kivik.HTTPStatus(row.Err()) == 404 {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get document %s: %w", id, row.Err())
	}
	var doc map[string]interface{}
	if err := row.ScanDoc(&doc); err != nil {
		return nil, fmt.Errorf("failed to scan document %s: %w", id, err)
	}
	return stripCouchFields(doc), nil
}

// activeSelector wraps a Mango selector so that deactivated records are
// excluded unless requested.
func activeSelector(selector map[string]interface{}, includeDeactivated bool) map[string]interface{} {
	if includeDeactivated {
		return selector
	}
	conds := []interface{}{
		map[string]interface{}{"$or": []interface{}{
			map[string]interface{}{"deactivated": map[string]interface{}{"$exists": false}},
			map[string]interface{}{"deactivated": map[string]interface{}{"$lte": 0}},
		}},
	}
	if len(selector) > 0 {
		conds = append(conds, selector)
	}
	return map[string]interface{}{"$and": conds}
}

// constraintSelector turns top-level equality constraints (with slice
// values becoming $in) into a Mango selector.
func constraintSelector(constraints map[string]interface{}) map[string]interface{} {
	selector := map[string]interface{}{}
	for prop, want := range constraints {
		switch wants := want.(type) {
		case []interface{}:
			selector[prop] = map[string]interface{}{"$in": wants}
		case []string:
			vals := make([]interface{}, len(wants))
			for i, w := range wants {
				vals[i] = w
			}
			selector[prop] = map[string]interface{}{"$in": vals}
		default:
			selector[prop] = want
		}
	}
	return selector
}

func (b *CouchBackend) find(coll string, selector map[string]interface{}) ([]map[string]interface{}, error) {
	db, err := b.db(coll)
	if err != nil {
		return nil, err
	}
	ctx, cancel := b.ctx()
	defer cancel()
	rows := db.Find(ctx, map[string]interface{}{"selector": selector, "limit": 10000})
	defer rows.Close()
	var out []map[string]interface{}
	for rows.Next() {
		var doc map[string]interface{}
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, stripCouchFields(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return out, nil
}

// SelectFromColl implements Backend with an in-query Mango selector.
func (b *CouchBackend) SelectFromColl(coll string, includeDeactivated bool,
	constraints map[string]interface{}) ([]map[string]interface{}, error) {

	return b.find(coll, activeSelector(constraintSelector(constraints), includeDeactivated))
}

// SelectPropContains implements Backend with an $elemMatch selector.
func (b *CouchBackend) SelectPropContains(coll, prop, target string,
	includeDeactivated bool) ([]map[string]interface{}, error) {

	selector := map[string]interface{}{
		prop: map[string]interface{}{"$elemMatch": map[string]interface{}{"$eq": target}},
	}
	return b.find(coll, activeSelector(selector, includeDeactivated))
}

// SelectForPerms implements PermSelector: permission filtering happens
// in-query with an $in against the caller's principal set, so only the
// caller's records cross the wire.
func (b *CouchBackend) SelectForPerms(coll string, perms, idents []string,
	includeDeactivated bool) ([]map[string]interface{}, error) {

	principals := make([]interface{}, len(idents))
	for i, id := range idents {
		principals[i] = id
	}
	var alts []interface{}
	for _, perm := range perms {
		alts = append(alts, map[string]interface{}{
			"acls." + perm: map[string]interface{}{"$elemMatch": map[string]interface{}{"$in": principals}},
		})
	}
	return b.find(coll, activeSelector(map[string]interface{}{"$or": alts}, includeDeactivated))
}

// AdvSelectFromColl implements Backend; the validated filter grammar is
// already Mango-shaped.
func (b *CouchBackend) AdvSelectFromColl(coll string, filter map[string]interface{},
	includeDeactivated bool) ([]map[string]interface{}, error) {

	return b.find(coll, activeSelector(filter, includeDeactivated))
}

// DeleteFrom implements Backend.
func (b *CouchBackend) DeleteFrom(coll, id string) (bool, error) {
	db, err := b.db(coll)
	if err != nil {
		return false, err
	}
	ctx, cancel := b.ctx()
	defer cancel()
	row := db.Get(ctx, id)
	if row.Err() != nil {
		if kivik.HTTPStatus(row.Err()) == 404 {
			return false, nil
		}
		return false, fmt.Errorf("failed to check document %s: %w", id, row.Err())
	}
	rev, err := row.Rev()
	if err != nil {
		return false, fmt.Errorf("failed to read revision of %s: %w", id, err)
	}
	if _, err := db.Delete(ctx, id, rev); err != nil {
		return false, fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return true, nil
}

const nextnumPrefix = "nextnum:"

type nextnumDoc struct {
	ID   string `json:"_id"`
	Rev  string `json:"_rev,omitempty"`
	Slot string `json:"slot"`
	Next int    `json:"next"`
}

// NextRecNum implements Backend by incrementing the shoulder's sequence
// document, retrying on revision conflicts so that concurrent minters get
// distinct numbers.
func (b *CouchBackend) NextRecNum(shoulder string) (int, error) {
	db, err := b.db("nextnum")
	if err != nil {
		return 0, err
	}
	docid := nextnumPrefix + shoulder
	for attempt := 0; attempt < 10; attempt++ {
		ctx, cancel := b.ctx()
		doc := nextnumDoc{ID: docid, Slot: shoulder}
		row := db.Get(ctx, docid)
		if row.Err() == nil {
			if err := row.ScanDoc(&doc); err != nil {
				cancel()
				return 0, fmt.Errorf("failed to scan sequence document %s: %w", docid, err)
			}
		} else if kivik.HTTPStatus(row.Err()) != 404 {
			cancel()
			return 0, fmt.Errorf("failed to read sequence for %s: %w", shoulder, row.Err())
		}
		doc.Next++
		_, err := db.Put(ctx, docid, doc)
		cancel()
		if err == nil {
			return doc.Next, nil
		}
		if kivik.HTTPStatus(err) != 409 {
			return 0, fmt.Errorf("failed to advance sequence for %s: %w", shoulder, err)
		}
	}
	return 0, fmt.Errorf("failed to advance sequence for %s: too many conflicts", shoulder)
}

// TryPushRecNum implements Backend: the number is returned to the sequence
// only while it is still the top.
func (b *CouchBackend) TryPushRecNum(shoulder string, n int) (bool, error) {
	db, err := b.db("nextnum")
	if err != nil {
		return false, err
	}
	docid := nextnumPrefix + shoulder
	for attempt := 0; attempt < 10; attempt++ {
		ctx, cancel := b.ctx()
		var doc nextnumDoc
		row := db.Get(ctx, docid)
		if row.Err() != nil {
			cancel()
			if kivik.HTTPStatus(row.Err()) == 404 {
				return false, nil
			}
			return false, fmt.Errorf("failed to read sequence for %s: %w", shoulder, row.Err())
		}
		if err := row.ScanDoc(&doc); err != nil {
			cancel()
			return false, fmt.Errorf("failed to scan sequence document %s: %w", docid, err)
		}
		if doc.Next != n {
			cancel()
			return false, nil
		}
		doc.Next--
		_, err := db.Put(ctx, docid, doc)
		cancel()
		if err == nil {
			return true, nil
		}
		if kivik.HTTPStatus(err) != 409 {
			return false, fmt.Errorf("failed to push back sequence for %s: %w", shoulder, err)
		}
	}
	return false, nil
}

// SaveActionData implements Backend.
func (b *CouchBackend) SaveActionData(act map[string]interface{}) error {
	subj, _ := act["subject"].(string)
	if subj == "" {
		return InvalidUpdate("action data is missing its subject", "", "")
	}
	db, err := b.db(ProvActionLog)
	if err != nil {
		return err
	}
	ctx, cancel := b.ctx()
	defer cancel()
	if _, _, err := db.CreateDoc(ctx, act); err != nil {
		return fmt.Errorf("failed to log action for %s: %w", subj, err)
	}
	return nil
}

// SelectActionsFor implements Backend, ordering by recorded timestamp.
func (b *CouchBackend) SelectActionsFor(id string) ([]map[string]interface{}, error) {
	out, err := b.find(ProvActionLog, map[string]interface{}{"subject": id})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, _ := out[i]["timestamp"].(float64)
		tj, _ := out[j]["timestamp"].(float64)
		return ti < tj
	})
	return out, nil
}

// DeleteActionsFor implements Backend.
func (b *CouchBackend) DeleteActionsFor(id string) error {
	db, err := b.db(ProvActionLog)
	if err != nil {
		return err
	}
	ctx, cancel := b.ctx()
	defer cancel()
	rows := db.Find(ctx, map[string]interface{}{
		"selector": map[string]interface{}{"subject": id},
		"fields":   []string{"_id", "_rev"},
		"limit":    10000,
	})
	defer rows.Close()
	for rows.Next() {
		var doc struct {
			ID  string `json:"_id"`
			Rev string `json:"_rev"`
		}
		if err := rows.ScanDoc(&doc); err != nil {
			return fmt.Errorf("failed to scan logged action: %w", err)
		}
		if _, err := db.Delete(ctx, doc.ID, doc.Rev); err != nil && kivik.HTTPStatus(err) != 404 {
			return fmt.Errorf("failed to purge logged action %s: %w", doc.ID, err)
		}
	}
	return rows.Err()
}

// SaveHistory implements Backend.
func (b *CouchBackend) SaveHistory(histrec map[string]interface{}) error {
	db, err := b.db(HistoryColl)
	if err != nil {
		return err
	}
	ctx, cancel := b.ctx()
	defer cancel()
	if _, _, err := db.CreateDoc(ctx, histrec); err != nil {
		return fmt.Errorf("failed to archive history: %w", err)
	}
	return nil
}

// Close implements Backend.
func (b *CouchBackend) Close() error { return b.client.Close() }

// CouchClientFactory creates DBClients over one CouchDB connection.
type CouchClientFactory struct {
	backend  *CouchBackend
	cfg      ClientConfig
	peopsvc  PeopleService
	notifier Notifier
}

// NewCouchClientFactory connects to CouchDB and returns a factory.
func NewCouchClientFactory(couch CouchConfig, cfg ClientConfig, peopsvc PeopleService,
	notifier Notifier) (*CouchClientFactory, error) {

	backend, err := NewCouchBackend(couch)
	if err != nil {
		return nil, err
	}
	return &CouchClientFactory{backend: backend, cfg: cfg, peopsvc: peopsvc, notifier: notifier}, nil
}

// CreateClient implements ClientFactory.
func (f *CouchClientFactory) CreateClient(projcoll, foruser string) (*DBClient, error) {
	return NewDBClient(f.backend, f.cfg, projcoll, foruser, f.peopsvc, f.notifier), nil
}
