package dbio

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// FSBasedBackend stores each record as one JSON file under
// <root>/<collection>/<id>.json.  The action log for a record is an
// append-only file of one JSON object per line named <id>.lis; archived
// histories are JSON-array files under <root>/history; shoulder sequences
// are single-integer files under <root>/nextnum.  Directory creation is
// lazy and idempotent.  Advisory file locks serialize access across
// processes.
type FSBasedBackend struct {
	root string
}

// NewFSBasedBackend creates a backend rooted at the given directory,
// creating it if needed.
func NewFSBasedBackend(root string) (*FSBasedBackend, error) {
	if root == "" {
		return nil, ConfigError("file backend: no root directory configured")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to establish db root %s: %w", root, err)
	}
	return &FSBasedBackend{root: root}, nil
}

// Root returns the backend's root directory.
func (b *FSBasedBackend) Root() string { return b.root }

func (b *FSBasedBackend) collDir(coll string) (string, error) {
	dir := filepath.Join(b.root, coll)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to establish collection directory %s: %w", dir, err)
	}
	return dir, nil
}

func (b *FSBasedBackend) recFile(coll, id string) (string, error) {
	dir, err := b.collDir(coll)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, id+".json"), nil
}

// withLock runs fn while holding the advisory lock guarding path.
func withLock(path string, fn func() error) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", path, err)
	}
	defer lock.Unlock()
	return fn()
}

func readJSONFile(path string, dest interface{}) (bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return true, nil
}

func writeJSONFile(path string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", path, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Upsert implements Backend as a locked write-replace.
func (b *FSBasedBackend) Upsert(coll, id string, rec map[string]interface{}) (bool, error) {
	path, err := b.recFile(coll, id)
	if err != nil {
		return false, err
	}
	created := false
	err = withLock(path, func() error {
		_, statErr := os.Stat(path)
		created = os.IsNotExist(statErr)
		return writeJSONFile(path, rec)
	})
	return created, err
}

// GetFromColl implements Backend.
func (b *FSBasedBackend) GetFromColl(coll, id string) (map[string]interface{}, error) {
	if _, err := os.Stat(filepath.Join(b.root, coll)); os.IsNotExist(err) {
		return nil, nil
	}
	path := filepath.Join(b.root, coll, id+".json")
	var doc map[string]interface{}
	var found bool
	err := withLock(path, func() error {
		var rerr error
		found, rerr = readJSONFile(path, &doc)
		return rerr
	})
	if err != nil || !found {
		return nil, err
	}
	return doc, nil
}

func (b *FSBasedBackend) iterColl(coll string, includeDeactivated bool,
	visit func(doc map[string]interface{})) error {

	dir := filepath.Join(b.root, coll)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to scan collection %s: %w", coll, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var doc map[string]interface{}
		path := filepath.Join(dir, entry.Name())
		found, err := readJSONFile(path, &doc)
		if err != nil || !found {
			continue
		}
		if !includeDeactivated && docDeactivated(doc) {
			continue
		}
		visit(doc)
	}
	return nil
}

// SelectFromColl implements Backend.
func (b *FSBasedBackend) SelectFromColl(coll string, includeDeactivated bool,
	constraints map[string]interface{}) ([]map[string]interface{}, error) {

	var out []map[string]interface{}
	err := b.iterColl(coll, includeDeactivated, func(doc map[string]interface{}) {
		if docMatches(doc, constraints) {
			out = append(out, doc)
		}
	})
	return out, err
}

// SelectPropContains implements Backend.
func (b *FSBasedBackend) SelectPropContains(coll, prop, target string,
	includeDeactivated bool) ([]map[string]interface{}, error) {

	var out []map[string]interface{}
	err := b.iterColl(coll, includeDeactivated, func(doc map[string]interface{}) {
		list, ok := doc[prop].([]interface{})
		if !ok {
			return
		}
		for _, item := range list {
			if s, ok := item.(string); ok && s == target {
				out = append(out, doc)
				return
			}
		}
	})
	return out, err
}

// AdvSelectFromColl implements Backend.  The file driver has no native
// query engine.
func (b *FSBasedBackend) AdvSelectFromColl(string, map[string]interface{}, bool) ([]map[string]interface{}, error) {
	return nil, ErrQueryNotSupported
}

// DeleteFrom implements Backend.
func (b *FSBasedBackend) DeleteFrom(coll, id string) (bool, error) {
	if _, err := os.Stat(filepath.Join(b.root, coll)); os.IsNotExist(err) {
		return false, nil
	}
	path := filepath.Join(b.root, coll, id+".json")
	deleted := false
	err := withLock(path, func() error {
		rmErr := os.Remove(path)
		if os.IsNotExist(rmErr) {
			return nil
		}
		if rmErr != nil {
			return fmt.Errorf("failed to remove %s: %w", path, rmErr)
		}
		deleted = true
		return nil
	})
	return deleted, err
}

func (b *FSBasedBackend) seqFile(shoulder string) (string, error) {
	dir, err := b.collDir("nextnum")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, shoulder+".json"), nil
}

// NextRecNum implements Backend with a per-sequence file lock.
func (b *FSBasedBackend) NextRecNum(shoulder string) (int, error) {
	path, err := b.seqFile(shoulder)
	if err != nil {
		return 0, err
	}
	next := 0
	err = withLock(path, func() error {
		raw, rerr := os.ReadFile(path)
		if rerr == nil {
			if n, perr := strconv.Atoi(strings.TrimSpace(string(raw))); perr == nil {
				next = n
			}
		} else if !os.IsNotExist(rerr) {
			return fmt.Errorf("failed to read sequence file %s: %w", path, rerr)
		}
		next++
		return os.WriteFile(path, []byte(strconv.Itoa(next)), 0o644)
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// TryPushRecNum implements Backend.
func (b *FSBasedBackend) TryPushRecNum(shoulder string, n int) (bool, error) {
	path, err := b.seqFile(shoulder)
	if err != nil {
		return false, err
	}
	pushed := false
	err = withLock(path, func() error {
		raw, rerr := os.ReadFile(path)
		if rerr != nil {
			if os.IsNotExist(rerr) {
				return nil
			}
			return fmt.Errorf("failed to read sequence file %s: %w", path, rerr)
		}
		cur, perr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if perr != nil || cur != n {
			return nil
		}
		pushed = true
		return os.WriteFile(path, []byte(strconv.Itoa(cur-1)), 0o644)
	})
	return pushed, err
}

func actionSubjectFile(dir, subj string) string {
	return filepath.Join(dir, subj+".lis")
}

func (b *FSBasedBackend) actionDir() (string, error) {
	// action logs for all collections are kept together, keyed by subject id
	return b.collDir("prov_action_log")
}

// SaveActionData implements Backend by appending one JSON line to the
// subject's .lis file.
func (b *FSBasedBackend) SaveActionData(act map[string]interface{}) error {
	subj, _ := act["subject"].(string)
	if subj == "" {
		return InvalidUpdate("action data is missing its subject", "", "")
	}
	dir, err := b.actionDir()
	if err != nil {
		return err
	}
	path := actionSubjectFile(dir, subj)
	raw, err := json.Marshal(act)
	if err != nil {
		return fmt.Errorf("failed to serialize action for %s: %w", subj, err)
	}
	return withLock(path, func() error {
		f, oerr := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if oerr != nil {
			return fmt.Errorf("failed to open action log %s: %w", path, oerr)
		}
		defer f.Close()
		if _, werr := f.Write(append(raw, '\n')); werr != nil {
			return fmt.Errorf("failed to append to action log %s: %w", path, werr)
		}
		return nil
	})
}

// SelectActionsFor implements Backend.
func (b *FSBasedBackend) SelectActionsFor(id string) ([]map[string]interface{}, error) {
	dir, err := b.actionDir()
	if err != nil {
		return nil, err
	}
	path := actionSubjectFile(dir, id)
	var out []map[string]interface{}
	err = withLock(path, func() error {
		f, oerr := os.Open(path)
		if os.IsNotExist(oerr) {
			return nil
		}
		if oerr != nil {
			return fmt.Errorf("failed to open action log %s: %w", path, oerr)
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var doc map[string]interface{}
			if json.Unmarshal([]byte(line), &doc) == nil {
				out = append(out, doc)
			}
		}
		return scanner.Err()
	})
	return out, err
}

// DeleteActionsFor implements Backend.
func (b *FSBasedBackend) DeleteActionsFor(id string) error {
	dir, err := b.actionDir()
	if err != nil {
		return err
	}
	path := actionSubjectFile(dir, id)
	return withLock(path, func() error {
		rmErr := os.Remove(path)
		if rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("failed to remove action log %s: %w", path, rmErr)
		}
		return nil
	})
}

// SaveHistory implements Backend by appending to the record's JSON-array
// history file.
func (b *FSBasedBackend) SaveHistory(histrec map[string]interface{}) error {
	recid, _ := histrec["recid"].(string)
	if recid == "" {
		return InvalidUpdate("history record is missing its recid", "", "")
	}
	dir, err := b.collDir("history")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, recid+".json")
	return withLock(path, func() error {
		var archive []map[string]interface{}
		if _, rerr := readJSONFile(path, &archive); rerr != nil {
			return rerr
		}
		archive = append(archive, histrec)
		return writeJSONFile(path, archive)
	})
}

// Close implements Backend.
func (b *FSBasedBackend) Close() error { return nil }

// FSBasedClientFactory creates DBClients over one file-backed store.
type FSBasedClientFactory struct {
	backend  *FSBasedBackend
	cfg      ClientConfig
	peopsvc  PeopleService
	notifier Notifier
}

// NewFSBasedClientFactory creates a factory storing records under the
// given root directory.
func NewFSBasedClientFactory(root string, cfg ClientConfig, peopsvc PeopleService,
	notifier Notifier) (*FSBasedClientFactory, error) {

	backend, err := NewFSBasedBackend(root)
	if err != nil {
		return nil, err
	}
	return &FSBasedClientFactory{backend: backend, cfg: cfg, peopsvc: peopsvc, notifier: notifier}, nil
}

// CreateClient implements ClientFactory.
func (f *FSBasedClientFactory) CreateClient(projcoll, foruser string) (*DBClient, error) {
	return NewDBClient(f.backend, f.cfg, projcoll, foruser, f.peopsvc, f.notifier), nil
}
