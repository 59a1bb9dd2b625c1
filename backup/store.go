// Package backup keeps timestamped snapshot files on disk and takes them on
// a cron schedule.
package backup

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/krantius/anki/snapshot"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	prefix     = "backup_"
	timeFormat = "20060102150405"
)

// ErrNoBackups is returned by Latest on an empty store
var ErrNoBackups = errors.New("backup: no backups")

// Store writes one file per snapshot into a directory
type Store struct {
	dir   string
	codec snapshot.Codec
	// keep is how many files survive a save, zero keeps everything
	keep int

	now func() time.Time
	log log.FieldLogger
}

// NewStore creates dir if needed
func NewStore(dir string, codec snapshot.Codec, keep int, logger log.FieldLogger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("backup: directory required")
	}
	if keep < 0 {
		return nil, errors.New("backup: negative keep")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create backup dir %s", dir)
	}

	return &Store{
		dir:   dir,
		codec: codec,
		keep:  keep,
		now:   time.Now,
		log:   logger.WithField("component", "backup"),
	}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Save writes v and returns the file name. The file appears atomically.
func (s *Store) Save(v snapshot.View) (string, error) {
	data, err := s.codec.Encode(&v)
	if err != nil {
		return "", errors.Wrap(err, "encode backup")
	}

	name := prefix + s.now().UTC().Format(timeFormat) + "." + s.codec.Name()
	path := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+name)
	if err != nil {
		return "", errors.Wrap(err, "create backup file")
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.Wrapf(err, "write %s", name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrapf(err, "close %s", name)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrapf(err, "rename %s", name)
	}

	s.log.WithField("file", name).WithField("tasks", len(v.Assignments)).Info("Created backup")

	if s.keep > 0 {
		if err := s.prune(); err != nil {
			s.log.WithError(err).Warn("Failed to prune backups")
		}
	}

	return name, nil
}

// List returns backup file names, oldest first
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read backup dir %s", s.dir)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		names = append(names, e.Name())
	}

	// The timestamp format sorts lexically
	sort.Strings(names)

	return names, nil
}

// Latest loads the newest backup
func (s *Store) Latest() (*snapshot.View, string, error) {
	names, err := s.List()
	if err != nil {
		return nil, "", err
	}
	if len(names) == 0 {
		return nil, "", ErrNoBackups
	}

	name := names[len(names)-1]
	v, err := s.Load(name)
	if err != nil {
		return nil, "", err
	}

	return v, name, nil
}

// Load reads one backup, the codec is picked from the file extension
func (s *Store) Load(name string) (*snapshot.View, error) {
	if name != filepath.Base(name) || !strings.HasPrefix(name, prefix) {
		return nil, errors.Errorf("backup: invalid file name %q", name)
	}

	codec, err := snapshot.GetCodec(strings.TrimPrefix(filepath.Ext(name), "."))
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", name)
	}

	v, err := codec.Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", name)
	}

	s.log.WithField("file", name).WithField("tasks", len(v.Assignments)).Info("Loaded backup")

	return v, nil
}

func (s *Store) prune() error {
	names, err := s.List()
	if err != nil {
		return err
	}

	for len(names) > s.keep {
		if err := os.Remove(filepath.Join(s.dir, names[0])); err != nil {
			return errors.Wrapf(err, "remove %s", names[0])
		}
		s.log.WithField("file", names[0]).Debug("Removed old backup")
		names = names[1:]
	}

	return nil
}
