package scriptdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/richardartoul/scriptdesk/pkg/clock"
	"github.com/richardartoul/scriptdesk/pkg/kvstore"
	"github.com/richardartoul/scriptdesk/pkg/loader"
)

// Keys in the persistent store.
const (
	KeyScriptData      = "scriptData"
	KeyScriptVersion   = "scriptVersion"
	KeyLastUpdateCheck = "lastUpdateCheck"
	KeyBackups         = "scriptBackups"
)

// Defaults for Options fields left at their zero value.
const (
	DefaultCheckInterval = 30 * time.Second
	DefaultMaxBackups    = 5
)

// Loader loads a resource. *loader.Loader implements it.
type Loader interface {
	Load(ctx context.Context, url string, typ loader.Type, opts ...loader.LoadOption) (any, error)
}

// Source says where a loaded document came from.
type Source string

const (
	SourcePrimary   Source = "primary"
	SourceBackup    Source = "backup"
	SourcePersisted Source = "persisted"
	SourceLocal     Source = "local"
	SourceBuiltin   Source = "builtin"
)

// Options configure an Updater.
type Options struct {
	// CurrentVersion is the version the binary ships with.
	CurrentVersion string

	PrimaryURL string
	BackupURL  string
	LocalURL   string

	ConfigURL       string
	BackupConfigURL string

	CheckInterval time.Duration
	AutoUpdate    bool
	MaxBackups    int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Backup is a snapshot of the persisted document taken before an update.
type Backup struct {
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
	Data      string `json:"data"`
}

// Updater loads the script document through a fallback chain and applies
// newer remote versions.
type Updater struct {
	loader Loader
	store  *kvstore.Soft
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	doc     *Document
	version string
}

// NewUpdater creates an Updater. A persisted version newer than
// opts.CurrentVersion becomes the current version.
func NewUpdater(l Loader, store *kvstore.Soft, opts Options) *Updater {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = DefaultMaxBackups
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	version := opts.CurrentVersion
	if persisted, ok := store.Get(KeyScriptVersion); ok && IsNewerVersion(persisted, version) {
		version = persisted
	}
	return &Updater{
		loader:  l,
		store:   store,
		opts:    opts,
		logger:  opts.Logger,
		version: version,
	}
}

// Version returns the current document version.
func (u *Updater) Version() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.version
}

// Current returns the last loaded document, or nil before the first Load.
func (u *Updater) Current() *Document {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.doc
}

// Load returns the script document from the first source that works: the
// primary URL, the backup URL, the persisted copy, the local URL. Remote
// documents are persisted. When every source fails the builtin document is
// returned.
func (u *Updater) Load(ctx context.Context) (*Document, Source, error) {
	var errs *multierror.Error

	for _, remote := range []struct {
		url    string
		source Source
	}{
		{u.opts.PrimaryURL, SourcePrimary},
		{u.opts.BackupURL, SourceBackup},
	} {
		if remote.url == "" {
			continue
		}
		doc, err := u.fetch(ctx, remote.url)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", remote.source, err))
			continue
		}
		u.persist(doc)
		u.setCurrent(doc)
		return doc, remote.source, nil
	}

	if raw, ok := u.store.Get(KeyScriptData); ok {
		doc, err := Parse([]byte(raw))
		if err == nil {
			u.setCurrent(doc)
			return doc, SourcePersisted, nil
		}
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", SourcePersisted, err))
	}

	if u.opts.LocalURL != "" {
		doc, err := u.fetch(ctx, u.opts.LocalURL)
		if err == nil {
			u.setCurrent(doc)
			return doc, SourceLocal, nil
		}
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", SourceLocal, err))
	}

	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	u.logger.Warn("failed to load script data, using builtin copy", "error", errs.ErrorOrNil())
	doc := Builtin()
	u.setCurrent(doc)
	return doc, SourceBuiltin, nil
}

func (u *Updater) fetch(ctx context.Context, url string, opts ...loader.LoadOption) (*Document, error) {
	v, err := u.loader.Load(ctx, url, loader.Blob, opts...)
	if err != nil {
		return nil, err
	}
	return Parse(v.([]byte))
}

func (u *Updater) persist(doc *Document) {
	u.store.Set(KeyScriptData, string(doc.Raw))
	u.store.Set(KeyScriptVersion, doc.Version)
}

func (u *Updater) setCurrent(doc *Document) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.doc = doc
	if IsNewerVersion(doc.Version, u.version) {
		u.version = doc.Version
	}
}

// CheckForUpdates fetches the primary document, bypassing the cache, and
// applies it when it is newer and auto-update is on. Checks closer together
// than the check interval return false without touching the network. It
// reports whether an update was applied.
func (u *Updater) CheckForUpdates(ctx context.Context) (bool, error) {
	now := u.opts.Clock.Now()
	if last, ok := u.store.Get(KeyLastUpdateCheck); ok {
		if ms, err := strconv.ParseInt(last, 10, 64); err == nil {
			if now.Sub(time.UnixMilli(ms)) < u.opts.CheckInterval {
				return false, nil
			}
		}
	}

	doc, err := u.fetch(ctx, u.opts.PrimaryURL, loader.WithoutCache())
	if err != nil {
		return false, fmt.Errorf("failed to check for updates: %w", err)
	}
	u.store.Set(KeyLastUpdateCheck, strconv.FormatInt(now.UnixMilli(), 10))

	current := u.Version()
	if !IsNewerVersion(doc.Version, current) {
		return false, nil
	}
	u.logger.Info("script data update available",
		"current", current,
		"remote", doc.Version,
		"auto_update", u.opts.AutoUpdate)
	if !u.opts.AutoUpdate {
		return false, nil
	}
	u.apply(doc)
	return true, nil
}

// apply snapshots the persisted document and installs doc.
func (u *Updater) apply(doc *Document) {
	u.backup()
	u.persist(doc)
	u.setCurrent(doc)
	u.logger.Info("applied script data update", "version", doc.Version)
}

func (u *Updater) backup() {
	data, ok := u.store.Get(KeyScriptData)
	if !ok {
		return
	}
	backups := u.Backups()
	backups = append([]Backup{{
		Timestamp: u.opts.Clock.Now().UnixMilli(),
		Version:   u.Version(),
		Data:      data,
	}}, backups...)
	if len(backups) > u.opts.MaxBackups {
		backups = backups[:u.opts.MaxBackups]
	}
	u.store.SetJSON(KeyBackups, backups)
}

// Backups returns the stored snapshots, newest first.
func (u *Updater) Backups() []Backup {
	var backups []Backup
	if !u.store.GetJSON(KeyBackups, &backups) {
		return nil
	}
	return backups
}

// CheckConfigVersion fetches the remote config, falling back to the backup
// config URL, and reports its version and whether it is newer than the
// current one.
func (u *Updater) CheckConfigVersion(ctx context.Context) (string, bool, error) {
	var errs *multierror.Error
	for _, url := range []string{u.opts.ConfigURL, u.opts.BackupConfigURL} {
		if url == "" {
			continue
		}
		v, err := u.loader.Load(ctx, url, loader.Text, loader.WithoutCache())
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		version, ok := ParseConfigVersion(v.(string))
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("no version in config at %s", url))
			continue
		}
		return version, IsNewerVersion(version, u.Version()), nil
	}
	if err := errs.ErrorOrNil(); err != nil {
		return "", false, fmt.Errorf("failed to check config version: %w", err)
	}
	return "", false, errors.New("failed to check config version: no config URL")
}
