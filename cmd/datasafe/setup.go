package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/99designs/keyring"
	"github.com/BurntSushi/toml"
	"github.com/google/logger"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/term"

	"github.com/godaddy/datasafe"
	"github.com/godaddy/datasafe/pkg/log"
	"github.com/godaddy/datasafe/pkg/storage"
	dynamostorage "github.com/godaddy/datasafe/plugins/aws-v2/dynamodb/storage"
	"github.com/godaddy/datasafe/plugins/aws-v2/kms"
)

const keyringService = "datasafe"

// fileConfig is the layout of the --config TOML file. Values apply to options not given on the command
// line. Secrets are deliberately absent.
type fileConfig struct {
	Storage          string            `toml:"storage"`
	Root             string            `toml:"root"`
	ConnectionString string            `toml:"mysql_dsn"`
	Table            string            `toml:"dynamodb_table"`
	StorePasswordKMS string            `toml:"store_password_kms"`
	Region           string            `toml:"region"`
	Regions          map[string]string `toml:"kms_regions"`
	User             string            `toml:"user"`
	Keyring          bool              `toml:"keyring"`

	Cache struct {
		ProfileMaxSize     *int           `toml:"profile_max_size"`
		ProfileExpireAfter *time.Duration `toml:"profile_expire_after"`
		KeyStoreMaxSize    *int           `toml:"keystore_max_size"`
	} `toml:"cache"`
}

var cacheOptions []datasafe.ConfigOption

func isSet(longName string) bool {
	o := parser.FindOptionByLongName(longName)
	return o != nil && o.IsSet() && !o.IsSetDefault()
}

func overlay(longName string, dst *string, v string) {
	if v != "" && !isSet(longName) {
		*dst = v
	}
}

// loadConfigFile applies the --config file to every option that was not set explicitly.
func loadConfigFile() error {
	if opts.Config == "" {
		return nil
	}

	var fc fileConfig

	if _, err := toml.DecodeFile(opts.Config, &fc); err != nil {
		return errors.Wrapf(err, "unable to read config %s", opts.Config)
	}

	overlay("storage", &opts.Storage, fc.Storage)
	overlay("root", &opts.Root, fc.Root)
	overlay("conn", &opts.ConnectionString, fc.ConnectionString)
	overlay("table", &opts.Table, fc.Table)
	overlay("store-password-kms", &opts.StorePasswordKMS, fc.StorePasswordKMS)
	overlay("region", &opts.Region, fc.Region)
	overlay("user", &opts.User, fc.User)

	if len(fc.Regions) > 0 && !isSet("map") {
		var tuples []string
		for region, arn := range fc.Regions {
			tuples = append(tuples, region+"="+arn)
		}

		opts.RegionMap = strings.Join(tuples, ",")
	}

	opts.Keyring = opts.Keyring || fc.Keyring

	if fc.Cache.ProfileMaxSize != nil {
		cacheOptions = append(cacheOptions, datasafe.WithProfileCacheMaxSize(*fc.Cache.ProfileMaxSize))
	}

	if fc.Cache.ProfileExpireAfter != nil {
		cacheOptions = append(cacheOptions, datasafe.WithProfileCacheExpireAfter(*fc.Cache.ProfileExpireAfter))
	}

	if fc.Cache.KeyStoreMaxSize != nil {
		cacheOptions = append(cacheOptions, datasafe.WithKeyStoreCacheMaxSize(*fc.Cache.KeyStoreMaxSize))
	}

	return nil
}

type loggerFunc func(format string, v ...interface{})

func (f loggerFunc) Debugf(format string, v ...interface{}) {
	f(format, v...)
}

// setupLogging routes library debug logs to stderr when --verbose is set.
func setupLogging() func() {
	if !opts.Verbose {
		return func() {}
	}

	l := logger.Init("datasafe", true, false, io.Discard)
	log.SetLogger(loggerFunc(l.Infof))

	return l.Close
}

func defaultRoot() (string, error) {
	switch opts.Storage {
	case "fs":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}

		return storage.FileURI(filepath.Join(home, ".datasafe")) + "/", nil
	case "memory":
		return "memory://datasafe/", nil
	default:
		return "", errors.Errorf("--root is required for %s storage", opts.Storage)
	}
}

func newStorage() (datasafe.Storage, error) {
	switch opts.Storage {
	case "memory":
		log.Debugf("using in-memory storage")
		return storage.NewMemory(), nil
	case "fs":
		log.Debugf("using file system storage")
		return storage.NewFileSystem(), nil
	case "mysql":
		if opts.ConnectionString == "" {
			return nil, errors.New("--conn is required for mysql storage")
		}

		log.Debugf("using mysql storage %s", log.Secure(opts.ConnectionString))

		return storage.OpenMySQL(opts.ConnectionString)
	case "dynamodb":
		log.Debugf("using dynamodb storage")
		return dynamostorage.NewDynamoDB(dynamostorage.WithTableName(opts.Table))
	default:
		return nil, errors.Errorf("unknown storage %q", opts.Storage)
	}
}

func regionMap() map[string]string {
	m := make(map[string]string)

	for _, tuple := range strings.Split(opts.RegionMap, ",") {
		region, arn, ok := strings.Cut(tuple, "=")
		if ok {
			m[strings.TrimSpace(region)] = strings.TrimSpace(arn)
		}
	}

	return m
}

func newKMS() (*kms.StorePassword, error) {
	return kms.NewAWS(opts.Region, regionMap())
}

func storePassword(ctx context.Context) (string, error) {
	if opts.StorePasswordKMS == "" {
		if opts.StorePassword == "" {
			return "", errors.New("either --store-password or --store-password-kms is required")
		}

		return opts.StorePassword, nil
	}

	sealed, err := os.ReadFile(opts.StorePasswordKMS)
	if err != nil {
		return "", err
	}

	sp, err := newKMS()
	if err != nil {
		return "", err
	}

	return sp.Open(ctx, sealed)
}

func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open keyring")
	}

	return ring, nil
}

// readPassword resolves the ReadKeyPassword of the current user: --password (or DATASAFE_PASSWORD), then
// the OS keyring, then a terminal prompt.
func readPassword() (string, error) {
	if opts.Password != "" {
		return opts.Password, nil
	}

	if opts.Keyring {
		ring, err := openKeyring()
		if err != nil {
			return "", err
		}

		item, err := ring.Get(opts.User)
		if err == nil {
			return string(item.Data), nil
		}

		if !errors.Is(err, keyring.ErrKeyNotFound) {
			return "", errors.Wrap(err, "failed to read password from keyring")
		}
	}

	return prompt(fmt.Sprintf("Password for %s: ", opts.User))
}

func prompt(msg string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no password given and stdin is not a terminal")
	}

	fmt.Fprint(os.Stderr, msg)

	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", err
	}

	return string(b), nil
}

func rememberPassword(password string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   opts.User,
		Data:  []byte(password),
		Label: "datasafe password for " + opts.User,
	})
	if err != nil {
		return errors.Wrap(err, "failed to store password in keyring")
	}

	return nil
}

func forgetPassword() {
	ring, err := openKeyring()
	if err != nil {
		return
	}

	_ = ring.Remove(opts.User)
}

func userAuth() (datasafe.UserIDAuth, error) {
	if opts.User == "" {
		return datasafe.UserIDAuth{}, errors.New("--user is required")
	}

	password, err := readPassword()
	if err != nil {
		return datasafe.UserIDAuth{}, err
	}

	return datasafe.NewUserIDAuth(opts.User, password), nil
}

// env is what every command runs against.
type env struct {
	ctx       context.Context
	svc       *datasafe.Services
	requestID string
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// run sets up storage and services, then calls fn.
func run(fn func(e *env) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	if err := loadConfigFile(); err != nil {
		return err
	}

	defer setupLogging()()

	e := &env{ctx: ctx, requestID: uuid.NewString()}
	start := time.Now()

	log.Debugf("[%s] storage=%s user=%s", e.requestID, opts.Storage, opts.User)

	root := opts.Root
	if root == "" {
		var err error
		if root, err = defaultRoot(); err != nil {
			return err
		}
	}

	store, err := newStorage()
	if err != nil {
		return err
	}

	password, err := storePassword(ctx)
	if err != nil {
		return err
	}

	configOpts := cacheOptions
	if opts.NoCache {
		configOpts = append(configOpts, datasafe.WithNoCache())
	}

	e.svc = datasafe.NewServices(
		datasafe.NewConfig(root, password, configOpts...),
		store,
		datasafe.WithMetrics(opts.Metrics),
	)
	defer e.svc.Close()

	err = fn(e)

	log.Debugf("[%s] finished in %s", e.requestID, time.Since(start))

	if opts.Metrics {
		PrintMetrics()
	}

	return err
}
