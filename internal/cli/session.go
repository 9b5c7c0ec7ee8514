package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/calvinalkan/slotdb/internal/config"
	"github.com/calvinalkan/slotdb/pkg/cipher"
	"github.com/calvinalkan/slotdb/pkg/slotstore"

	flag "github.com/spf13/pflag"
)

var errRecordNotFound = errors.New("record not found")

// session lazily opens the configured data file and shares the handle
// between the commands of one invocation (or one REPL).
type session struct {
	cfg    *config.Config
	env    map[string]string
	in     io.Reader
	logOut io.Writer

	registry *slotstore.Registry
	store    *slotstore.Store[slotstore.Doc]
}

func newSession(cfg *config.Config, env map[string]string, logOut io.Writer) *session {
	return &session{
		cfg:      cfg,
		env:      env,
		logOut:   logOut,
		registry: slotstore.NewRegistry(),
	}
}

// key returns the cipher key named by key_env, or "" when encryption is
// off or the variable is unset.
func (s *session) key() string {
	if s.cfg.KeyEnv == "" {
		return ""
	}

	return s.env[s.cfg.KeyEnv]
}

// options builds store options from the configuration.
func (s *session) options() slotstore.Options[slotstore.Doc] {
	opts := slotstore.Options[slotstore.Doc]{
		Registry:           s.registry,
		Logger:             s.logger(),
		SlotSize:           s.cfg.SlotSize,
		MaxSlotSize:        s.cfg.MaxSlotSize,
		LockTimeout:        s.cfg.LockTimeoutDur,
		ProcessLock:        s.cfg.ProcessLockOn,
		MigratePlaintext:   s.cfg.MigratePlaintext,
		DisableAutoCompact: !s.cfg.AutoCompactOn,
		KeyFunc:            s.keyFunc(),
	}

	if s.cfg.Codec == config.CodecStdJSON {
		opts.Codec = slotstore.StdJSON{}
	}

	if key := s.key(); key != "" {
		opts.Cipher = cipher.New()
		opts.Key = key
	}

	return opts
}

func (s *session) logger() *slotstore.Logger {
	if s.cfg.LogFormat == "json" {
		return slotstore.NewJSONLogger(s.logOut, s.cfg.SlogLevel)
	}

	return slotstore.NewTextLogger(s.logOut, s.cfg.SlogLevel)
}

func (s *session) keyFunc() slotstore.KeyFunc {
	if len(s.cfg.Index) == 0 {
		return nil
	}

	fns := make([]slotstore.KeyFunc, 0, len(s.cfg.Index))
	for _, field := range s.cfg.Index {
		fns = append(fns, slotstore.FieldKey(config.IndexPrefix(field), field))
	}

	return slotstore.CombineKeys(fns...)
}

// open returns the shared store, opening and initializing it on first use.
func (s *session) open(ctx context.Context) (*slotstore.Store[slotstore.Doc], error) {
	if s.store != nil {
		return s.store, nil
	}

	store, err := s.openWith(ctx, s.options())
	if err != nil {
		return nil, err
	}

	s.store = store

	return store, nil
}

// openWith opens a separate handle with opts. The caller closes it.
func (s *session) openWith(ctx context.Context, opts slotstore.Options[slotstore.Doc]) (*slotstore.Store[slotstore.Doc], error) {
	store, err := slotstore.Open(s.cfg.PathAbs, opts)
	if err != nil {
		return nil, err
	}

	if err := store.Initialize(ctx, false); err != nil {
		if errors.Is(err, slotstore.ErrParse) && opts.Key == "" && s.cfg.KeyEnv != "" {
			err = fmt.Errorf("%w (set %s if the file is encrypted)", err, s.cfg.KeyEnv)
		}

		return nil, errors.Join(err, store.Close())
	}

	return store, nil
}

// Close closes the shared store if it was opened.
func (s *session) Close() error {
	if s.store == nil {
		return nil
	}

	err := s.store.Close()
	s.store = nil

	return err
}

// txOptions returns rollback-enabled transaction options, honoring a
// --timeout flag when fs defines one.
func (s *session) txOptions(fs *flag.FlagSet) slotstore.TxOptions {
	opts := slotstore.DefaultTxOptions()
	opts.CompressBackup = s.cfg.CompressBackups

	if fs != nil {
		if timeout, err := fs.GetDuration("timeout"); err == nil {
			opts.Timeout = timeout
		}
	}

	return opts
}
