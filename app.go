package vaultledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/coralledger/vault-ledger/log"
)

var (
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned when an app name is empty or whitespace.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app instance is provided.
	ErrNilApp = errors.New("app is nil")
)

// App represents a long-lived component run by the daemon, such as the
// webhook dispatcher, the reconciler, or the lease sweeper.
type App interface {
	Run(launcher *Launcher) error
}

// LauncherOption configures a Launcher.
type LauncherOption func(l *Launcher)

// WithLogger attaches a logger to the launcher.
func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// RunApp registers an application with the launcher at construction time.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

// Launcher runs registered apps concurrently and waits for all of them.
type Launcher struct {
	Logger       log.Logger
	apps         map[string]App
	wg           *sync.WaitGroup
	configErrors []error

	mu   sync.Mutex
	errs []error
}

// NewLauncher creates a launcher with the given options applied.
func NewLauncher(opts ...LauncherOption) *Launcher {
	launcher := &Launcher{
		apps: make(map[string]App),
		wg:   new(sync.WaitGroup),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(launcher)
		}
	}

	if launcher.Logger == nil {
		launcher.Logger = &log.NopLogger{}
	}

	return launcher
}

// Add registers an application under a unique name.
func (l *Launcher) Add(appName string, app App) error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	if l.wg == nil {
		l.wg = new(sync.WaitGroup)
	}

	if strings.TrimSpace(appName) == "" {
		return ErrEmptyApp
	}

	if app == nil {
		return ErrNilApp
	}

	if _, exists := l.apps[appName]; exists {
		return fmt.Errorf("app %q already registered", appName)
	}

	l.apps[appName] = app

	return nil
}

// Run starts every registered app in its own goroutine and blocks until all
// of them return. Errors from individual apps are collected and joined.
func (l *Launcher) Run() error {
	if l == nil {
		return ErrNilLauncher
	}

	if len(l.configErrors) > 0 {
		return errors.Join(l.configErrors...)
	}

	ctx := context.Background()

	for name, app := range l.apps {
		l.wg.Add(1)

		go func(name string, app App) {
			defer l.wg.Done()
			defer func() {
				if recovered := recover(); recovered != nil {
					l.Logger.Log(ctx, log.LevelError, "app panicked",
						log.String("app", name), log.Any("panic", recovered))
					l.recordError(fmt.Errorf("app %q panicked: %v", name, recovered))
				}
			}()

			l.Logger.Log(ctx, log.LevelInfo, "app starting", log.String("app", name))

			if err := app.Run(l); err != nil {
				l.Logger.Log(ctx, log.LevelError, "app stopped with error",
					log.String("app", name), log.Err(err))
				l.recordError(fmt.Errorf("app %q: %w", name, err))

				return
			}

			l.Logger.Log(ctx, log.LevelInfo, "app stopped", log.String("app", name))
		}(name, app)
	}

	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()

	return errors.Join(l.errs...)
}

func (l *Launcher) recordError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.errs = append(l.errs, err)
}
