package app

// Options configures the top-level controller.
type Options struct {
	// ConfigPath points to the optional service config file.
	ConfigPath string
	// StatusSocket overrides the status socket path.
	StatusSocket string
	// Port selects the supervisor instance when several run at once.
	Port int
}

// App exposes high-level operations that the CLI/TUI can reuse.
type App struct {
	cfgPath string
	socket  string
	port    int
}

// New constructs the shared controller facade.
func New(opts Options) *App {
	return &App{
		cfgPath: opts.ConfigPath,
		socket:  opts.StatusSocket,
		port:    opts.Port,
	}
}

// ConfigPath returns the configured config file path (if any).
func (a *App) ConfigPath() string {
	return a.cfgPath
}
