package internal

// Option is a functional option for configuring the node at startup.
type Option func(*application)

type application struct {
	config *Config
}

// WithConfig sets the node configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}
