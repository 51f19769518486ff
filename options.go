package mtlhal

// DeviceOption configures a Device during creation.
// Use functional options to customize Device behavior.
//
// Example:
//
//	// Default configuration
//	dev, err := mtlhal.NewDevice(raw)
//
//	// Argument-buffer descriptor strategy
//	cfg := mtlhal.DefaultConfig()
//	cfg.ArgumentBuffers = true
//	dev, err := mtlhal.NewDevice(raw, mtlhal.WithConfig(cfg))
type DeviceOption func(*deviceOptions)

// deviceOptions holds optional configuration for Device creation.
type deviceOptions struct {
	config      Config
	translators []Translator
}

// defaultOptions returns the default device options.
func defaultOptions() deviceOptions {
	return deviceOptions{
		config:      DefaultConfig(),
		translators: []Translator{PrimaryTranslator{}, FallbackTranslator{}},
	}
}

// WithConfig sets the device configuration. Zero fields take defaults.
func WithConfig(cfg Config) DeviceOption {
	return func(o *deviceOptions) {
		o.config = cfg
	}
}

// WithTranslators replaces the shader translator chain. Translators are
// tried in order; the first success wins. Passing no translators keeps
// the default primary-then-fallback chain.
//
// Example:
//
//	// Strict translation only, no fallback
//	dev, err := mtlhal.NewDevice(raw, mtlhal.WithTranslators(mtlhal.PrimaryTranslator{}))
func WithTranslators(ts ...Translator) DeviceOption {
	return func(o *deviceOptions) {
		if len(ts) > 0 {
			o.translators = append([]Translator(nil), ts...)
		}
	}
}
