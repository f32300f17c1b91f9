package auth

// Config contains clone credential configuration per provider.
type Config struct {
	GitHub    ProviderConfig `yaml:"github"`
	GitLab    ProviderConfig `yaml:"gitlab"`
	Bitbucket ProviderConfig `yaml:"bitbucket"`
}

// ProviderConfig contains auth configuration for a provider.
type ProviderConfig struct {
	AppID          int64  `yaml:"app_id"`
	PrivateKeyPath string `yaml:"private_key_path"`

	Token    string `yaml:"token"`
	Username string `yaml:"username"`
	BaseURL  string `yaml:"base_url"`
}
