package host

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// AuthScheme tags one of the three supported authentication models. The
// set is closed: hosts are enumerated, not plugged in.
type AuthScheme string

const (
	// AuthAPIKey is stateless header-based auth.
	AuthAPIKey AuthScheme = "api_key"
	// AuthTokenLogin exchanges username:password for a time-limited
	// bearer token that is refreshed proactively.
	AuthTokenLogin AuthScheme = "token_login"
	// AuthSession logs in once and carries a cookie jar afterwards.
	AuthSession AuthScheme = "session"
)

// Config describes one host: its endpoints, auth scheme and limits.
// Loaded once per run and read-only afterwards.
type Config struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	AuthScheme   AuthScheme `json:"auth_scheme"`
	RequiresAuth bool       `json:"requires_auth"`

	UploadURL   string `json:"upload_url"`
	LoginURL    string `json:"login_url,omitempty"`
	DeleteURL   string `json:"delete_url,omitempty"` // {file_id}, {token} placeholders
	UserInfoURL string `json:"user_info_url,omitempty"`

	// Multipart form field carrying the file body.
	FileField string `json:"file_field"`
	// Extra form fields sent with every upload.
	FormFields map[string]string `json:"form_fields,omitempty"`

	// JSON paths into the host's responses, dot separated.
	URLPath    string `json:"url_path"`
	FileIDPath string `json:"file_id_path,omitempty"`
	TokenPath  string `json:"token_path,omitempty"`

	// Image-host extras. GalleryURLTemplate carries a {gallery_id}
	// placeholder; RenameURL carries {gallery_id} and {token}.
	GalleryIDPath      string `json:"gallery_id_path,omitempty"`
	ThumbURLPath       string `json:"thumb_url_path,omitempty"`
	GalleryURLTemplate string `json:"gallery_url_template,omitempty"`
	RenameURL          string `json:"rename_url,omitempty"`

	// TokenTTLSeconds is the validity window for token-login hosts.
	TokenTTLSeconds int `json:"token_ttl_seconds,omitempty"`

	// InactivityTimeoutSeconds aborts a transfer that moves no bytes for
	// this long. Zero means the default (300).
	InactivityTimeoutSeconds int `json:"inactivity_timeout_seconds,omitempty"`
	// UploadTimeoutSeconds is the ceiling on total upload time. Zero
	// means unbounded.
	UploadTimeoutSeconds int `json:"upload_timeout_seconds,omitempty"`

	MaxFileSizeMB int  `json:"max_file_size_mb,omitempty"`
	MaxRetries    int  `json:"max_retries,omitempty"`
	Enabled       bool `json:"enabled"`
}

const defaultInactivityTimeout = 300 * time.Second

// InactivityTimeout returns the configured stall timeout or the default.
func (c *Config) InactivityTimeout() time.Duration {
	if c.InactivityTimeoutSeconds > 0 {
		return time.Duration(c.InactivityTimeoutSeconds) * time.Second
	}
	return defaultInactivityTimeout
}

// UploadTimeout returns the total-upload ceiling, zero when unbounded.
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.UploadTimeoutSeconds) * time.Second
}

// TokenTTL returns the token validity window.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSeconds) * time.Second
}

// Validate checks that the config names everything its auth scheme needs.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("host config missing id")
	}
	if c.UploadURL == "" {
		return fmt.Errorf("host %s: missing upload_url", c.ID)
	}
	switch c.AuthScheme {
	case AuthAPIKey, AuthTokenLogin, AuthSession:
	default:
		return fmt.Errorf("host %s: unknown auth scheme %q", c.ID, c.AuthScheme)
	}
	if c.AuthScheme != AuthAPIKey && c.RequiresAuth && c.LoginURL == "" {
		return fmt.Errorf("host %s: auth scheme %s requires login_url", c.ID, c.AuthScheme)
	}
	return nil
}

// LoadConfigs reads host configs from a JSON file and merges them over
// the built-in set by id. A missing file yields the built-ins unchanged.
func LoadConfigs(path string) ([]*Config, error) {
	configs := builtinConfigs()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return configs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read host configs: %w", err)
	}

	var overrides []*Config
	if err := json.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse host configs: %w", err)
	}

	byID := make(map[string]int, len(configs))
	for i, c := range configs {
		byID[c.ID] = i
	}
	for _, o := range overrides {
		if err := o.Validate(); err != nil {
			return nil, err
		}
		if i, ok := byID[o.ID]; ok {
			configs[i] = o
		} else {
			configs = append(configs, o)
		}
	}
	return configs, nil
}

// builtinConfigs enumerates the supported hosts. The set is fixed and
// small; overrides can adjust endpoints and limits but the app never
// loads arbitrary plugins.
func builtinConfigs() []*Config {
	return []*Config{
		{
			ID:                 "imx",
			Name:               "IMX",
			AuthScheme:         AuthAPIKey,
			RequiresAuth:       true,
			UploadURL:          "https://imx.to/api/upload",
			DeleteURL:          "https://imx.to/api/delete?image={file_id}",
			UserInfoURL:        "https://imx.to/api/account",
			FileField:          "image",
			URLPath:            "data.image_url",
			FileIDPath:         "data.image_id",
			GalleryIDPath:      "data.gallery_id",
			ThumbURLPath:       "data.thumb_url",
			GalleryURLTemplate: "https://imx.to/g/{gallery_id}",
			RenameURL:          "https://imx.to/api/gallery/rename?gallery={gallery_id}",
			Enabled:            true,
		},
		{
			ID:              "rapidgator",
			Name:            "Rapidgator",
			AuthScheme:      AuthTokenLogin,
			RequiresAuth:    true,
			LoginURL:        "https://rapidgator.net/api/v2/user/login",
			UploadURL:       "https://rapidgator.net/api/v2/file/upload",
			DeleteURL:       "https://rapidgator.net/api/v2/file/delete?file_id={file_id}&token={token}",
			UserInfoURL:     "https://rapidgator.net/api/v2/user/info?token={token}",
			FileField:       "file",
			URLPath:         "response.file.url",
			FileIDPath:      "response.file.file_id",
			TokenPath:       "response.token",
			TokenTTLSeconds: 3000,
			Enabled:         true,
		},
		{
			ID:           "filefactory",
			Name:         "FileFactory",
			AuthScheme:   AuthSession,
			RequiresAuth: true,
			LoginURL:     "https://filefactory.com/member/signin.php",
			UploadURL:    "https://filefactory.com/upload.php",
			FileField:    "file",
			URLPath:      "url",
			FileIDPath:   "id",
			Enabled:      false,
		},
	}
}
