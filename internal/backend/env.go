package backend

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv loads .env files into the environment without overriding
// variables already set. A leading ~ expands to the home directory; missing
// files are skipped.
func LoadEnv(files ...string) error {
	for _, file := range files {
		if strings.HasPrefix(file, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			file = strings.Replace(file, "~", home, 1)
		}
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ConfigFromEnv reads the secret-bearing settings from ZOHO_* variables.
func ConfigFromEnv() Config {
	return Config{
		ClientID:     os.Getenv("ZOHO_CLIENT_ID"),
		ClientSecret: os.Getenv("ZOHO_CLIENT_SECRET"),
		RedirectURI:  os.Getenv("ZOHO_REDIRECT_URI"),
		TokenURL:     os.Getenv("ZOHO_TOKEN_URL"),
		RefreshToken: os.Getenv("ZOHO_REFRESH_TOKEN"),
	}
}
