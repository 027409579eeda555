// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	ckerrors "github.com/tombee/checkpointd/pkg/errors"
)

// KeyringService is the OS keychain service checkpointd secrets live under.
const KeyringService = "checkpointd"

const (
	keyringPrefix = "keyring:"
	envPrefix     = "env:"
)

// keyringGet is replaced in tests.
var keyringGet = keyring.Get

// ResolveSecretReference resolves a keyring:<name> or env:<VAR> reference to
// its value. Other values are returned as-is.
func ResolveSecretReference(key, value string) (string, error) {
	switch {
	case strings.HasPrefix(value, keyringPrefix):
		name := strings.TrimPrefix(value, keyringPrefix)
		secret, err := keyringGet(KeyringService, name)
		if err != nil {
			return "", &ckerrors.ConfigError{
				Key:    key,
				Reason: fmt.Sprintf("failed to resolve keyring secret %q", name),
				Cause:  err,
			}
		}
		return secret, nil

	case strings.HasPrefix(value, envPrefix):
		name := strings.TrimPrefix(value, envPrefix)
		secret, ok := os.LookupEnv(name)
		if !ok {
			return "", &ckerrors.ConfigError{
				Key:    key,
				Reason: fmt.Sprintf("environment variable %s is not set", name),
			}
		}
		return secret, nil
	}
	return value, nil
}

// ResolveSecrets replaces secret references in the fields that accept them.
func (c *Config) ResolveSecrets() error {
	fields := []struct {
		key   string
		value *string
	}{
		{"store.redis.password", &c.Store.Redis.Password},
		{"store.postgres.url", &c.Store.Postgres.URL},
		{"admin.jwt_secret", &c.Admin.JWTSecret},
	}
	for _, f := range fields {
		resolved, err := ResolveSecretReference(f.key, *f.value)
		if err != nil {
			return err
		}
		*f.value = resolved
	}
	return nil
}
