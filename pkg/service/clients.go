// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mxcp/mxcp-auth/pkg/logger"
	"github.com/mxcp/mxcp-auth/pkg/store"
)

// clientSeed is the on-disk shape of the client registration seed file.
type clientSeed struct {
	Clients []store.ClientRegistration `yaml:"clients"`
}

// LoadClientSeed parses a YAML seed file of client registrations.
func LoadClientSeed(path string) ([]*store.ClientRegistration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client seed file: %w", err)
	}

	var seed clientSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing client seed file: %w", err)
	}

	clients := make([]*store.ClientRegistration, 0, len(seed.Clients))
	for i := range seed.Clients {
		c := seed.Clients[i]
		if c.ClientID == "" {
			return nil, fmt.Errorf("client seed entry %d: client_id is required", i)
		}
		if len(c.RedirectURIs) == 0 {
			return nil, fmt.Errorf("client seed entry %d (%s): at least one redirect_uri is required", i, c.ClientID)
		}
		clients = append(clients, &c)
	}
	return clients, nil
}

// seedClients loads the seed file and upserts each registration.
func seedClients(ctx context.Context, st store.TokenStore, path string) error {
	clients, err := LoadClientSeed(path)
	if err != nil {
		return err
	}
	for _, c := range clients {
		if err := st.PutClient(ctx, c); err != nil {
			return fmt.Errorf("seeding client %s: %w", c.ClientID, err)
		}
	}
	logger.Infow("client registrations seeded", "count", len(clients), "path", path)
	return nil
}
