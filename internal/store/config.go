package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrAPIServerNotFound     = errors.New("store: api server config not found")
	ErrGatewayConfigNotFound = errors.New("store: gateway config not found")
	ErrNoActiveProfile       = errors.New("store: no active profile found")
)

// APIServer is the REST listen address for a profile, carried from the
// teacher's db.APIServer unchanged.
type APIServer struct {
	ProfileID int64
	Host      string
	Port      int
}

// Address returns host:port.
func (a *APIServer) Address() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }

func (s *Store) apiServer(ctx context.Context, profileID int64) (*APIServer, error) {
	a := &APIServer{}
	err := s.QueryRowContext(ctx, `
		SELECT profile_id, host, port FROM api_servers WHERE profile_id = ?
	`, profileID).Scan(&a.ProfileID, &a.Host, &a.Port)
	if err == sql.ErrNoRows {
		return nil, ErrAPIServerNotFound
	}
	return a, err
}

// GatewayConfig is the network/crypto config row for a profile: PAN id,
// channel, coordinator EUI64, DDF search path, and scrypt cost parameters
// (spec §2a Config — these live in the database, not environment variables).
type GatewayConfig struct {
	ProfileID      int64
	PanID          int
	Channel        int
	CoordinatorEUI string
	DDFPath        string
	ScryptN        int
	ScryptR        int
	ScryptP        int
}

func (s *Store) gatewayConfig(ctx context.Context, profileID int64) (*GatewayConfig, error) {
	c := &GatewayConfig{}
	err := s.QueryRowContext(ctx, `
		SELECT profile_id, pan_id, channel, coordinator_eui, ddf_path, scrypt_n, scrypt_r, scrypt_p
		FROM gateway_config WHERE profile_id = ?
	`, profileID).Scan(&c.ProfileID, &c.PanID, &c.Channel, &c.CoordinatorEUI, &c.DDFPath, &c.ScryptN, &c.ScryptR, &c.ScryptP)
	if err == sql.ErrNoRows {
		return nil, ErrGatewayConfigNotFound
	}
	return c, err
}

// UpdateGatewayConfig writes back c.
func (s *Store) UpdateGatewayConfig(ctx context.Context, c *GatewayConfig) error {
	_, err := s.ExecContext(ctx, `
		UPDATE gateway_config
		SET pan_id = ?, channel = ?, coordinator_eui = ?, ddf_path = ?, scrypt_n = ?, scrypt_r = ?, scrypt_p = ?
		WHERE profile_id = ?
	`, c.PanID, c.Channel, c.CoordinatorEUI, c.DDFPath, c.ScryptN, c.ScryptR, c.ScryptP, c.ProfileID)
	return err
}

// Config is the complete runtime configuration for the active profile.
type Config struct {
	Profile   *Profile
	APIServer *APIServer
	Gateway   *GatewayConfig
}

// APIAddress returns the API server listen address, falling back to the
// schema default if no row exists yet.
func (c *Config) APIAddress() string {
	if c.APIServer == nil {
		return "0.0.0.0:8080"
	}
	return c.APIServer.Address()
}

// ActiveConfig loads the complete configuration for the active profile.
func (s *Store) ActiveConfig(ctx context.Context) (*Config, error) {
	profile, err := s.Profiles().GetActive(ctx)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return nil, ErrNoActiveProfile
		}
		return nil, fmt.Errorf("store: active profile: %w", err)
	}

	cfg := &Config{Profile: profile}

	apiServer, err := s.apiServer(ctx, profile.ID)
	if err != nil && !errors.Is(err, ErrAPIServerNotFound) {
		return nil, fmt.Errorf("store: api server config: %w", err)
	}
	cfg.APIServer = apiServer

	gw, err := s.gatewayConfig(ctx, profile.ID)
	if err != nil && !errors.Is(err, ErrGatewayConfigNotFound) {
		return nil, fmt.Errorf("store: gateway config: %w", err)
	}
	cfg.Gateway = gw

	return cfg, nil
}
