package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dresden-elektronik/gwcore/internal/alarm"
	"github.com/dresden-elektronik/gwcore/internal/eventbus"
	"github.com/dresden-elektronik/gwcore/internal/httpapi"
	"github.com/dresden-elektronik/gwcore/internal/store"
	"github.com/dresden-elektronik/gwcore/internal/tick"
)

// maxCodeIndex bounds the PIN slots hydrated per partition on startup
// (index 0 is the master code set via PUT .../config).
const maxCodeIndex = 3

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	dbPath := flag.String("db", "", "Path to database file (required; there is no default)")
	flag.Parse()

	ctx := context.Background()

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}()
	log.Info().Str("path", db.Path()).Msg("Database opened")

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	if needsBootstrap, err := db.NeedsBootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to check bootstrap status")
	} else if needsBootstrap {
		log.Info().Msg("First run detected, bootstrapping database...")
		if err := db.Bootstrap(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to bootstrap database")
		}
	}

	cfg, err := db.ActiveConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log.Info().
		Str("profile", cfg.Profile.Name).
		Str("timezone", cfg.Profile.Timezone).
		Str("api_address", cfg.APIAddress()).
		Msg("Configuration loaded")

	bus := eventbus.New()

	devices := alarm.NewDeviceTable()
	persisted, err := db.LoadAlarmSystemDevices()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load alarm system devices")
	}
	entries := make([]alarm.DeviceEntry, 0, len(persisted))
	for _, row := range persisted {
		e, err := alarm.NewDeviceEntry(row.UniqueID, row.ExtAddress, row.Flags, row.AlarmSystemID)
		if err != nil {
			log.Warn().Err(err).Str("uniqueId", row.UniqueID).Msg("gwcore: dropping malformed alarm device row")
			continue
		}
		entries = append(entries, e)
	}
	devices.Reset(entries)
	log.Info().Int("count", devices.Size()).Msg("Alarm device table hydrated")

	manager := alarm.NewManager(bus, devices)
	manager.SetStores(db, db, db)

	// The only partition ids ever touched so far are whatever devices
	// were persisted against; every other id is created lazily by the
	// first PUT /alarmsystems/<id>. Pre-create the ones already in use
	// so GET /alarmsystems reflects them immediately on boot.
	seen := make(map[uint8]bool)
	for _, e := range entries {
		if seen[e.AlarmSystemID] {
			continue
		}
		seen[e.AlarmSystemID] = true
		s := manager.Ensure(e.AlarmSystemID)
		if err := s.LoadCodes(maxCodeIndex); err != nil {
			log.Warn().Err(err).Uint8("id", e.AlarmSystemID).Msg("gwcore: failed to hydrate alarm system codes")
		}
	}

	// device-tick pacing (spec §4.L) has nothing to poll or join until a
	// device supervisor (internal/device) is wired up to the real EZSP
	// transport; started here with an empty device set so the scheduler's
	// boot/idle timing is observable in logs ahead of that wiring.
	scheduler := tick.NewScheduler(bus)
	scheduler.SetDevices(nil)

	// 1Hz core loop: paces the device-tick scheduler and every alarm
	// system's own exit/entry-delay countdown, then drains whatever
	// events that produced, matching each Tick method's own "called at
	// 1Hz by the owning supervisor loop" contract.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for now := range ticker.C {
			scheduler.Tick(now)
			for _, s := range manager.List() {
				s.Tick(now)
			}
			bus.Drain()
		}
	}()

	router := httpapi.NewRouter(manager)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down...")
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
		os.Exit(0)
	}()

	addr := cfg.APIAddress()
	log.Info().Str("address", addr).Msg("Starting API server")
	if err := router.Run(addr); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
