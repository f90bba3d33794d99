package cli

import (
	"fmt"
	"log/slog"

	"fingerauth/internal/config"
	"fingerauth/internal/device"
	"fingerauth/internal/device/r30x"
	"fingerauth/internal/device/simulator"
	"fingerauth/internal/enroll"
	"fingerauth/internal/features"
	"fingerauth/internal/imageio"
	"fingerauth/internal/match"
	"fingerauth/internal/scan"
)

// DeviceRegistry registers the serial r30x driver and, when scans are
// configured, the "simulator" driver replaying them.
func DeviceRegistry(cfg *config.Config, log *slog.Logger) (*device.Registry, error) {
	reg := device.NewRegistry()
	reg.Register("r30x", r30x.Opener{
		BaudRate:    cfg.Device.BaudRate,
		Address:     cfg.Device.Address,
		Password:    cfg.Device.Password,
		ReadTimeout: cfg.Device.ReadTimeout(),
		Log:         log,
	})

	var scans []scan.RawScan
	for _, path := range cfg.Device.SimScans {
		g, err := imageio.Load(path, imageio.Options{})
		if err != nil {
			return nil, fmt.Errorf("simulator scan: %w", err)
		}
		raw, err := scan.Encode(g)
		if err != nil {
			return nil, fmt.Errorf("simulator scan %s: %w", path, err)
		}
		scans = append(scans, raw)
	}
	if len(scans) > 0 {
		reg.Register("simulator", simulator.Opener{Scans: scans, Script: simulator.EnrollScript})
	} else if cfg.Device.Driver == "simulator" {
		return nil, fmt.Errorf("simulator driver selected but device.sim_scans is empty")
	}
	return reg, nil
}

// NewEnroller builds the enroller enroll jobs run through.
func NewEnroller(cfg *config.Config, reg *device.Registry, log *slog.Logger) (*enroll.DeviceEnroller, error) {
	m, err := cfg.Matching.Matcher()
	if err != nil {
		return nil, err
	}
	ex := features.NewExtractor(cfg.Features)
	return &enroll.DeviceEnroller{
		Registry:   reg,
		Driver:     cfg.Device.Driver,
		Port:       cfg.Device.Port,
		Assessor:   enroll.NewAssessor(cfg.Quality, ex),
		Comparator: match.NewComparator(ex, m, cfg.Matching.Verifier(), log),
		Capture:    cfg.Device.Capture(),
		Log:        log,
	}, nil
}
