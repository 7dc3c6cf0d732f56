package main

import (
	"strings"
	"time"

	"github.com/ofdreport/ReportAgent/pkg/types"
	"github.com/pkg/errors"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// resolveWindow turns either a preset or an explicit filter and date pair
// into the batch parameters.
func resolveWindow(preset, filter, from, to string, now time.Time) (types.FilterKind, types.DateRange, error) {
	if strings.TrimSpace(preset) != "" {
		return types.ResolvePreset(preset, now)
	}
	kind, err := types.ParseFilterKind(firstNonEmpty(filter, string(types.FilterDeviceLifetime)))
	if err != nil {
		return "", types.DateRange{}, err
	}
	if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
		return "", types.DateRange{}, errors.New("either --preset or both --from and --to are required")
	}
	start, err := types.ParseDate(from)
	if err != nil {
		return "", types.DateRange{}, errors.Wrap(err, "--from")
	}
	end, err := types.ParseDate(to)
	if err != nil {
		return "", types.DateRange{}, errors.Wrap(err, "--to")
	}
	rng, err := types.NewDateRange(start, end)
	if err != nil {
		return "", types.DateRange{}, err
	}
	return kind, rng, nil
}
